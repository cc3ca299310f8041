package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"
	"mediarelay/pkg/retry"
	"mediarelay/pkg/tracing"
	"mediarelay/pkg/utils"

	"go.uber.org/zap"
)

const chatMaxRunes = 120

// Shard creation results reported to metrics.
const (
	ShardCreateSuccess = "success"
	ShardCreateFailure = "failure"
)

type RoomConfig struct {
	MaxParticipantsPerShard int
	CPUThreshold            float64
	Codecs                  []domain.Codec
	CreateRetry             retry.Config
}

// ShardSelection is the outcome of SelectShard. Reason is set when OK is false.
type ShardSelection struct {
	Shard  *Shard
	OK     bool
	Reason error
}

type JoinResult struct {
	Participant  *Participant
	Shard        *Shard
	ShardCreated bool
	TotalPeers   int
}

type LeaveResult struct {
	Removed      []domain.ProducerInfo
	ShardRemoved bool
	RoomEmpty    bool
	TotalPeers   int
}

// Room is one conference split into shards.
type Room struct {
	ID domain.RoomID

	cfg         RoomConfig
	balancer    *LoadBalancer
	replicator  *Replicator
	broadcaster ports.Broadcaster
	metrics     ports.Metrics
	base        *zap.SugaredLogger
	logger      *zap.SugaredLogger
	now         func() time.Time

	// admissionMu serialises join, leave and destroy so shard creation,
	// removal and load adjustments happen in event order.
	admissionMu sync.Mutex

	mu          sync.RWMutex
	shards      map[domain.ShardID]*Shard
	lastShardID domain.ShardID
	members     map[domain.ParticipantID]domain.ShardID
	producers   []domain.ProducerInfo
	chat        []domain.ChatMessage
	closed      bool

	pipes PipeResourceTracker
}

func NewRoom(
	id domain.RoomID,
	cfg RoomConfig,
	balancer *LoadBalancer,
	replicator *Replicator,
	broadcaster ports.Broadcaster,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *Room {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Room{
		ID:          id,
		cfg:         cfg,
		balancer:    balancer,
		replicator:  replicator,
		broadcaster: broadcaster,
		metrics:     metrics,
		base:        logger,
		logger:      logger.With("room_id", id),
		now:         time.Now,
		shards:      make(map[domain.ShardID]*Shard),
		members:     make(map[domain.ParticipantID]domain.ShardID),
	}
}

func (r *Room) Pipes() *PipeResourceTracker {
	return &r.pipes
}

func (r *Room) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Shards returns the shards ordered by id.
func (r *Room) Shards() []*Shard {
	r.mu.RLock()
	out := make([]*Shard, 0, len(r.shards))
	for _, s := range r.shards {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Room) Shard(id domain.ShardID) (*Shard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.shards[id]
	if !ok {
		return nil, fmt.Errorf("shard %d: %w", id, domain.ErrShardNotFound)
	}
	return s, nil
}

// ShardOf returns the shard hosting a participant.
func (r *Room) ShardOf(participantID domain.ParticipantID) (*Shard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.members[participantID]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", participantID, domain.ErrParticipantNotFound)
	}
	s, ok := r.shards[id]
	if !ok {
		return nil, fmt.Errorf("shard %d: %w", id, domain.ErrShardNotFound)
	}
	return s, nil
}

func (r *Room) TotalParticipants() int {
	total := 0
	for _, s := range r.Shards() {
		total += s.ParticipantCount()
	}
	return total
}

// SelectShard picks a join target among the existing shards. Every shard
// below the participant cap replaces the previous candidate, so the last one
// in id order wins. The candidate is rejected when its worker is above the
// CPU threshold.
func (r *Room) SelectShard(ctx context.Context) ShardSelection {
	var candidate *Shard
	for _, s := range r.Shards() {
		if s.ParticipantCount() < r.cfg.MaxParticipantsPerShard {
			candidate = s
		}
	}
	if candidate == nil {
		return ShardSelection{Reason: fmt.Errorf("no shard below %d participants: %w", r.cfg.MaxParticipantsPerShard, domain.ErrAdmissionRejected)}
	}

	usage, err := candidate.Worker().ResourceUsage(ctx)
	if err != nil {
		return ShardSelection{Reason: fmt.Errorf("shard %d: %w: %w", candidate.ID, domain.ErrResourceSampling, err)}
	}
	if cpu := usage.CPUPercent(); cpu > r.cfg.CPUThreshold {
		return ShardSelection{Reason: fmt.Errorf("shard %d at %.1f%% cpu: %w", candidate.ID, cpu, domain.ErrCPUOverloaded)}
	}
	return ShardSelection{Shard: candidate, OK: true}
}

// CreateShard binds a new shard to the least busy worker, retrying with
// exponential backoff. It returns nil once every attempt failed.
func (r *Room) CreateShard(ctx context.Context) *Shard {
	ctx, span := tracing.TraceShard(ctx, "create_shard", string(r.ID))
	defer span.End()

	shard, err := retry.DoWithResult(ctx, r.cfg.CreateRetry, func(attempt int) (*Shard, error) {
		tracing.AddSpanAttributes(ctx, tracing.AttemptKey.Int(attempt+1))

		shard, err := r.tryCreateShard(ctx)
		if err != nil {
			r.metrics.ShardCreateAttempt(ShardCreateFailure)
			r.logger.Warnw("shard creation attempt failed",
				"attempt", attempt+1,
				"error", err,
			)
			return nil, err
		}
		r.metrics.ShardCreateAttempt(ShardCreateSuccess)
		return shard, nil
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		r.logger.Errorw("failed to create shard", "error", err)
		return nil
	}

	r.logger.Infow("shard created",
		"shard_id", shard.ID,
		"worker_id", shard.Worker().ID(),
	)
	return shard
}

func (r *Room) tryCreateShard(ctx context.Context) (*Shard, error) {
	worker, err := r.balancer.SelectByLeastCPU(ctx)
	if err != nil {
		return nil, err
	}
	if worker == nil {
		return nil, domain.ErrWorkerUnavailable
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, domain.ErrRoomNotFound
	}
	r.lastShardID++
	id := r.lastShardID
	r.mu.Unlock()

	shard := NewShard(id, r.ID, worker, r.cfg.Codecs, r.cfg.MaxParticipantsPerShard, r.broadcaster, r.base)
	shard.onProducerGone = r.handleProducerGone
	if err := shard.Init(ctx); err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		shard.Close()
		return nil, domain.ErrRoomNotFound
	}
	r.shards[id] = shard
	r.mu.Unlock()

	r.balancer.AdjustLoad(worker, +1)
	return shard, nil
}

// RemoveShard closes a shard, forgets it and releases its worker slot.
func (r *Room) RemoveShard(ctx context.Context, id domain.ShardID) bool {
	r.mu.Lock()
	shard, ok := r.shards[id]
	delete(r.shards, id)
	for pid, sid := range r.members {
		if sid == id {
			delete(r.members, pid)
		}
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	shard.Close()
	r.balancer.AdjustLoad(shard.Worker(), -1)
	r.logger.Infow("shard removed", "shard_id", id)
	return true
}

// Join places a participant in a shard, creating one when no existing shard
// can take it.
func (r *Room) Join(ctx context.Context, p *Participant) (JoinResult, error) {
	r.admissionMu.Lock()
	defer r.admissionMu.Unlock()

	if r.Closed() {
		return JoinResult{}, domain.ErrRoomNotFound
	}

	var (
		shard   *Shard
		created bool
	)
	if sel := r.SelectShard(ctx); sel.OK {
		shard = sel.Shard
	} else {
		if len(r.Shards()) > 0 {
			r.logger.Infow("no shard available, creating one",
				"participant_id", p.ID,
				"reason", sel.Reason,
			)
		}
		shard = r.CreateShard(ctx)
		if shard == nil {
			return JoinResult{}, domain.ErrShardCreationFailed
		}
		created = true
	}

	if err := shard.AddParticipant(p); err != nil {
		return JoinResult{}, err
	}

	r.mu.Lock()
	r.members[p.ID] = shard.ID
	r.mu.Unlock()

	total := r.TotalParticipants()
	r.broadcast("", domain.EventRoomInfo, total)
	r.broadcast(p.ID, domain.EventUserJoined, map[string]any{
		"participantId": p.ID,
		"userId":        p.UserID,
		"extra":         p.Extra,
	})

	r.logger.Infow("participant joined",
		"participant_id", p.ID,
		"user_id", p.UserID,
		"shard_id", shard.ID,
		"shard_created", created,
	)
	return JoinResult{Participant: p, Shard: shard, ShardCreated: created, TotalPeers: total}, nil
}

// Leave removes a participant and everything it published. The room is
// destroyed when it was the last one; an emptied shard is removed.
func (r *Room) Leave(ctx context.Context, participantID domain.ParticipantID) (LeaveResult, error) {
	r.admissionMu.Lock()
	defer r.admissionMu.Unlock()

	shard, err := r.ShardOf(participantID)
	if err != nil {
		return LeaveResult{}, err
	}

	removed := r.RemoveProducersByParticipant(participantID)
	for _, info := range removed {
		r.teardownProducer(info.ProducerID)
	}

	if _, ok := shard.RemoveParticipant(participantID); !ok {
		return LeaveResult{}, fmt.Errorf("participant %s: %w", participantID, domain.ErrParticipantNotFound)
	}
	r.mu.Lock()
	delete(r.members, participantID)
	r.mu.Unlock()

	res := LeaveResult{Removed: removed, TotalPeers: r.TotalParticipants()}
	if res.TotalPeers == 0 {
		r.destroy(ctx)
		res.RoomEmpty = true
		res.ShardRemoved = true
		return res, nil
	}

	r.broadcast("", domain.EventRoomInfo, res.TotalPeers)
	r.broadcast(participantID, domain.EventUserLeft, map[string]any{"participantId": participantID})

	if shard.ParticipantCount() == 0 {
		res.ShardRemoved = r.RemoveShard(ctx, shard.ID)
	}
	return res, nil
}

// Destroy removes every shard, closes the room's relay state and tells the
// participants the room is gone.
func (r *Room) Destroy(ctx context.Context) {
	r.admissionMu.Lock()
	defer r.admissionMu.Unlock()
	r.destroy(ctx)
}

func (r *Room) destroy(ctx context.Context) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.broadcast("", domain.EventRoomClosed, nil)

	// remotes are told before the shard routers take the relay transports down
	if r.replicator != nil {
		r.replicator.CloseRoom(ctx, r.ID)
	}
	for _, s := range r.Shards() {
		r.RemoveShard(ctx, s.ID)
	}
	r.pipes.CloseAll()

	r.mu.Lock()
	r.producers = nil
	r.mu.Unlock()
	r.logger.Infow("room destroyed")
}

// Publish creates a producer for a participant and pipes it into every other
// shard. A failed local fan-out is logged; the producer stays published.
func (r *Room) Publish(
	ctx context.Context,
	participantID domain.ParticipantID,
	transportID domain.TransportID,
	kind domain.MediaKind,
	mediaType domain.MediaType,
	rtpParameters json.RawMessage,
) (domain.ProducerInfo, error) {
	shard, err := r.ShardOf(participantID)
	if err != nil {
		return domain.ProducerInfo{}, err
	}
	p, err := shard.Participant(participantID)
	if err != nil {
		return domain.ProducerInfo{}, err
	}

	producer, err := shard.Produce(ctx, participantID, transportID, kind, mediaType, rtpParameters)
	if err != nil {
		return domain.ProducerInfo{}, err
	}

	info := domain.ProducerInfo{
		ShardID:       shard.ID,
		ProducerID:    producer.ID(),
		ParticipantID: participantID,
		UserID:        p.UserID,
		Kind:          producer.Kind(),
		MediaType:     mediaType,
	}

	if err := r.ReplicateLocal(ctx, shard, info.ProducerID); err != nil {
		r.logger.Warnw("local fan-out failed",
			"producer_id", info.ProducerID,
			"error", err,
		)
	}

	r.AddProducer(info)
	return info, nil
}

// ReplicateLocal pipes a producer from source into every other shard.
func (r *Room) ReplicateLocal(ctx context.Context, source *Shard, producerID domain.ProducerID) error {
	return r.replicator.ReplicateLocal(ctx, source, r.Shards(), producerID)
}

// Announce relays a freshly published producer to the federated servers and
// tells the rest of the room about it. Remote failures are logged per
// destination.
func (r *Room) Announce(ctx context.Context, info domain.ProducerInfo) map[domain.Destination]error {
	var failed map[domain.Destination]error
	if shard, err := r.Shard(info.ShardID); err == nil && !info.Remote {
		failed = r.replicator.ReplicateToFederation(ctx, shard, info)
		for dest, err := range failed {
			r.logger.Warnw("remote fan-out failed",
				"producer_id", info.ProducerID,
				"destination", dest,
				"error", err,
			)
		}
	}

	r.broadcast(info.ParticipantID, domain.EventNewProducers, []domain.ProducerInfo{info})
	return failed
}

// CloseProducer closes a participant's producer and tears down its relays.
func (r *Room) CloseProducer(participantID domain.ParticipantID, producerID domain.ProducerID) error {
	shard, err := r.ShardOf(participantID)
	if err != nil {
		return err
	}
	if _, err := shard.CloseProducer(participantID, producerID); err != nil {
		return err
	}
	r.RemoveProducer(producerID)
	r.teardownProducer(producerID)
	return nil
}

func (r *Room) handleProducerGone(shardID domain.ShardID, producerID domain.ProducerID) {
	if r.RemoveProducer(producerID) {
		r.teardownProducer(producerID)
	}
}

// teardownProducer drops every relay of producerID: remote destinations and
// consumers piping it into other shards.
func (r *Room) teardownProducer(producerID domain.ProducerID) {
	if r.replicator != nil {
		r.replicator.RemoveProducer(r.ID, producerID)
	}
	r.pipes.CloseConsumers(producerID)
	r.pipes.CloseProducer(producerID)
	for _, s := range r.Shards() {
		s.Pipes().CloseConsumers(producerID)
		s.Pipes().CloseProducer(producerID)
	}
}

// Consume subscribes a participant to a registered producer.
func (r *Room) Consume(
	ctx context.Context,
	participantID domain.ParticipantID,
	transportID domain.TransportID,
	producerID domain.ProducerID,
	caps domain.RtpCapabilities,
) (ports.Consumer, error) {
	if _, ok := r.Producer(producerID); !ok {
		return nil, fmt.Errorf("producer %s: %w", producerID, domain.ErrProducerNotFound)
	}
	shard, err := r.ShardOf(participantID)
	if err != nil {
		return nil, err
	}
	return shard.Consume(ctx, participantID, transportID, producerID, caps)
}

// SyncProducers returns the room's producers. When the participant's shard
// was created by its own join, producers living on other shards that are not
// piped there yet get piped first.
func (r *Room) SyncProducers(ctx context.Context, participantID domain.ParticipantID, shardCreated bool) ([]domain.ProducerInfo, error) {
	target, err := r.ShardOf(participantID)
	if err != nil {
		return nil, err
	}
	producers := r.Producers()
	if !shardCreated {
		return producers, nil
	}

	for _, info := range producers {
		if info.ShardID == target.ID || target.Pipes().HasProducer(info.ProducerID) {
			continue
		}
		source, err := r.Shard(info.ShardID)
		if err != nil {
			continue
		}
		if err := r.replicator.ReplicateLocal(ctx, source, []*Shard{target}, info.ProducerID); err != nil {
			r.logger.Warnw("lazy pipe failed",
				"producer_id", info.ProducerID,
				"shard_id", target.ID,
				"error", err,
			)
		}
	}
	return producers, nil
}

// Producer registry.

func (r *Room) AddProducer(info domain.ProducerInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.producers {
		if r.producers[i].ProducerID == info.ProducerID {
			r.producers[i] = info
			return
		}
	}
	r.producers = append(r.producers, info)
}

func (r *Room) Producer(id domain.ProducerID) (domain.ProducerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, info := range r.producers {
		if info.ProducerID == id {
			return info, true
		}
	}
	return domain.ProducerInfo{}, false
}

func (r *Room) Producers() []domain.ProducerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ProducerInfo, len(r.producers))
	copy(out, r.producers)
	return out
}

// RemoveProducer drops a producer from the registry.
func (r *Room) RemoveProducer(id domain.ProducerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, info := range r.producers {
		if info.ProducerID == id {
			r.producers = append(r.producers[:i], r.producers[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveProducersByParticipant drops and returns every producer of a
// participant.
func (r *Room) RemoveProducersByParticipant(id domain.ParticipantID) []domain.ProducerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []domain.ProducerInfo
	kept := r.producers[:0]
	for _, info := range r.producers {
		if info.ParticipantID == id {
			removed = append(removed, info)
			continue
		}
		kept = append(kept, info)
	}
	r.producers = kept
	return removed
}

// Chat and reactions.

// PostChat sanitises text, stores it in the history ring and broadcasts it to
// the whole room. ok is false when nothing was left to send.
func (r *Room) PostChat(p *Participant, text string) (domain.ChatMessage, bool) {
	clean, ok := utils.SanitizeChatMessage(text, chatMaxRunes)
	if !ok {
		return domain.ChatMessage{}, false
	}
	msg := domain.NewChatMessage(p.UserID, clean, p.Extra, r.now())

	r.mu.Lock()
	r.chat = append(r.chat, msg)
	if len(r.chat) > domain.ChatHistorySize {
		r.chat = r.chat[len(r.chat)-domain.ChatHistorySize:]
	}
	r.mu.Unlock()

	r.broadcast("", domain.EventChatMessage, msg)
	return msg, true
}

func (r *Room) ChatHistory() []domain.ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ChatMessage, len(r.chat))
	copy(out, r.chat)
	return out
}

// React broadcasts an allowed emoji reaction.
func (r *Room) React(p *Participant, emoji string) (domain.Reaction, bool) {
	if !domain.IsAllowedReaction(emoji) {
		return domain.Reaction{}, false
	}
	name := p.Extra.PublicName
	if name == "" {
		name = string(p.UserID)
	}
	reaction := domain.Reaction{Emoji: emoji, UserID: p.UserID, Name: name}
	r.broadcast("", domain.EventReaction, reaction)
	return reaction, true
}

// Introspection.

// People lists every participant with the producers it publishes.
func (r *Room) People() []domain.Person {
	producers := r.Producers()
	var people []domain.Person
	for _, s := range r.Shards() {
		for _, p := range s.Participants() {
			person := domain.Person{ParticipantSummary: p.Summary(s.ID), Produce: []domain.ProducedMedia{}}
			for _, info := range producers {
				if info.ParticipantID == p.ID {
					person.Produce = append(person.Produce, domain.ProducedMedia{
						MediaType:  info.MediaType,
						ProducerID: info.ProducerID,
					})
				}
			}
			people = append(people, person)
		}
	}
	return people
}

func (r *Room) Info() domain.RoomInfo {
	info := domain.RoomInfo{
		ID:        r.ID,
		Persons:   r.People(),
		Producers: r.Producers(),
	}
	for _, s := range r.Shards() {
		info.Shards = append(info.Shards, s.Summary())
	}
	if r.replicator != nil {
		info.Pipes = r.replicator.Dump(r.ID)
	}
	return info
}

func (r *Room) Snapshot() domain.RoomSnapshot {
	return domain.RoomSnapshot{
		ID:           r.ID,
		Shards:       len(r.Shards()),
		Participants: r.TotalParticipants(),
		Producers:    len(r.Producers()),
		UpdatedAt:    r.now(),
	}
}

// ProducerCounts returns the number of producers per media type.
func (r *Room) ProducerCounts() map[domain.MediaType]int {
	counts := make(map[domain.MediaType]int, 3)
	for _, info := range r.Producers() {
		counts[info.MediaType]++
	}
	return counts
}

func (r *Room) broadcast(except domain.ParticipantID, event string, data any) {
	if r.broadcaster == nil {
		return
	}
	r.broadcaster.Broadcast(r.ID, except, event, data)
}

// IsCapacityError reports whether err means the room could not place anyone.
func IsCapacityError(err error) bool {
	return errors.Is(err, domain.ErrShardCreationFailed) ||
		errors.Is(err, domain.ErrAdmissionRejected) ||
		errors.Is(err, domain.ErrWorkerUnavailable)
}
