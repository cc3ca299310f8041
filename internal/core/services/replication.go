package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"
	"mediarelay/pkg/cache"
	"mediarelay/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Relay attempt results reported to metrics.
const (
	RelayResultSuccess     = "success"
	RelayResultFailure     = "failure"
	RelayResultBlacklisted = "blacklisted"
	RelayResultDuplicate   = "duplicate"
)

// PipeKey identifies the relay state between one room and one destination.
type PipeKey struct {
	RoomID      domain.RoomID
	Destination domain.Destination
}

func (k PipeKey) String() string {
	return string(k.RoomID) + "|" + string(k.Destination)
}

// PipeEntry is the relay transport towards one destination for one room and
// the producers already sent over it.
type PipeEntry struct {
	Key               PipeKey
	ShardID           domain.ShardID
	Transport         ports.PipeTransport
	RemoteTransportID domain.TransportID

	producers map[domain.ProducerID]ports.Consumer
}

func (e *PipeEntry) has(id domain.ProducerID) bool {
	_, ok := e.producers[id]
	return ok
}

// relayRef names a producer of a room with a relay call in flight.
type relayRef struct {
	roomID     domain.RoomID
	producerID domain.ProducerID
}

type ReplicatorConfig struct {
	SelfAddress          domain.Destination
	RemoteServers        []domain.Destination
	FailCacheTTL         time.Duration
	KeyFrameRequestDelay time.Duration
	// Now is the clock used by the fail-cache. Nil means time.Now.
	Now func() time.Time
}

// Replicator fans producers out to the other shards of a room and to
// federated servers.
type Replicator struct {
	cfg       ReplicatorConfig
	client    ports.RelayClient
	locker    ports.KeyedLocker
	failCache *cache.TTL[domain.Destination, time.Time]
	metrics   ports.Metrics
	logger    *zap.SugaredLogger

	mu      sync.RWMutex
	entries map[PipeKey]*PipeEntry

	// in-flight pipe-producer calls and producers removed during one
	inflight map[relayRef]int
	retired  map[relayRef]bool
}

func NewReplicator(
	cfg ReplicatorConfig,
	client ports.RelayClient,
	locker ports.KeyedLocker,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *Replicator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.FailCacheTTL <= 0 {
		cfg.FailCacheTTL = 60 * time.Second
	}
	if locker == nil {
		locker = NewDestinationLock()
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Replicator{
		cfg:       cfg,
		client:    client,
		locker:    locker,
		failCache: cache.NewTTL[domain.Destination, time.Time](cfg.FailCacheTTL, cache.WithClock(cfg.Now)),
		metrics:   metrics,
		logger:    logger,
		entries:   make(map[PipeKey]*PipeEntry),
		inflight:  make(map[relayRef]int),
		retired:   make(map[relayRef]bool),
	}
}

// Remotes returns the configured federated servers other than this one.
func (r *Replicator) Remotes() []domain.Destination {
	out := make([]domain.Destination, 0, len(r.cfg.RemoteServers))
	for _, dest := range r.cfg.RemoteServers {
		if dest == r.cfg.SelfAddress {
			continue
		}
		out = append(out, dest)
	}
	return out
}

// ReplicateLocal pipes producerID from source into every target shard that
// does not receive it yet. The first failure aborts the whole call.
func (r *Replicator) ReplicateLocal(ctx context.Context, source *Shard, targets []*Shard, producerID domain.ProducerID) error {
	sourceRouter := source.Router()
	if sourceRouter == nil {
		return fmt.Errorf("shard %d: %w", source.ID, domain.ErrRouterClosed)
	}

	for _, target := range targets {
		if target.ID == source.ID || target.Pipes().HasProducer(producerID) {
			continue
		}
		targetRouter := target.Router()
		if targetRouter == nil {
			return fmt.Errorf("pipe producer %s to shard %d: %w", producerID, target.ID, domain.ErrRouterClosed)
		}

		consumer, err := sourceRouter.PipeToRouter(ctx, producerID, targetRouter, r.cfg.KeyFrameRequestDelay)
		if err != nil {
			return fmt.Errorf("pipe producer %s from shard %d to shard %d: %w", producerID, source.ID, target.ID, err)
		}
		target.Pipes().AddConsumer(consumer)

		r.logger.Debugw("producer piped to shard",
			"room_id", source.RoomID,
			"producer_id", producerID,
			"from_shard", source.ID,
			"to_shard", target.ID,
		)
	}
	return nil
}

// ReplicateToFederation runs ReplicateRemote for every remote server at once.
// It returns the failures keyed by destination; one failing server never
// affects the others.
func (r *Replicator) ReplicateToFederation(ctx context.Context, source *Shard, info domain.ProducerInfo) map[domain.Destination]error {
	remotes := r.Remotes()
	if len(remotes) == 0 {
		return nil
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed = make(map[domain.Destination]error)
	)
	for _, dest := range remotes {
		dest := dest
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.ReplicateRemote(ctx, source, info, dest); err != nil {
				mu.Lock()
				failed[dest] = err
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(failed) == 0 {
		return nil
	}
	return failed
}

// ReplicateRemote relays a producer to one federated server. The relay
// transport towards a destination is negotiated once per room and reused for
// later producers.
func (r *Replicator) ReplicateRemote(ctx context.Context, source *Shard, info domain.ProducerInfo, dest domain.Destination) (err error) {
	ctx, span := tracing.TraceRelay(ctx, "replicate_remote", string(source.RoomID), string(dest), string(info.ProducerID))
	defer func() {
		tracing.RecordError(ctx, err)
		span.End()
	}()

	if r.blacklisted(dest) {
		r.metrics.RelayAttempt(dest, RelayResultBlacklisted)
		return fmt.Errorf("%s: %w", dest, domain.ErrDestinationBlacklisted)
	}

	key := PipeKey{RoomID: source.RoomID, Destination: dest}
	unlock, err := r.locker.Lock(ctx, key.String())
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", key, err)
	}
	defer unlock()

	// the previous holder may have just failed
	if r.blacklisted(dest) {
		r.metrics.RelayAttempt(dest, RelayResultBlacklisted)
		return fmt.Errorf("%s: %w", dest, domain.ErrDestinationBlacklisted)
	}

	entry := r.entry(key)
	if entry != nil && r.hasProducer(entry, info.ProducerID) {
		r.metrics.RelayAttempt(dest, RelayResultDuplicate)
		return nil
	}

	created := false
	if entry == nil {
		entry, err = r.handshake(ctx, key, source)
		if err != nil {
			return r.fail(key, nil, info.ProducerID, err)
		}
		created = true
	}

	tracing.AddSpanAttributes(ctx, attribute.Bool("pipe.created", created))

	if err := r.relay(ctx, entry, info); err != nil {
		if created {
			return r.fail(key, entry, info.ProducerID, err)
		}
		return r.fail(key, nil, info.ProducerID, err)
	}

	r.failCache.Delete(dest)
	r.metrics.RelayAttempt(dest, RelayResultSuccess)
	r.logger.Infow("producer relayed to remote server",
		"room_id", key.RoomID,
		"destination", dest,
		"producer_id", info.ProducerID,
		"pipe_created", created,
	)
	return nil
}

func (r *Replicator) handshake(ctx context.Context, key PipeKey, source *Shard) (*PipeEntry, error) {
	router := source.Router()
	if router == nil {
		return nil, domain.ErrRouterClosed
	}

	transport, err := router.CreatePipeTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create local pipe transport: %w", err)
	}
	entry := &PipeEntry{
		Key:       key,
		ShardID:   source.ID,
		Transport: transport,
		producers: make(map[domain.ProducerID]ports.Consumer),
	}

	remote, err := r.client.CreatePipe(ctx, key.Destination, domain.CreatePipeRequest{
		RoomID:  key.RoomID,
		ShardID: source.ID,
	})
	if err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("remote pipe create: %w", err)
	}
	entry.RemoteTransportID = remote.ID

	if err := transport.Connect(ctx, domain.Endpoint{IP: remote.IP, Port: remote.Port}); err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("local pipe connect: %w", err)
	}

	local := transport.LocalEndpoint()
	if err := r.client.ConnectPipe(ctx, key.Destination, domain.ConnectPipeRequest{
		TransportID: remote.ID,
		IP:          local.IP,
		Port:        local.Port,
	}); err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("remote pipe connect: %w", err)
	}

	r.mu.Lock()
	r.entries[key] = entry
	r.mu.Unlock()

	// a shard closing takes its relay transports with it
	transport.OnClose(func() {
		r.dropEntry(key, transport)
	})
	if !source.Pipes().AddTransport(transport) {
		return nil, fmt.Errorf("shard %d: %w", source.ID, domain.ErrRouterClosed)
	}
	return entry, nil
}

func (r *Replicator) relay(ctx context.Context, entry *PipeEntry, info domain.ProducerInfo) error {
	ref := relayRef{roomID: entry.Key.RoomID, producerID: info.ProducerID}
	r.mu.Lock()
	r.inflight[ref]++
	r.mu.Unlock()

	consumer, err := entry.Transport.Consume(ctx, info.ProducerID)
	if err != nil {
		r.mu.Lock()
		r.endRelayLocked(ref)
		r.mu.Unlock()
		return fmt.Errorf("local pipe consume: %w", err)
	}

	params, err := json.Marshal(consumer.RtpParameters())
	if err != nil {
		r.mu.Lock()
		r.endRelayLocked(ref)
		r.mu.Unlock()
		_ = consumer.Close()
		return fmt.Errorf("failed to encode rtp parameters: %w", err)
	}

	if err := r.client.PipeProducer(ctx, entry.Key.Destination, domain.PipeProducerRequest{
		RoomID:        entry.Key.RoomID,
		ShardID:       entry.ShardID,
		ProducerID:    info.ProducerID,
		TransportID:   entry.RemoteTransportID,
		Kind:          info.Kind,
		MediaType:     info.MediaType,
		UserID:        info.UserID,
		RtpParameters: params,
	}); err != nil {
		r.mu.Lock()
		r.endRelayLocked(ref)
		r.mu.Unlock()
		_ = consumer.Close()
		return fmt.Errorf("remote pipe producer: %w", err)
	}

	r.mu.Lock()
	retired := r.endRelayLocked(ref)
	if !retired {
		entry.producers[info.ProducerID] = consumer
	}
	r.mu.Unlock()

	if retired {
		_ = consumer.Close()
		r.logger.Infow("producer closed while being relayed",
			"room_id", ref.roomID,
			"destination", entry.Key.Destination,
			"producer_id", ref.producerID,
		)
	}
	return nil
}

// endRelayLocked finishes one in-flight relay of ref and reports whether the
// producer was removed meanwhile. r.mu must be held.
func (r *Replicator) endRelayLocked(ref relayRef) bool {
	retired := r.retired[ref]
	if n := r.inflight[ref] - 1; n > 0 {
		r.inflight[ref] = n
	} else {
		delete(r.inflight, ref)
		delete(r.retired, ref)
	}
	return retired
}

// fail records dest in the fail-cache and tears down a transport created by
// the failing call.
func (r *Replicator) fail(key PipeKey, created *PipeEntry, producerID domain.ProducerID, cause error) error {
	if created != nil {
		r.dropEntry(key, created.Transport)
		_ = created.Transport.Close()
	}
	r.failCache.Set(key.Destination, r.cfg.Now())
	r.metrics.RelayAttempt(key.Destination, RelayResultFailure)

	r.logger.Warnw("relay to remote server failed",
		"room_id", key.RoomID,
		"destination", key.Destination,
		"producer_id", producerID,
		"error", cause,
	)
	return fmt.Errorf("relay to %s: %w: %w", key.Destination, domain.ErrRelayHandshakeFailed, cause)
}

func (r *Replicator) blacklisted(dest domain.Destination) bool {
	_, ok := r.failCache.Get(dest)
	return ok
}

// Blacklisted reports whether dest is in the fail-cache.
func (r *Replicator) Blacklisted(dest domain.Destination) bool {
	return r.blacklisted(dest)
}

// StartJanitor drops expired fail-cache entries every interval until ctx
// ends. Lookups already ignore expired entries; this only bounds memory.
func (r *Replicator) StartJanitor(ctx context.Context, interval time.Duration) {
	r.failCache.StartJanitor(ctx, interval)
}

func (r *Replicator) entry(key PipeKey) *PipeEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[key]
}

func (r *Replicator) hasProducer(entry *PipeEntry, id domain.ProducerID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return entry.has(id)
}

func (r *Replicator) dropEntry(key PipeKey, transport ports.PipeTransport) {
	r.mu.Lock()
	entry, ok := r.entries[key]
	if ok && entry.Transport == transport {
		delete(r.entries, key)
	} else {
		entry = nil
	}
	r.mu.Unlock()

	if entry == nil {
		return
	}
	for _, c := range entry.producers {
		_ = c.Close()
	}
}

// RemoveProducer forgets producerID for every destination of the room and
// stops sending it.
func (r *Replicator) RemoveProducer(roomID domain.RoomID, producerID domain.ProducerID) {
	var doomed []ports.Consumer

	r.mu.Lock()
	ref := relayRef{roomID: roomID, producerID: producerID}
	if r.inflight[ref] > 0 {
		r.retired[ref] = true
	}
	for key, entry := range r.entries {
		if key.RoomID != roomID {
			continue
		}
		if c, ok := entry.producers[producerID]; ok {
			doomed = append(doomed, c)
			delete(entry.producers, producerID)
		}
	}
	r.mu.Unlock()

	for _, c := range doomed {
		_ = c.Close()
	}
}

// CloseRoom closes every relay transport of the room and asks each remote to
// close its side. Remote errors are only logged.
func (r *Replicator) CloseRoom(ctx context.Context, roomID domain.RoomID) {
	var entries []*PipeEntry

	r.mu.Lock()
	for key, entry := range r.entries {
		if key.RoomID == roomID {
			entries = append(entries, entry)
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()

	for _, entry := range entries {
		for _, c := range entry.producers {
			_ = c.Close()
		}
		_ = entry.Transport.Close()

		if err := r.client.CloseRoom(ctx, entry.Key.Destination, domain.CloseRoomRequest{RoomID: roomID}); err != nil {
			r.logger.Warnw("failed to close remote pipes",
				"room_id", roomID,
				"destination", entry.Key.Destination,
				"error", err,
			)
		}
	}
}

// Dump lists the relay state of a room ordered by destination.
func (r *Replicator) Dump(roomID domain.RoomID) []domain.PipeSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.PipeSummary, 0)
	for key, entry := range r.entries {
		if key.RoomID != roomID {
			continue
		}
		producers := make([]domain.ProducerID, 0, len(entry.producers))
		for id := range entry.producers {
			producers = append(producers, id)
		}
		sort.Slice(producers, func(i, j int) bool { return producers[i] < producers[j] })

		out = append(out, domain.PipeSummary{
			Destination: key.Destination,
			ShardID:     entry.ShardID,
			TransportID: entry.Transport.ID(),
			Producers:   producers,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}
