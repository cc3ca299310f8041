package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"

	"go.uber.org/zap"
)

// Shard is a capacity-bounded partition of a room bound to one worker and
// one router.
type Shard struct {
	ID     domain.ShardID
	RoomID domain.RoomID

	worker          ports.Worker
	codecs          []domain.Codec
	maxParticipants int
	broadcaster     ports.Broadcaster
	logger          *zap.SugaredLogger

	// onProducerGone is set by the owning room.
	onProducerGone func(shardID domain.ShardID, producerID domain.ProducerID)

	mu           sync.RWMutex
	router       ports.Router
	participants map[domain.ParticipantID]*Participant
	closed       bool

	pipes PipeResourceTracker
}

func NewShard(
	id domain.ShardID,
	roomID domain.RoomID,
	worker ports.Worker,
	codecs []domain.Codec,
	maxParticipants int,
	broadcaster ports.Broadcaster,
	logger *zap.SugaredLogger,
) *Shard {
	return &Shard{
		ID:              id,
		RoomID:          roomID,
		worker:          worker,
		codecs:          codecs,
		maxParticipants: maxParticipants,
		broadcaster:     broadcaster,
		logger:          logger.With("room_id", roomID, "shard_id", id),
		participants:    make(map[domain.ParticipantID]*Participant),
	}
}

// Init creates the shard's router. It must succeed before participants are
// added.
func (s *Shard) Init(ctx context.Context) error {
	router, err := s.worker.CreateRouter(ctx, s.codecs)
	if err != nil {
		return fmt.Errorf("failed to create router on worker %s: %w", s.worker.ID(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = router.Close()
		return domain.ErrRouterClosed
	}
	s.router = router
	return nil
}

func (s *Shard) Worker() ports.Worker {
	return s.worker
}

func (s *Shard) Router() ports.Router {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.router
}

func (s *Shard) Pipes() *PipeResourceTracker {
	return &s.pipes
}

func (s *Shard) MaxParticipants() int {
	return s.maxParticipants
}

func (s *Shard) RouterCapabilities() domain.RtpCapabilities {
	router := s.Router()
	if router == nil {
		return domain.RtpCapabilities{}
	}
	return router.RtpCapabilities()
}

// AddParticipant admits p while the shard is below its participant cap.
func (s *Shard) AddParticipant(p *Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.router == nil {
		return domain.ErrRouterClosed
	}
	if _, exists := s.participants[p.ID]; exists {
		return nil
	}
	if len(s.participants) >= s.maxParticipants {
		return fmt.Errorf("shard %d is full: %w", s.ID, domain.ErrAdmissionRejected)
	}
	s.participants[p.ID] = p
	return nil
}

func (s *Shard) Participant(id domain.ParticipantID) (*Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return nil, fmt.Errorf("participant %s: %w", id, domain.ErrParticipantNotFound)
	}
	return p, nil
}

func (s *Shard) HasParticipant(id domain.ParticipantID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.participants[id]
	return ok
}

func (s *Shard) ParticipantCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.participants)
}

// Participants returns the participants ordered by id.
func (s *Shard) Participants() []*Participant {
	s.mu.RLock()
	out := make([]*Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateWebRtcTransport creates a participant-facing transport on the router
// and attaches it to the participant.
func (s *Shard) CreateWebRtcTransport(ctx context.Context, participantID domain.ParticipantID) (ports.Transport, error) {
	p, err := s.Participant(participantID)
	if err != nil {
		return nil, err
	}
	router := s.Router()
	if router == nil {
		return nil, domain.ErrRouterClosed
	}

	transport, err := router.CreateWebRtcTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create webrtc transport: %w", err)
	}
	transport.OnStateChange(func(state string) {
		if state == "closed" || state == "failed" {
			s.logger.Infow("transport state changed",
				"participant_id", participantID,
				"transport_id", transport.ID(),
				"state", state,
			)
			_ = transport.Close()
		}
	})
	if err := p.AddTransport(transport); err != nil {
		return nil, err
	}
	return transport, nil
}

func (s *Shard) ConnectTransport(ctx context.Context, participantID domain.ParticipantID, transportID domain.TransportID, params json.RawMessage) (json.RawMessage, error) {
	p, err := s.Participant(participantID)
	if err != nil {
		return nil, err
	}
	return p.ConnectTransport(ctx, transportID, params)
}

func (s *Shard) Produce(
	ctx context.Context,
	participantID domain.ParticipantID,
	transportID domain.TransportID,
	kind domain.MediaKind,
	mediaType domain.MediaType,
	rtpParameters json.RawMessage,
) (ports.Producer, error) {
	p, err := s.Participant(participantID)
	if err != nil {
		return nil, err
	}
	return p.Produce(ctx, transportID, kind, mediaType, rtpParameters, func(producerID domain.ProducerID) {
		s.logger.Infow("producer transport closed",
			"participant_id", participantID,
			"producer_id", producerID,
		)
		if s.onProducerGone != nil {
			s.onProducerGone(s.ID, producerID)
		}
	})
}

// Consume subscribes a participant to a producer available on the router,
// local or relayed. The participant is told when the producer goes away.
func (s *Shard) Consume(
	ctx context.Context,
	participantID domain.ParticipantID,
	transportID domain.TransportID,
	producerID domain.ProducerID,
	caps domain.RtpCapabilities,
) (ports.Consumer, error) {
	p, err := s.Participant(participantID)
	if err != nil {
		return nil, err
	}
	router := s.Router()
	if router == nil {
		return nil, domain.ErrRouterClosed
	}
	if !router.CanConsume(producerID, caps) {
		return nil, fmt.Errorf("producer %s: %w", producerID, domain.ErrCannotConsume)
	}

	return p.Consume(ctx, transportID, producerID, caps, func(consumerID domain.ConsumerID) {
		s.logger.Infow("consumer closed by producer",
			"participant_id", participantID,
			"consumer_id", consumerID,
			"producer_id", producerID,
		)
		if s.broadcaster != nil {
			s.broadcaster.Send(s.RoomID, participantID, domain.EventConsumerClosed, map[string]any{
				"consumerId": consumerID,
				"producerId": producerID,
			})
		}
	})
}

func (s *Shard) CloseProducer(participantID domain.ParticipantID, producerID domain.ProducerID) (domain.MediaType, error) {
	p, err := s.Participant(participantID)
	if err != nil {
		return "", err
	}
	return p.CloseProducer(producerID)
}

// RemoveParticipant closes and removes a participant.
func (s *Shard) RemoveParticipant(id domain.ParticipantID) (*Participant, bool) {
	s.mu.Lock()
	p, ok := s.participants[id]
	delete(s.participants, id)
	s.mu.Unlock()

	if !ok {
		return nil, false
	}
	p.Close()
	return p, true
}

// Broadcast sends an event to every participant of the shard except one.
func (s *Shard) Broadcast(except domain.ParticipantID, event string, data any) {
	if s.broadcaster == nil {
		return
	}
	for _, p := range s.Participants() {
		if p.ID == except {
			continue
		}
		s.broadcaster.Send(s.RoomID, p.ID, event, data)
	}
}

// Close shuts the router, every participant and the shard's relay resources.
func (s *Shard) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	router := s.router
	participants := s.participants
	s.participants = make(map[domain.ParticipantID]*Participant)
	s.mu.Unlock()

	if router != nil {
		if err := router.Close(); err != nil {
			s.logger.Warnw("failed to close router", "error", err)
		}
	}
	for _, p := range participants {
		p.Close()
	}
	s.pipes.CloseAll()
	s.logger.Infow("shard closed")
}

func (s *Shard) Summary() domain.ShardSummary {
	return domain.ShardSummary{
		ID:         s.ID,
		WorkerID:   s.worker.ID(),
		TotalPeers: s.ParticipantCount(),
		Piped:      s.pipes.ProducerIDs(),
	}
}
