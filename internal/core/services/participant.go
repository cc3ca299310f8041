package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"
)

type participantProducer struct {
	producer  ports.Producer
	mediaType domain.MediaType
}

// Participant is one signaling connection inside a shard.
type Participant struct {
	ID     domain.ParticipantID
	UserID domain.UserID
	Extra  domain.ParticipantExtra

	mu         sync.Mutex
	transports map[domain.TransportID]ports.Transport
	producers  map[domain.ProducerID]participantProducer
	consumers  map[domain.ConsumerID]ports.Consumer
	closing    bool
}

func NewParticipant(id domain.ParticipantID, userID domain.UserID, extra domain.ParticipantExtra) *Participant {
	return &Participant{
		ID:         id,
		UserID:     userID,
		Extra:      extra,
		transports: make(map[domain.TransportID]ports.Transport),
		producers:  make(map[domain.ProducerID]participantProducer),
		consumers:  make(map[domain.ConsumerID]ports.Consumer),
	}
}

func (p *Participant) Summary(shardID domain.ShardID) domain.ParticipantSummary {
	return domain.ParticipantSummary{
		ParticipantID: p.ID,
		UserID:        p.UserID,
		ShardID:       shardID,
		Extra:         p.Extra,
	}
}

func (p *Participant) AddTransport(t ports.Transport) error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		_ = t.Close()
		return domain.ErrParticipantClosing
	}
	p.transports[t.ID()] = t
	p.mu.Unlock()

	t.OnClose(func() {
		p.mu.Lock()
		delete(p.transports, t.ID())
		p.mu.Unlock()
	})
	return nil
}

func (p *Participant) Transport(id domain.TransportID) (ports.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return nil, domain.ErrParticipantClosing
	}
	t, ok := p.transports[id]
	if !ok {
		return nil, fmt.Errorf("transport %s: %w", id, domain.ErrTransportNotFound)
	}
	return t, nil
}

func (p *Participant) ConnectTransport(ctx context.Context, id domain.TransportID, params json.RawMessage) (json.RawMessage, error) {
	t, err := p.Transport(id)
	if err != nil {
		return nil, err
	}
	resp, err := t.Connect(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to connect transport %s: %w", id, err)
	}
	return resp, nil
}

// Produce publishes a stream on one of the participant's transports. onGone
// runs if the producer closes underneath, e.g. because its transport closed.
func (p *Participant) Produce(
	ctx context.Context,
	transportID domain.TransportID,
	kind domain.MediaKind,
	mediaType domain.MediaType,
	rtpParameters json.RawMessage,
	onGone func(domain.ProducerID),
) (ports.Producer, error) {
	t, err := p.Transport(transportID)
	if err != nil {
		return nil, err
	}

	producer, err := t.Produce(ctx, kind, rtpParameters)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		_ = producer.Close()
		return nil, domain.ErrParticipantClosing
	}
	p.producers[producer.ID()] = participantProducer{producer: producer, mediaType: mediaType}
	p.mu.Unlock()

	producer.OnClose(func() {
		p.mu.Lock()
		_, tracked := p.producers[producer.ID()]
		delete(p.producers, producer.ID())
		p.mu.Unlock()
		if tracked && onGone != nil {
			onGone(producer.ID())
		}
	})
	return producer, nil
}

// Consume subscribes the participant to producerID. onProducerClose runs once
// the consumer was dropped because its producer went away.
func (p *Participant) Consume(
	ctx context.Context,
	transportID domain.TransportID,
	producerID domain.ProducerID,
	caps domain.RtpCapabilities,
	onProducerClose func(domain.ConsumerID),
) (ports.Consumer, error) {
	t, err := p.Transport(transportID)
	if err != nil {
		return nil, err
	}

	consumer, err := t.Consume(ctx, producerID, caps)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		_ = consumer.Close()
		return nil, domain.ErrParticipantClosing
	}
	p.consumers[consumer.ID()] = consumer
	p.mu.Unlock()

	consumer.OnProducerClose(func() {
		if p.RemoveConsumer(consumer.ID()) && onProducerClose != nil {
			onProducerClose(consumer.ID())
		}
	})
	return consumer, nil
}

// RemoveConsumer closes and forgets a consumer. It reports whether the
// consumer was still tracked.
func (p *Participant) RemoveConsumer(id domain.ConsumerID) bool {
	p.mu.Lock()
	c, ok := p.consumers[id]
	delete(p.consumers, id)
	p.mu.Unlock()
	if ok {
		_ = c.Close()
	}
	return ok
}

// CloseProducer closes one of the participant's producers.
func (p *Participant) CloseProducer(id domain.ProducerID) (domain.MediaType, error) {
	p.mu.Lock()
	entry, ok := p.producers[id]
	delete(p.producers, id)
	p.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("producer %s: %w", id, domain.ErrProducerNotFound)
	}
	_ = entry.producer.Close()
	return entry.mediaType, nil
}

func (p *Participant) Producer(id domain.ProducerID) (ports.Producer, domain.MediaType, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.producers[id]
	return entry.producer, entry.mediaType, ok
}

func (p *Participant) ProducerIDs() []domain.ProducerID {
	p.mu.Lock()
	ids := make([]domain.ProducerID, 0, len(p.producers))
	for id := range p.producers {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (p *Participant) ConsumerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.consumers)
}

func (p *Participant) Closing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closing
}

// Close releases every transport, producer and consumer. Only the first call
// does anything; it reports whether this call performed the release.
func (p *Participant) Close() bool {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return false
	}
	p.closing = true
	consumers := p.consumers
	producers := p.producers
	transports := p.transports
	p.consumers = make(map[domain.ConsumerID]ports.Consumer)
	p.producers = make(map[domain.ProducerID]participantProducer)
	p.transports = make(map[domain.TransportID]ports.Transport)
	p.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, entry := range producers {
		_ = entry.producer.Close()
	}
	for _, t := range transports {
		_ = t.Close()
	}
	return true
}
