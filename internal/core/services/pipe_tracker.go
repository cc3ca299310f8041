package services

import (
	"sort"
	"sync"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"
)

// PipeResourceTracker keeps the relay transports, relay consumers and
// relayed-in producers created on behalf of a room or a shard so they can be
// torn down together. The zero value is ready to use.
type PipeResourceTracker struct {
	mu         sync.Mutex
	transports map[domain.TransportID]ports.PipeTransport
	consumers  map[domain.ConsumerID]ports.Consumer
	producers  map[domain.ProducerID]ports.Producer
	closed     bool
}

func (t *PipeResourceTracker) init() {
	if t.transports == nil {
		t.transports = make(map[domain.TransportID]ports.PipeTransport)
		t.consumers = make(map[domain.ConsumerID]ports.Consumer)
		t.producers = make(map[domain.ProducerID]ports.Producer)
	}
}

// AddTransport tracks a relay transport. It returns false, and closes the
// transport, when the tracker was already closed.
func (t *PipeResourceTracker) AddTransport(tr ports.PipeTransport) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = tr.Close()
		return false
	}
	t.init()
	t.transports[tr.ID()] = tr
	t.mu.Unlock()
	return true
}

func (t *PipeResourceTracker) Transport(id domain.TransportID) (ports.PipeTransport, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr, ok := t.transports[id]
	return tr, ok
}

// RemoveTransport stops tracking a transport without closing it.
func (t *PipeResourceTracker) RemoveTransport(id domain.TransportID) {
	t.mu.Lock()
	delete(t.transports, id)
	t.mu.Unlock()
}

func (t *PipeResourceTracker) CloseTransport(id domain.TransportID) {
	t.mu.Lock()
	tr, ok := t.transports[id]
	delete(t.transports, id)
	t.mu.Unlock()
	if ok {
		_ = tr.Close()
	}
}

// AddConsumer tracks a consumer receiving a relayed producer.
func (t *PipeResourceTracker) AddConsumer(c ports.Consumer) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = c.Close()
		return false
	}
	t.init()
	t.consumers[c.ID()] = c
	t.mu.Unlock()
	return true
}

func (t *PipeResourceTracker) RemoveConsumer(id domain.ConsumerID) {
	t.mu.Lock()
	delete(t.consumers, id)
	t.mu.Unlock()
}

// HasProducer reports whether a relay consumer for producerID is tracked.
func (t *PipeResourceTracker) HasProducer(producerID domain.ProducerID) bool {
	return t.ConsumerCount(producerID) > 0
}

func (t *PipeResourceTracker) ConsumerCount(producerID domain.ProducerID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.consumers {
		if c.ProducerID() == producerID {
			n++
		}
	}
	return n
}

// CloseConsumers closes every tracked consumer of producerID and returns how
// many were closed.
func (t *PipeResourceTracker) CloseConsumers(producerID domain.ProducerID) int {
	t.mu.Lock()
	var doomed []ports.Consumer
	for id, c := range t.consumers {
		if c.ProducerID() == producerID {
			doomed = append(doomed, c)
			delete(t.consumers, id)
		}
	}
	t.mu.Unlock()

	for _, c := range doomed {
		_ = c.Close()
	}
	return len(doomed)
}

// AddProducer tracks a producer created from a relayed stream.
func (t *PipeResourceTracker) AddProducer(p ports.Producer) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = p.Close()
		return false
	}
	t.init()
	t.producers[p.ID()] = p
	t.mu.Unlock()
	return true
}

func (t *PipeResourceTracker) Producer(id domain.ProducerID) (ports.Producer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.producers[id]
	return p, ok
}

func (t *PipeResourceTracker) CloseProducer(id domain.ProducerID) bool {
	t.mu.Lock()
	p, ok := t.producers[id]
	delete(t.producers, id)
	t.mu.Unlock()
	if ok {
		_ = p.Close()
	}
	return ok
}

// ProducerIDs lists tracked consumer and producer ids, sorted.
func (t *PipeResourceTracker) ProducerIDs() []domain.ProducerID {
	t.mu.Lock()
	seen := make(map[domain.ProducerID]struct{}, len(t.consumers)+len(t.producers))
	for _, c := range t.consumers {
		seen[c.ProducerID()] = struct{}{}
	}
	for id := range t.producers {
		seen[id] = struct{}{}
	}
	t.mu.Unlock()

	ids := make([]domain.ProducerID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CloseAll closes everything tracked and rejects later additions.
func (t *PipeResourceTracker) CloseAll() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	consumers := t.consumers
	producers := t.producers
	transports := t.transports
	t.consumers, t.producers, t.transports = nil, nil, nil
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	for _, tr := range transports {
		_ = tr.Close()
	}
}
