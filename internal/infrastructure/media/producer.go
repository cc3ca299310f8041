package media

import (
	"encoding/json"
	"sync"
	"time"

	"mediarelay/internal/core/domain"

	"github.com/pion/rtp"
)

// once runs close callbacks exactly one time.
type once struct {
	mu     sync.Mutex
	done   bool
	onDone []func()
}

func (o *once) add(fn func()) {
	o.mu.Lock()
	if !o.done {
		o.onDone = append(o.onDone, fn)
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	fn()
}

// fire reports false when it already ran.
func (o *once) fire() bool {
	o.mu.Lock()
	if o.done {
		o.mu.Unlock()
		return false
	}
	o.done = true
	callbacks := o.onDone
	o.onDone = nil
	o.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	return true
}

func (o *once) fired() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// Producer fans one incoming RTP stream out to its consumers.
type Producer struct {
	id       domain.ProducerID
	kind     domain.MediaKind
	router   *Router
	keyFrame func()
	closer   once

	mu        sync.RWMutex
	params    domain.RtpParameters
	consumers map[domain.ConsumerID]*Consumer
}

func newProducer(id domain.ProducerID, kind domain.MediaKind, params domain.RtpParameters, router *Router) *Producer {
	return &Producer{
		id:        id,
		kind:      kind,
		params:    params,
		router:    router,
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
}

func (p *Producer) ID() domain.ProducerID  { return p.id }
func (p *Producer) Kind() domain.MediaKind { return p.kind }
func (p *Producer) OnClose(fn func())      { p.closer.add(fn) }

func (p *Producer) RtpParameters() domain.RtpParameters {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.params
}

func (p *Producer) setParams(params domain.RtpParameters) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.params = params
}

func (p *Producer) setKeyFrameRequester(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keyFrame = fn
}

// RequestKeyFrame asks the origin of the stream for a key frame.
func (p *Producer) RequestKeyFrame() {
	p.mu.RLock()
	fn := p.keyFrame
	p.mu.RUnlock()
	if fn != nil {
		fn()
	}
}

func (p *Producer) subscribe(c *Consumer) bool {
	if p.closer.fired() {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers[c.id] = c
	return true
}

func (p *Producer) unsubscribe(id domain.ConsumerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

// write forwards one packet to every consumer. Consumers must not modify it.
func (p *Producer) write(pkt *rtp.Packet) {
	start := time.Now()
	p.mu.RLock()
	for _, c := range p.consumers {
		c.write(pkt)
	}
	p.mu.RUnlock()
	if p.router != nil {
		p.router.worker.accountUser(start)
	}
}

func (p *Producer) ConsumerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.consumers)
}

// Close stops the stream and tells every consumer the producer is gone.
func (p *Producer) Close() error {
	if !p.closer.fire() {
		return nil
	}
	p.mu.Lock()
	consumers := p.consumers
	p.consumers = make(map[domain.ConsumerID]*Consumer)
	p.mu.Unlock()

	if p.router != nil {
		p.router.removeProducer(p.id)
	}
	for _, c := range consumers {
		c.producerClosed()
	}
	return nil
}

func (p *Producer) Closed() bool {
	return p.closer.fired()
}

// Consumer is one subscription to a producer. sink receives every packet.
type Consumer struct {
	id       domain.ConsumerID
	producer *Producer
	params   domain.RtpParameters
	sink     func(pkt *rtp.Packet) error
	cleanup  func()
	extra    map[string]any
	closer   once

	mu              sync.Mutex
	onProducerClose []func()
}

func newConsumer(producer *Producer, params domain.RtpParameters, sink func(*rtp.Packet) error) *Consumer {
	return &Consumer{
		id:       domain.NewConsumerID(),
		producer: producer,
		params:   params,
		sink:     sink,
	}
}

func (c *Consumer) ID() domain.ConsumerID               { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID       { return c.producer.id }
func (c *Consumer) Kind() domain.MediaKind              { return c.producer.kind }
func (c *Consumer) RtpParameters() domain.RtpParameters { return c.params }

func (c *Consumer) Params() json.RawMessage {
	body := map[string]any{
		"id":            c.id,
		"producerId":    c.producer.id,
		"kind":          c.producer.kind,
		"rtpParameters": c.params,
	}
	for k, v := range c.extra {
		body[k] = v
	}
	raw, _ := json.Marshal(body)
	return raw
}

func (c *Consumer) OnProducerClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onProducerClose = append(c.onProducerClose, fn)
}

func (c *Consumer) write(pkt *rtp.Packet) {
	if c.closer.fired() {
		return
	}
	_ = c.sink(pkt)
}

func (c *Consumer) producerClosed() {
	c.mu.Lock()
	callbacks := c.onProducerClose
	c.onProducerClose = nil
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
	_ = c.Close()
}

func (c *Consumer) Close() error {
	if !c.closer.fire() {
		return nil
	}
	c.producer.unsubscribe(c.id)
	if c.cleanup != nil {
		c.cleanup()
	}
	return nil
}

func (c *Consumer) Closed() bool {
	return c.closer.fired()
}
