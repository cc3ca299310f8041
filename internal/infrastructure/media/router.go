package media

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// Router groups the transports and producers of one shard on a worker.
type Router struct {
	id     domain.RouterID
	worker *Worker
	api    *webrtc.API
	codecs []domain.Codec

	mu         sync.RWMutex
	producers  map[domain.ProducerID]*Producer
	transports map[domain.TransportID]closer
	closed     bool
}

type closer interface {
	Close() error
}

func newRouter(w *Worker, api *webrtc.API, codecs []domain.Codec) *Router {
	return &Router{
		id:         domain.NewRouterID(),
		worker:     w,
		api:        api,
		codecs:     codecs,
		producers:  make(map[domain.ProducerID]*Producer),
		transports: make(map[domain.TransportID]closer),
	}
}

func (r *Router) ID() domain.RouterID {
	return r.id
}

func (r *Router) RtpCapabilities() domain.RtpCapabilities {
	codecs := make([]domain.Codec, len(r.codecs))
	copy(codecs, r.codecs)
	return domain.RtpCapabilities{Codecs: codecs}
}

func (r *Router) CreateWebRtcTransport(ctx context.Context) (ports.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.Closed() {
		return nil, domain.ErrRouterClosed
	}
	t, err := newWebRtcTransport(r)
	if err != nil {
		return nil, err
	}
	if !r.addTransport(t.id, t) {
		_ = t.Close()
		return nil, domain.ErrRouterClosed
	}
	return t, nil
}

func (r *Router) CreatePipeTransport(ctx context.Context) (ports.PipeTransport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.Closed() {
		return nil, domain.ErrRouterClosed
	}
	t, err := newPipeTransport(r)
	if err != nil {
		return nil, err
	}
	if !r.addTransport(t.id, t) {
		_ = t.Close()
		return nil, domain.ErrRouterClosed
	}
	return t, nil
}

// PipeToRouter mirrors a producer into another router of this process. The
// mirror keeps the producer id; closing either side closes the pair.
func (r *Router) PipeToRouter(ctx context.Context, producerID domain.ProducerID, target ports.Router, keyFrameDelay time.Duration) (ports.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	source, ok := r.producer(producerID)
	if !ok {
		return nil, fmt.Errorf("producer %s: %w", producerID, domain.ErrProducerNotFound)
	}
	dst, ok := target.(*Router)
	if !ok {
		return nil, fmt.Errorf("cannot pipe into router of type %T", target)
	}
	if dst == r {
		return nil, fmt.Errorf("producer %s is already in router %s", producerID, r.id)
	}

	mirror := newProducer(producerID, source.kind, source.RtpParameters(), dst)
	mirror.setKeyFrameRequester(source.RequestKeyFrame)
	if err := dst.addProducer(mirror); err != nil {
		return nil, err
	}

	consumer := newConsumer(source, source.RtpParameters(), func(pkt *rtp.Packet) error {
		mirror.write(pkt)
		return nil
	})
	consumer.cleanup = func() { _ = mirror.Close() }
	mirror.OnClose(func() { _ = consumer.Close() })
	if !source.subscribe(consumer) {
		_ = mirror.Close()
		return nil, fmt.Errorf("producer %s: %w", producerID, domain.ErrProducerNotFound)
	}

	if keyFrameDelay > 0 {
		time.AfterFunc(keyFrameDelay, source.RequestKeyFrame)
	} else {
		source.RequestKeyFrame()
	}
	return consumer, nil
}

func (r *Router) CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool {
	p, ok := r.producer(producerID)
	if !ok {
		return false
	}
	mime := p.RtpParameters().Codec.MimeType
	if mime != "" {
		return caps.Supports(mime)
	}
	for _, c := range caps.Codecs {
		if c.Kind == p.kind && r.supports(c.MimeType) {
			return true
		}
	}
	return false
}

func (r *Router) supports(mime string) bool {
	for _, c := range r.codecs {
		if strings.EqualFold(c.MimeType, mime) {
			return true
		}
	}
	return false
}

func (r *Router) HasProducer(producerID domain.ProducerID) bool {
	_, ok := r.producer(producerID)
	return ok
}

func (r *Router) producer(id domain.ProducerID) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) addProducer(p *Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.ErrRouterClosed
	}
	if _, exists := r.producers[p.id]; exists {
		return fmt.Errorf("producer %s already exists in router %s", p.id, r.id)
	}
	r.producers[p.id] = p
	return nil
}

func (r *Router) removeProducer(id domain.ProducerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.producers, id)
}

func (r *Router) addTransport(id domain.TransportID, t closer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.transports[id] = t
	return true
}

func (r *Router) removeTransport(id domain.TransportID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

func (r *Router) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Close closes every transport and producer of the router.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := r.transports
	producers := r.producers
	r.transports = make(map[domain.TransportID]closer)
	r.producers = make(map[domain.ProducerID]*Producer)
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	r.worker.removeRouter(r.id)
	return nil
}
