package media

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"
	"mediarelay/pkg/optimize"

	"github.com/pion/rtp"
)

var (
	packetBuffers = optimize.NewBytePool(optimize.RTPBufferSize)

	// producers deliver synchronously, so a packet is free again once write returns
	inboundPackets = optimize.NewPool(
		func() *rtp.Packet { return &rtp.Packet{} },
		func(pkt *rtp.Packet) *rtp.Packet {
			*pkt = rtp.Packet{}
			return pkt
		},
	)
)

// PipeTransport carries plain RTP over UDP between routers of different
// servers. Incoming packets are demultiplexed by SSRC.
type PipeTransport struct {
	id     domain.TransportID
	router *Router
	conn   *net.UDPConn
	local  domain.Endpoint
	closer once

	mu        sync.RWMutex
	closed    bool
	remote    *net.UDPAddr
	inbound   map[uint32]*Producer
	producers map[domain.ProducerID]*Producer
	consumers map[domain.ConsumerID]*Consumer
}

func newPipeTransport(r *Router) (*PipeTransport, error) {
	cfg := r.worker.cfg
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(cfg.listen())})
	if err != nil {
		return nil, fmt.Errorf("failed to open pipe socket: %w", err)
	}

	t := &PipeTransport{
		id:        domain.NewTransportID(),
		router:    r,
		conn:      conn,
		local:     domain.Endpoint{IP: cfg.announced(), Port: conn.LocalAddr().(*net.UDPAddr).Port},
		inbound:   make(map[uint32]*Producer),
		producers: make(map[domain.ProducerID]*Producer),
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
	r.worker.run("pipe reader", t.readLoop)
	return t, nil
}

func (t *PipeTransport) ID() domain.TransportID {
	return t.id
}

func (t *PipeTransport) LocalEndpoint() domain.Endpoint {
	return t.local
}

func (t *PipeTransport) Connect(ctx context.Context, remote domain.Endpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(remote.IP, strconv.Itoa(remote.Port)))
	if err != nil {
		return fmt.Errorf("invalid pipe endpoint %s:%d: %w", remote.IP, remote.Port, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return fmt.Errorf("transport %s: %w", t.id, domain.ErrTransportNotFound)
	}
	t.remote = addr
	return nil
}

// Consume sends a local producer to the remote side under a fresh SSRC.
func (t *PipeTransport) Consume(ctx context.Context, producerID domain.ProducerID) (ports.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	source, ok := t.router.producer(producerID)
	if !ok {
		return nil, fmt.Errorf("producer %s: %w", producerID, domain.ErrProducerNotFound)
	}

	params := source.RtpParameters()
	params.SSRC = rand.Uint32()
	params.Raw = nil
	ssrc, pt := params.SSRC, params.PayloadType

	c := newConsumer(source, params, func(pkt *rtp.Packet) error {
		out := *pkt
		out.Header.SSRC = ssrc
		if pt != 0 {
			out.Header.PayloadType = pt
		}
		return t.send(&out)
	})
	c.cleanup = func() {
		t.mu.Lock()
		delete(t.consumers, c.id)
		t.mu.Unlock()
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, fmt.Errorf("transport %s: %w", t.id, domain.ErrTransportNotFound)
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	if !source.subscribe(c) {
		_ = c.Close()
		return nil, fmt.Errorf("producer %s: %w", producerID, domain.ErrProducerNotFound)
	}
	source.RequestKeyFrame()
	return c, nil
}

func (t *PipeTransport) send(pkt *rtp.Packet) error {
	t.mu.RLock()
	remote := t.remote
	t.mu.RUnlock()
	if remote == nil {
		return nil
	}
	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}
	start := time.Now()
	_, err = t.conn.WriteToUDP(raw, remote)
	t.router.worker.accountSystem(start)
	return err
}

// Produce registers a stream arriving from the remote side. Packets are
// matched on params.SSRC.
func (t *PipeTransport) Produce(ctx context.Context, producerID domain.ProducerID, kind domain.MediaKind, params domain.RtpParameters) (ports.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid media kind %q", kind)
	}
	if params.Codec.Kind == "" {
		params.Codec.Kind = kind
	}

	p := newProducer(producerID, kind, params, t.router)
	if err := t.router.addProducer(p); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = p.Close()
		return nil, fmt.Errorf("transport %s: %w", t.id, domain.ErrTransportNotFound)
	}
	t.producers[producerID] = p
	if params.SSRC != 0 {
		t.inbound[params.SSRC] = p
	}
	t.mu.Unlock()

	p.OnClose(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.producers, producerID)
		if t.inbound[params.SSRC] == p {
			delete(t.inbound, params.SSRC)
		}
	})
	return p, nil
}

func (t *PipeTransport) readLoop() {
	for {
		buf := packetBuffers.Get()
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			packetBuffers.Put(buf)
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		pkt := inboundPackets.Get()
		if err := pkt.Unmarshal(buf[:n]); err == nil {
			t.mu.RLock()
			p := t.inbound[pkt.SSRC]
			t.mu.RUnlock()
			if p != nil {
				p.write(pkt)
			}
		}
		inboundPackets.Put(pkt)
		packetBuffers.Put(buf)
	}
}

func (t *PipeTransport) OnClose(fn func()) {
	t.closer.add(fn)
}

func (t *PipeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	producers := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		producers = append(producers, p)
	}
	consumers := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	for _, p := range producers {
		_ = p.Close()
	}
	err := t.conn.Close()
	t.router.removeTransport(t.id)
	t.closer.fire()
	return err
}

func (t *PipeTransport) Closed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}
