package media

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

type connectRequest struct {
	SDP *webrtc.SessionDescription `json:"sdp"`
}

type connectResponse struct {
	SDP *webrtc.SessionDescription `json:"sdp,omitempty"`
}

type remoteTrack struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
}

// WebRtcTransport is one participant peer connection. Producers created
// before their track arrives are bound to the next incoming track of the
// same kind.
type WebRtcTransport struct {
	id     domain.TransportID
	router *Router
	pc     *webrtc.PeerConnection
	closer once

	mu        sync.Mutex
	closed    bool
	pending   map[domain.MediaKind][]*Producer
	orphans   map[domain.MediaKind][]remoteTrack
	producers map[domain.ProducerID]*Producer
	consumers map[domain.ConsumerID]*Consumer
	stateFns  []func(state string)
}

func newWebRtcTransport(r *Router) (*WebRtcTransport, error) {
	pc, err := r.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers(r.worker.cfg.ICEServers),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	t := &WebRtcTransport{
		id:        domain.NewTransportID(),
		router:    r,
		pc:        pc,
		pending:   make(map[domain.MediaKind][]*Producer),
		orphans:   make(map[domain.MediaKind][]remoteTrack),
		producers: make(map[domain.ProducerID]*Producer),
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
	pc.OnTrack(t.handleTrack)
	pc.OnConnectionStateChange(t.handleState)
	return t, nil
}

func (t *WebRtcTransport) ID() domain.TransportID {
	return t.id
}

func (t *WebRtcTransport) Params() json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"id":         t.id,
		"iceServers": iceServers(t.router.worker.cfg.ICEServers),
	})
	return raw
}

// Connect applies the client's session description. An offer is answered
// once ICE gathering completes.
func (t *WebRtcTransport) Connect(ctx context.Context, params json.RawMessage) (json.RawMessage, error) {
	var req connectRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid connect parameters: %w", err)
	}
	if req.SDP == nil {
		return nil, fmt.Errorf("connect parameters carry no sdp")
	}
	if err := t.pc.SetRemoteDescription(*req.SDP); err != nil {
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}
	if req.SDP.Type != webrtc.SDPTypeOffer {
		return json.Marshal(connectResponse{})
	}

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return json.Marshal(connectResponse{SDP: t.pc.LocalDescription()})
}

func (t *WebRtcTransport) Produce(ctx context.Context, kind domain.MediaKind, rtpParameters json.RawMessage) (ports.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid media kind %q", kind)
	}
	params := domain.RtpParameters{Raw: rtpParameters}
	if len(rtpParameters) > 0 {
		_ = json.Unmarshal(rtpParameters, &params)
		params.Raw = rtpParameters
	}

	p := newProducer(domain.NewProducerID(), kind, params, t.router)
	if err := t.router.addProducer(p); err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = p.Close()
		return nil, fmt.Errorf("transport %s: %w", t.id, domain.ErrTransportNotFound)
	}
	t.producers[p.id] = p
	var track *remoteTrack
	if queued := t.orphans[kind]; len(queued) > 0 {
		track = &queued[0]
		t.orphans[kind] = queued[1:]
	} else {
		t.pending[kind] = append(t.pending[kind], p)
	}
	t.mu.Unlock()

	p.OnClose(func() { t.forgetProducer(p) })
	if track != nil {
		t.bind(p, track.track, track.receiver)
	}
	return p, nil
}

func (t *WebRtcTransport) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	kind := kindOf(track.Kind())

	t.mu.Lock()
	var p *Producer
	if queued := t.pending[kind]; len(queued) > 0 {
		p = queued[0]
		t.pending[kind] = queued[1:]
	} else {
		t.orphans[kind] = append(t.orphans[kind], remoteTrack{track: track, receiver: receiver})
	}
	t.mu.Unlock()

	if p != nil {
		t.bind(p, track, receiver)
	}
}

// bind starts feeding a producer from an incoming track.
func (t *WebRtcTransport) bind(p *Producer, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	params := p.RtpParameters()
	params.SSRC = uint32(track.SSRC())
	params.PayloadType = uint8(track.PayloadType())
	params.Codec = toDomainCodec(p.kind, track.Codec())
	p.setParams(params)

	ssrc := uint32(track.SSRC())
	p.setKeyFrameRequester(func() {
		if err := t.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
			t.router.worker.logger.Debugw("key frame request failed", "producer_id", p.id, "error", err)
		}
	})

	t.router.worker.run("rtp reader", func() {
		defer p.Close()
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil || p.Closed() {
				return
			}
			p.write(pkt)
		}
	})
	t.router.worker.run("rtcp reader", func() {
		for {
			if _, _, err := receiver.ReadRTCP(); err != nil {
				return
			}
		}
	})
}

func (t *WebRtcTransport) Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RtpCapabilities) (ports.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	source, ok := t.router.producer(producerID)
	if !ok || !t.router.CanConsume(producerID, caps) {
		return nil, fmt.Errorf("producer %s: %w", producerID, domain.ErrCannotConsume)
	}

	params := source.RtpParameters()
	capability, err := t.capabilityFor(source.kind, params)
	if err != nil {
		return nil, err
	}
	local, err := webrtc.NewTrackLocalStaticRTP(capability, string(producerID), string(t.id))
	if err != nil {
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}
	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("failed to add track: %w", err)
	}

	worker := t.router.worker
	c := newConsumer(source, domain.RtpParameters{Codec: toDomainCodec(source.kind, webrtc.RTPCodecParameters{RTPCodecCapability: capability})}, func(pkt *rtp.Packet) error {
		start := time.Now()
		err := local.WriteRTP(pkt)
		worker.accountSystem(start)
		return err
	})
	c.extra = map[string]any{"trackId": local.ID(), "streamId": local.StreamID()}
	c.cleanup = func() {
		_ = t.pc.RemoveTrack(sender)
		t.mu.Lock()
		delete(t.consumers, c.id)
		t.mu.Unlock()
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = t.pc.RemoveTrack(sender)
		return nil, fmt.Errorf("transport %s: %w", t.id, domain.ErrTransportNotFound)
	}
	t.consumers[c.id] = c
	t.mu.Unlock()

	if !source.subscribe(c) {
		_ = c.Close()
		return nil, fmt.Errorf("producer %s: %w", producerID, domain.ErrCannotConsume)
	}

	worker.run("consumer rtcp reader", func() {
		for {
			packets, _, err := sender.ReadRTCP()
			if err != nil {
				return
			}
			for _, pkt := range packets {
				switch pkt.(type) {
				case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
					source.RequestKeyFrame()
				}
			}
		}
	})
	return c, nil
}

// capabilityFor picks the codec a consumer sends with: the producer's codec
// once known, otherwise the router's first codec of the kind.
func (t *WebRtcTransport) capabilityFor(kind domain.MediaKind, params domain.RtpParameters) (webrtc.RTPCodecCapability, error) {
	if params.Codec.MimeType != "" {
		return webrtc.RTPCodecCapability{
			MimeType:    params.Codec.MimeType,
			ClockRate:   params.Codec.ClockRate,
			Channels:    params.Codec.Channels,
			SDPFmtpLine: params.Codec.SDPFmtpLine,
		}, nil
	}
	for i, p := range payloadTypes(t.router.codecs) {
		if t.router.codecs[i].Kind == kind {
			return p.RTPCodecCapability, nil
		}
	}
	return webrtc.RTPCodecCapability{}, fmt.Errorf("router has no %s codec: %w", kind, domain.ErrCannotConsume)
}

func (t *WebRtcTransport) forgetProducer(p *Producer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.producers, p.id)
	queued := t.pending[p.kind]
	for i, q := range queued {
		if q == p {
			t.pending[p.kind] = append(queued[:i], queued[i+1:]...)
			break
		}
	}
}

func (t *WebRtcTransport) OnClose(fn func()) {
	t.closer.add(fn)
}

func (t *WebRtcTransport) OnStateChange(fn func(state string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateFns = append(t.stateFns, fn)
}

func (t *WebRtcTransport) handleState(state webrtc.PeerConnectionState) {
	t.mu.Lock()
	fns := make([]func(string), len(t.stateFns))
	copy(fns, t.stateFns)
	t.mu.Unlock()

	// pion must not be re-entered from its own callback
	go func() {
		for _, fn := range fns {
			fn(state.String())
		}
	}()
}

func (t *WebRtcTransport) Close() error {
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
	err := t.pc.Close()
	for _, p := range producers {
		_ = p.Close()
	}
	t.router.removeTransport(t.id)
	t.closer.fire()
	return err
}
