package media

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"mediarelay/internal/core/domain"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var testCodecs = []domain.Codec{
	{Kind: domain.KindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
	{Kind: domain.KindVideo, MimeType: "video/VP8", ClockRate: 90000},
}

func newTestRouter(t *testing.T, id string) *Router {
	t.Helper()
	w := NewWorker(domain.WorkerID(id), Config{ListenIP: "127.0.0.1"}, zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() { _ = w.Close() })
	r, err := w.CreateRouter(context.Background(), testCodecs)
	require.NoError(t, err)
	return r.(*Router)
}

func addTestProducer(t *testing.T, r *Router, id domain.ProducerID) *Producer {
	t.Helper()
	p := newProducer(id, domain.KindVideo, domain.RtpParameters{
		SSRC:        1111,
		PayloadType: 96,
		Codec:       testCodecs[1],
	}, r)
	require.NoError(t, r.addProducer(p))
	return p
}

type received struct {
	seq     uint16
	ssrc    uint32
	payload []byte
}

func collect(p *Producer) (chan received, *Consumer) {
	got := make(chan received, 16)
	c := newConsumer(p, domain.RtpParameters{}, func(pkt *rtp.Packet) error {
		got <- received{seq: pkt.SequenceNumber, ssrc: pkt.SSRC, payload: append([]byte(nil), pkt.Payload...)}
		return nil
	})
	p.subscribe(c)
	return got, c
}

func TestWorker_DiesOnPanic(t *testing.T) {
	w := NewWorker("w1", Config{}, zaptest.NewLogger(t).Sugar())
	died := make(chan error, 1)
	w.OnDied(func(err error) { died <- err })

	usage, err := w.ResourceUsage(context.Background())
	require.NoError(t, err)
	assert.Positive(t, usage.Uptime)

	w.run("forwarder", func() { panic("boom") })

	select {
	case err := <-died:
		assert.Contains(t, err.Error(), "boom")
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not report its death")
	}

	_, err = w.ResourceUsage(context.Background())
	assert.ErrorIs(t, err, domain.ErrWorkerUnavailable)
	_, err = w.CreateRouter(context.Background(), testCodecs)
	assert.ErrorIs(t, err, domain.ErrWorkerUnavailable)
}

func TestFactory_Pool(t *testing.T) {
	f := NewFactory(Config{}, zaptest.NewLogger(t).Sugar())

	workers, err := f.Pool(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, workers, 3)
	assert.Equal(t, domain.WorkerID("worker-0-1"), workers[0].ID())
	assert.Equal(t, domain.WorkerID("worker-2-3"), workers[2].ID())

	replacement, err := f.NewWorker(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerID("worker-1-4"), replacement.ID())

	for _, w := range append(workers, replacement) {
		require.NoError(t, w.Close())
	}
}

func TestRouter_PipeToRouter(t *testing.T) {
	ctx := context.Background()
	a, b := newTestRouter(t, "w1"), newTestRouter(t, "w2")
	source := addTestProducer(t, a, "p1")

	var keyFrames atomic.Int32
	source.setKeyFrameRequester(func() { keyFrames.Add(1) })

	consumer, err := a.PipeToRouter(ctx, "p1", b, 0)
	require.NoError(t, err)
	assert.Equal(t, domain.ProducerID("p1"), consumer.ProducerID())
	assert.True(t, b.HasProducer("p1"))
	assert.Equal(t, int32(1), keyFrames.Load())

	_, err = a.PipeToRouter(ctx, "p1", b, 0)
	assert.Error(t, err, "the target already carries the producer")
	_, err = a.PipeToRouter(ctx, "missing", b, 0)
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)

	mirror, ok := b.producer("p1")
	require.True(t, ok)
	got, downstream := collect(mirror)

	source.write(&rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: 7, SSRC: 1111}})
	require.Len(t, got, 1)
	assert.Equal(t, uint16(7), (<-got).seq)

	mirror.RequestKeyFrame()
	assert.Equal(t, int32(2), keyFrames.Load(), "key frame requests reach the source")

	var gone atomic.Bool
	downstream.OnProducerClose(func() { gone.Store(true) })
	require.NoError(t, source.Close())

	assert.False(t, b.HasProducer("p1"))
	assert.True(t, consumer.(*Consumer).Closed())
	assert.True(t, gone.Load())
}

func TestRouter_CanConsume(t *testing.T) {
	r := newTestRouter(t, "w1")
	addTestProducer(t, r, "p1")

	vp8 := domain.RtpCapabilities{Codecs: testCodecs}
	opusOnly := domain.RtpCapabilities{Codecs: testCodecs[:1]}

	assert.True(t, r.CanConsume("p1", vp8))
	assert.False(t, r.CanConsume("p1", opusOnly))
	assert.False(t, r.CanConsume("missing", vp8))
}

func TestPipeTransport_RelaysOverUDP(t *testing.T) {
	ctx := context.Background()
	a, b := newTestRouter(t, "w1"), newTestRouter(t, "w2")
	source := addTestProducer(t, a, "p1")

	out, err := a.CreatePipeTransport(ctx)
	require.NoError(t, err)
	in, err := b.CreatePipeTransport(ctx)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", in.LocalEndpoint().IP)
	assert.NotZero(t, in.LocalEndpoint().Port)

	require.NoError(t, out.Connect(ctx, in.LocalEndpoint()))
	require.NoError(t, in.Connect(ctx, out.LocalEndpoint()))

	consumer, err := out.Consume(ctx, "p1")
	require.NoError(t, err)
	params := consumer.RtpParameters()
	assert.NotZero(t, params.SSRC)
	assert.Equal(t, uint8(96), params.PayloadType)

	remote, err := in.Produce(ctx, "p1", domain.KindVideo, params)
	require.NoError(t, err)
	assert.True(t, b.HasProducer("p1"))
	got, _ := collect(remote.(*Producer))

	var first received
	require.Eventually(t, func() bool {
		source.write(&rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 42, SSRC: 1111},
			Payload: []byte{1, 2, 3},
		})
		select {
		case first = <-got:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, uint16(42), first.seq)
	assert.Equal(t, params.SSRC, first.ssrc, "packets travel under the consumer ssrc")
	assert.Equal(t, []byte{1, 2, 3}, first.payload)

	closed := make(chan struct{})
	in.OnClose(func() { close(closed) })
	require.NoError(t, in.Close())
	<-closed
	assert.False(t, b.HasProducer("p1"))
	assert.True(t, remote.(*Producer).Closed())

	require.NoError(t, a.Close())
	assert.True(t, consumer.(*Consumer).Closed())
	assert.True(t, out.(*PipeTransport).Closed())
}

func TestWebRtcTransport_ProduceAndConsume(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, "w1")

	sender, err := r.CreateWebRtcTransport(ctx)
	require.NoError(t, err)
	var params map[string]any
	require.NoError(t, json.Unmarshal(sender.Params(), &params))
	assert.Equal(t, string(sender.ID()), params["id"])

	_, err = sender.Connect(ctx, json.RawMessage(`{}`))
	assert.Error(t, err)

	producer, err := sender.Produce(ctx, domain.KindAudio, json.RawMessage(`{"codec":{"kind":"audio"}}`))
	require.NoError(t, err)
	assert.True(t, r.HasProducer(producer.ID()))
	_, err = sender.Produce(ctx, "data", nil)
	assert.Error(t, err)

	receiver, err := r.CreateWebRtcTransport(ctx)
	require.NoError(t, err)
	consumer, err := receiver.Consume(ctx, producer.ID(), r.RtpCapabilities())
	require.NoError(t, err)
	assert.Equal(t, domain.KindAudio, consumer.Kind())
	assert.Equal(t, "audio/opus", consumer.RtpParameters().Codec.MimeType)

	var body map[string]any
	require.NoError(t, json.Unmarshal(consumer.Params(), &body))
	assert.Equal(t, string(producer.ID()), body["producerId"])
	assert.Equal(t, string(producer.ID()), body["trackId"])

	producerGone := make(chan struct{})
	consumer.OnProducerClose(func() { close(producerGone) })
	transportClosed := make(chan struct{})
	sender.OnClose(func() { close(transportClosed) })

	require.NoError(t, sender.Close())
	<-transportClosed
	<-producerGone
	assert.False(t, r.HasProducer(producer.ID()))

	require.NoError(t, receiver.Close())
	_, err = receiver.Consume(ctx, "missing", r.RtpCapabilities())
	assert.True(t, errors.Is(err, domain.ErrCannotConsume))
}

func TestRouter_CloseReleasesEverything(t *testing.T) {
	ctx := context.Background()
	r := newTestRouter(t, "w1")
	p := addTestProducer(t, r, "p1")
	pipe, err := r.CreatePipeTransport(ctx)
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.True(t, p.Closed())
	assert.True(t, pipe.(*PipeTransport).Closed())
	_, err = r.CreatePipeTransport(ctx)
	assert.ErrorIs(t, err, domain.ErrRouterClosed)
	_, err = r.CreateWebRtcTransport(ctx)
	assert.ErrorIs(t, err, domain.ErrRouterClosed)
}
