package ports

import (
	"context"
	"encoding/json"
	"time"

	"mediarelay/internal/core/domain"
)

// Media engine surface consumed by the control plane.

type Worker interface {
	ID() domain.WorkerID
	ResourceUsage(ctx context.Context) (domain.WorkerUsage, error)
	CreateRouter(ctx context.Context, codecs []domain.Codec) (Router, error)
	// OnDied registers a callback fired once if the worker terminates unexpectedly.
	OnDied(fn func(err error))
	Close() error
}

type WorkerFactory interface {
	NewWorker(ctx context.Context, slot int) (Worker, error)
}

type Router interface {
	ID() domain.RouterID
	RtpCapabilities() domain.RtpCapabilities
	CreateWebRtcTransport(ctx context.Context) (Transport, error)
	CreatePipeTransport(ctx context.Context) (PipeTransport, error)
	// PipeToRouter relays producerID into target and returns the consumer
	// feeding it. A key frame is requested from the source after keyFrameDelay.
	PipeToRouter(ctx context.Context, producerID domain.ProducerID, target Router, keyFrameDelay time.Duration) (Consumer, error)
	CanConsume(producerID domain.ProducerID, caps domain.RtpCapabilities) bool
	HasProducer(producerID domain.ProducerID) bool
	Close() error
}

// Transport is a participant-facing WebRTC transport.
type Transport interface {
	ID() domain.TransportID
	// Params is handed to the client unchanged.
	Params() json.RawMessage
	Connect(ctx context.Context, params json.RawMessage) (json.RawMessage, error)
	Produce(ctx context.Context, kind domain.MediaKind, rtpParameters json.RawMessage) (Producer, error)
	Consume(ctx context.Context, producerID domain.ProducerID, caps domain.RtpCapabilities) (Consumer, error)
	OnClose(fn func())
	OnStateChange(fn func(state string))
	Close() error
}

// PipeTransport relays RTP between routers of different servers.
type PipeTransport interface {
	ID() domain.TransportID
	LocalEndpoint() domain.Endpoint
	Connect(ctx context.Context, remote domain.Endpoint) error
	// Consume starts sending producerID to the remote side.
	Consume(ctx context.Context, producerID domain.ProducerID) (Consumer, error)
	// Produce registers a stream arriving from the remote side in the router.
	Produce(ctx context.Context, producerID domain.ProducerID, kind domain.MediaKind, params domain.RtpParameters) (Producer, error)
	OnClose(fn func())
	Close() error
}

type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	OnClose(fn func())
	Close() error
}

type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	RtpParameters() domain.RtpParameters
	// Params is handed to the client unchanged.
	Params() json.RawMessage
	OnProducerClose(fn func())
	Close() error
}
