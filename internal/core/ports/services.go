package ports

import (
	"context"

	"mediarelay/internal/core/domain"
)

// Broadcaster delivers signaling events to the participants of a room.
type Broadcaster interface {
	Broadcast(roomID domain.RoomID, except domain.ParticipantID, event string, data any)
	Send(roomID domain.RoomID, participantID domain.ParticipantID, event string, data any)
}

// RelayClient speaks the cross-server relay protocol.
type RelayClient interface {
	CreatePipe(ctx context.Context, dest domain.Destination, req domain.CreatePipeRequest) (domain.CreatePipeResponse, error)
	ConnectPipe(ctx context.Context, dest domain.Destination, req domain.ConnectPipeRequest) error
	PipeProducer(ctx context.Context, dest domain.Destination, req domain.PipeProducerRequest) error
	CloseRoom(ctx context.Context, dest domain.Destination, req domain.CloseRoomRequest) error
}

// KeyedLocker serialises work per key. unlock must be called exactly once.
type KeyedLocker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Metrics receives control-plane counters.
type Metrics interface {
	RelayAttempt(dest domain.Destination, result string)
	ShardCreateAttempt(result string)
	WorkerRestarted(workerID domain.WorkerID)
	SetWorkerLoad(workerID domain.WorkerID, load int)
}

type NopMetrics struct{}

func (NopMetrics) RelayAttempt(domain.Destination, string) {}
func (NopMetrics) ShardCreateAttempt(string)               {}
func (NopMetrics) WorkerRestarted(domain.WorkerID)         {}
func (NopMetrics) SetWorkerLoad(domain.WorkerID, int)      {}
