package domain

import (
	"strconv"

	"github.com/google/uuid"
)

type RoomID string
type ShardID uint64
type ParticipantID string
type UserID string
type WorkerID string
type RouterID string
type TransportID string
type ProducerID string
type ConsumerID string

// Destination is the base URL of a federated server, e.g. "http://10.0.0.2:5000".
type Destination string

func (id ShardID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

func NewParticipantID() ParticipantID {
	return ParticipantID(uuid.NewString())
}

func NewTransportID() TransportID {
	return TransportID(uuid.NewString())
}

func NewProducerID() ProducerID {
	return ProducerID(uuid.NewString())
}

func NewConsumerID() ConsumerID {
	return ConsumerID(uuid.NewString())
}

func NewRouterID() RouterID {
	return RouterID(uuid.NewString())
}
