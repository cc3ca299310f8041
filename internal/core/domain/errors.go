package domain

import "errors"

var (
	ErrAdmissionRejected      = errors.New("admission rejected")
	ErrCPUOverloaded          = errors.New("worker cpu overloaded")
	ErrWorkerUnavailable      = errors.New("no worker available")
	ErrShardCreationFailed    = errors.New("shard creation failed")
	ErrResourceSampling       = errors.New("resource sampling failed")
	ErrRelayHandshakeFailed   = errors.New("relay handshake failed")
	ErrDestinationBlacklisted = errors.New("destination blacklisted")
	ErrProducerNotFound       = errors.New("producer not found")
	ErrTransportNotFound      = errors.New("transport not found")
	ErrParticipantNotFound    = errors.New("participant not found")
	ErrConsumerNotFound       = errors.New("consumer not found")
	ErrRoomNotFound           = errors.New("room not found")
	ErrShardNotFound          = errors.New("shard not found")
	ErrParticipantClosing     = errors.New("participant is closing")
	ErrCannotConsume          = errors.New("cannot consume producer")
	ErrRouterClosed           = errors.New("router closed")
)
