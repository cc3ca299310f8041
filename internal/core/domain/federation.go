package domain

import "encoding/json"

// Cross-server relay protocol bodies.

type CreatePipeRequest struct {
	RoomID  RoomID  `json:"roomId"`
	ShardID ShardID `json:"shardId,omitempty"`
}

type CreatePipeResponse struct {
	ID   TransportID `json:"id"`
	IP   string      `json:"ip"`
	Port int         `json:"port"`
}

type ConnectPipeRequest struct {
	TransportID TransportID `json:"transportId"`
	IP          string      `json:"ip"`
	Port        int         `json:"port"`
}

type PipeProducerRequest struct {
	RoomID        RoomID          `json:"roomId"`
	ShardID       ShardID         `json:"shardId,omitempty"`
	ProducerID    ProducerID      `json:"producerId"`
	TransportID   TransportID     `json:"transportId,omitempty"`
	Kind          MediaKind       `json:"kind,omitempty"`
	MediaType     MediaType       `json:"mediaType,omitempty"`
	UserID        UserID          `json:"userId,omitempty"`
	RtpParameters json.RawMessage `json:"rtpParameters,omitempty"`
}

type CloseRoomRequest struct {
	RoomID RoomID `json:"roomId"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}
