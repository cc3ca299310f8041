package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"

	"go.uber.org/zap"
)

type inboundPipe struct {
	roomID    domain.RoomID
	shardID   domain.ShardID
	transport ports.PipeTransport
}

// RelayReceiver serves the relay protocol for streams other servers send to
// this one.
type RelayReceiver struct {
	rooms  *RoomManager
	logger *zap.SugaredLogger

	mu     sync.Mutex
	pipes  map[domain.TransportID]*inboundPipe
	latest map[domain.RoomID]domain.TransportID
}

func NewRelayReceiver(rooms *RoomManager, logger *zap.SugaredLogger) *RelayReceiver {
	return &RelayReceiver{
		rooms:  rooms,
		logger: logger,
		pipes:  make(map[domain.TransportID]*inboundPipe),
		latest: make(map[domain.RoomID]domain.TransportID),
	}
}

// targetShard returns the requested shard, or the first one when this server
// has no shard with that id.
func targetShard(room *Room, id domain.ShardID) (*Shard, error) {
	if id != 0 {
		if s, err := room.Shard(id); err == nil {
			return s, nil
		}
	}
	shards := room.Shards()
	if len(shards) == 0 {
		return nil, fmt.Errorf("room %s has no shard: %w", room.ID, domain.ErrShardNotFound)
	}
	return shards[0], nil
}

// CreatePipe opens a pipe transport towards a sending server.
func (rr *RelayReceiver) CreatePipe(ctx context.Context, req domain.CreatePipeRequest) (domain.CreatePipeResponse, error) {
	room, err := rr.rooms.Room(req.RoomID)
	if err != nil {
		return domain.CreatePipeResponse{}, err
	}
	shard, err := targetShard(room, req.ShardID)
	if err != nil {
		return domain.CreatePipeResponse{}, err
	}
	router := shard.Router()
	if router == nil {
		return domain.CreatePipeResponse{}, domain.ErrRouterClosed
	}

	transport, err := router.CreatePipeTransport(ctx)
	if err != nil {
		return domain.CreatePipeResponse{}, fmt.Errorf("failed to create pipe transport: %w", err)
	}
	if !room.Pipes().AddTransport(transport) {
		return domain.CreatePipeResponse{}, fmt.Errorf("room %s: %w", room.ID, domain.ErrRoomNotFound)
	}

	id := transport.ID()
	rr.mu.Lock()
	rr.pipes[id] = &inboundPipe{roomID: room.ID, shardID: shard.ID, transport: transport}
	rr.latest[room.ID] = id
	rr.mu.Unlock()

	transport.OnClose(func() {
		room.Pipes().RemoveTransport(id)
		rr.forget(room.ID, id)
	})

	local := transport.LocalEndpoint()
	rr.logger.Infow("inbound pipe created",
		"room_id", room.ID,
		"shard_id", shard.ID,
		"transport_id", id,
		"port", local.Port,
	)
	return domain.CreatePipeResponse{ID: id, IP: local.IP, Port: local.Port}, nil
}

// ConnectPipe points an inbound pipe transport at the sender's endpoint.
func (rr *RelayReceiver) ConnectPipe(ctx context.Context, req domain.ConnectPipeRequest) error {
	pipe, err := rr.pipe(req.TransportID)
	if err != nil {
		return err
	}
	if err := pipe.transport.Connect(ctx, domain.Endpoint{IP: req.IP, Port: req.Port}); err != nil {
		return fmt.Errorf("failed to connect pipe transport %s: %w", req.TransportID, err)
	}
	return nil
}

// PipeProducer registers a relayed producer in the room, pipes it into every
// shard and tells the participants about it.
func (rr *RelayReceiver) PipeProducer(ctx context.Context, req domain.PipeProducerRequest) (domain.ProducerInfo, error) {
	room, err := rr.rooms.Room(req.RoomID)
	if err != nil {
		return domain.ProducerInfo{}, err
	}

	transportID := req.TransportID
	if transportID == "" {
		rr.mu.Lock()
		transportID = rr.latest[req.RoomID]
		rr.mu.Unlock()
	}
	pipe, err := rr.pipe(transportID)
	if err != nil {
		return domain.ProducerInfo{}, err
	}
	if pipe.roomID != room.ID {
		return domain.ProducerInfo{}, fmt.Errorf("transport %s belongs to room %s: %w", transportID, pipe.roomID, domain.ErrTransportNotFound)
	}
	shard, err := room.Shard(pipe.shardID)
	if err != nil {
		return domain.ProducerInfo{}, err
	}

	var params domain.RtpParameters
	if len(req.RtpParameters) > 0 {
		if err := json.Unmarshal(req.RtpParameters, &params); err != nil {
			return domain.ProducerInfo{}, fmt.Errorf("invalid rtp parameters: %w", err)
		}
	}
	kind := req.Kind
	if kind == "" {
		kind = params.Codec.Kind
	}

	producer, err := pipe.transport.Produce(ctx, req.ProducerID, kind, params)
	if err != nil {
		return domain.ProducerInfo{}, fmt.Errorf("failed to produce relayed stream: %w", err)
	}
	if !shard.Pipes().AddProducer(producer) {
		return domain.ProducerInfo{}, fmt.Errorf("shard %d: %w", shard.ID, domain.ErrRouterClosed)
	}

	info := domain.ProducerInfo{
		ShardID:    shard.ID,
		ProducerID: producer.ID(),
		UserID:     req.UserID,
		Kind:       producer.Kind(),
		MediaType:  req.MediaType,
		Remote:     true,
	}
	producer.OnClose(func() {
		room.handleProducerGone(shard.ID, info.ProducerID)
	})
	room.AddProducer(info)

	if err := room.ReplicateLocal(ctx, shard, info.ProducerID); err != nil {
		rr.logger.Warnw("local fan-out of relayed producer failed",
			"room_id", room.ID,
			"producer_id", info.ProducerID,
			"error", err,
		)
	}
	room.Announce(ctx, info)
	rr.rooms.Touch(ctx, room)

	rr.logger.Infow("relayed producer received",
		"room_id", room.ID,
		"shard_id", shard.ID,
		"producer_id", info.ProducerID,
		"transport_id", transportID,
	)
	return info, nil
}

// CloseRoom closes every inbound pipe transport of a room. The room itself
// stays.
func (rr *RelayReceiver) CloseRoom(ctx context.Context, req domain.CloseRoomRequest) error {
	rr.mu.Lock()
	var doomed []*inboundPipe
	for id, pipe := range rr.pipes {
		if pipe.roomID == req.RoomID {
			doomed = append(doomed, pipe)
			delete(rr.pipes, id)
		}
	}
	delete(rr.latest, req.RoomID)
	rr.mu.Unlock()

	room, _ := rr.rooms.Room(req.RoomID)
	for _, pipe := range doomed {
		if room != nil {
			room.Pipes().CloseTransport(pipe.transport.ID())
			continue
		}
		_ = pipe.transport.Close()
	}
	rr.logger.Infow("inbound pipes closed", "room_id", req.RoomID, "count", len(doomed))
	return nil
}

func (rr *RelayReceiver) pipe(id domain.TransportID) (*inboundPipe, error) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	pipe, ok := rr.pipes[id]
	if !ok {
		return nil, fmt.Errorf("pipe transport %q: %w", id, domain.ErrTransportNotFound)
	}
	return pipe, nil
}

func (rr *RelayReceiver) forget(roomID domain.RoomID, id domain.TransportID) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	delete(rr.pipes, id)
	if rr.latest[roomID] == id {
		delete(rr.latest, roomID)
	}
}

// PipeCount returns the number of open inbound pipe transports.
func (rr *RelayReceiver) PipeCount() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return len(rr.pipes)
}
