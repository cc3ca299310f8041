package signal

import (
	"context"
	"encoding/json"
	"fmt"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/services"
)

type transportRequest struct {
	TransportID domain.TransportID `json:"transportId"`
}

type produceRequest struct {
	TransportID   domain.TransportID `json:"transportId"`
	Kind          domain.MediaKind   `json:"kind"`
	MediaType     domain.MediaType   `json:"mediaType"`
	RtpParameters json.RawMessage    `json:"rtpParameters"`
}

type consumeRequest struct {
	TransportID     domain.TransportID     `json:"transportId"`
	ProducerID      domain.ProducerID      `json:"producerId"`
	RtpCapabilities domain.RtpCapabilities `json:"rtpCapabilities"`
}

type producerRequest struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

type chatRequest struct {
	Text string `json:"text"`
}

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("missing request data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid request data: %w", err)
	}
	return nil
}

// session returns the room and participant of a joined client.
func (c *client) session() (*services.Room, *services.Participant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == nil || c.left || c.room.Closed() {
		return nil, nil, fmt.Errorf("room %s: %w", c.roomID, domain.ErrRoomNotFound)
	}
	return c.room, c.participant, nil
}

func (h *Hub) shardOf(c *client) (*services.Room, *services.Shard, error) {
	room, _, err := c.session()
	if err != nil {
		return nil, nil, err
	}
	shard, err := room.ShardOf(c.id)
	if err != nil {
		return nil, nil, err
	}
	return room, shard, nil
}

func (h *Hub) getUsers(ctx context.Context, c *client, _ Message) (string, any, error) {
	room, _, err := c.session()
	if err != nil {
		return "", nil, err
	}
	return domain.EventUsersList, room.People(), nil
}

// getProducers lists the producers of everyone else, piping them into the
// caller's shard first when that shard was created for it.
func (h *Hub) getProducers(ctx context.Context, c *client, _ Message) (string, any, error) {
	room, _, err := c.session()
	if err != nil {
		return "", nil, err
	}
	c.mu.Lock()
	created := c.shardCreated
	c.shardCreated = false
	c.mu.Unlock()

	producers, err := room.SyncProducers(ctx, c.id, created)
	if err != nil {
		return "", nil, err
	}
	others := make([]domain.ProducerInfo, 0, len(producers))
	for _, info := range producers {
		if info.ParticipantID != c.id {
			others = append(others, info)
		}
	}
	return domain.EventNewProducers, others, nil
}

func (h *Hub) getRouterRtpCapabilities(ctx context.Context, c *client, _ Message) (string, any, error) {
	_, shard, err := h.shardOf(c)
	if err != nil {
		return "", nil, err
	}
	return domain.EventGetRouterRtpCapabilities, shard.RouterCapabilities(), nil
}

func (h *Hub) createWebRtcTransport(ctx context.Context, c *client, _ Message) (string, any, error) {
	_, shard, err := h.shardOf(c)
	if err != nil {
		return "", nil, err
	}
	transport, err := shard.CreateWebRtcTransport(ctx, c.id)
	if err != nil {
		return "", nil, err
	}
	params := map[string]any{}
	if err := json.Unmarshal(transport.Params(), &params); err != nil {
		return "", nil, fmt.Errorf("invalid transport parameters: %w", err)
	}
	params["shardId"] = shard.ID
	return domain.EventCreateWebRtcTransport, params, nil
}

// connectTransport hands the whole request to the transport, which picks
// out the parameters it understands.
func (h *Hub) connectTransport(ctx context.Context, c *client, msg Message) (string, any, error) {
	var req transportRequest
	if err := decode(msg.Data, &req); err != nil {
		return "", nil, err
	}
	_, shard, err := h.shardOf(c)
	if err != nil {
		return "", nil, err
	}
	resp, err := shard.ConnectTransport(ctx, c.id, req.TransportID, msg.Data)
	if err != nil {
		return "", nil, err
	}
	return domain.EventConnectTransport, resp, nil
}

// produce publishes locally and answers the client. Relaying the producer to
// the federation and announcing it to the room run in the background.
func (h *Hub) produce(ctx context.Context, c *client, msg Message) (string, any, error) {
	var req produceRequest
	if err := decode(msg.Data, &req); err != nil {
		return "", nil, err
	}
	if !req.MediaType.Valid() {
		return "", nil, fmt.Errorf("invalid media type %q", req.MediaType)
	}
	room, _, err := c.session()
	if err != nil {
		return "", nil, err
	}

	info, err := room.Publish(ctx, c.id, req.TransportID, req.Kind, req.MediaType, req.RtpParameters)
	if err != nil {
		return "", nil, err
	}
	h.reply(c, domain.EventProduce, msg.RequestID, map[string]any{"id": info.ProducerID})

	// federation calls can outlast the pong timeout
	h.spawn(ctx, func(ctx context.Context) {
		room.Announce(ctx, info)
		h.rooms.Touch(ctx, room)
	})
	return "", nil, nil
}

func (h *Hub) producerClosed(ctx context.Context, c *client, msg Message) (string, any, error) {
	var req producerRequest
	if err := decode(msg.Data, &req); err != nil {
		return "", nil, err
	}
	room, _, err := c.session()
	if err != nil {
		return "", nil, err
	}
	if err := room.CloseProducer(c.id, req.ProducerID); err != nil {
		return "", nil, err
	}
	h.rooms.Touch(ctx, room)
	return domain.EventProducerClosed, map[string]any{"producerId": req.ProducerID}, nil
}

func (h *Hub) consume(ctx context.Context, c *client, msg Message) (string, any, error) {
	var req consumeRequest
	if err := decode(msg.Data, &req); err != nil {
		return "", nil, err
	}
	room, _, err := c.session()
	if err != nil {
		return "", nil, err
	}
	consumer, err := room.Consume(ctx, c.id, req.TransportID, req.ProducerID, req.RtpCapabilities)
	if err != nil {
		return "", nil, err
	}
	return domain.EventConsume, consumer.Params(), nil
}

func (h *Hub) exitRoom(ctx context.Context, c *client, msg Message) (string, any, error) {
	h.leave(ctx, c)
	h.reply(c, domain.EventExitRoom, msg.RequestID, map[string]any{"participantId": c.id})
	c.close()
	return "", nil, nil
}

func (h *Hub) disconnect(ctx context.Context, c *client, _ Message) (string, any, error) {
	h.leave(ctx, c)
	c.close()
	return "", nil, nil
}

func (h *Hub) closeRoom(ctx context.Context, c *client, _ Message) (string, any, error) {
	if _, _, err := c.session(); err != nil {
		return "", nil, err
	}
	if err := h.rooms.CloseRoom(ctx, c.roomID); err != nil {
		return "", nil, err
	}
	h.dropRoom(c.roomID)
	h.logger.Infow("room closed by participant", "room_id", c.roomID, "participant_id", c.id)
	return "", nil, nil
}

func (h *Hub) chatMessage(ctx context.Context, c *client, msg Message) (string, any, error) {
	var req chatRequest
	if err := decode(msg.Data, &req); err != nil {
		return "", nil, err
	}
	room, p, err := c.session()
	if err != nil {
		return "", nil, err
	}
	// empty messages are dropped silently
	room.PostChat(p, req.Text)
	return "", nil, nil
}

func (h *Hub) chatHistory(ctx context.Context, c *client, _ Message) (string, any, error) {
	room, _, err := c.session()
	if err != nil {
		return "", nil, err
	}
	return domain.EventChatHistory, room.ChatHistory(), nil
}

func (h *Hub) reaction(ctx context.Context, c *client, msg Message) (string, any, error) {
	var req reactionRequest
	if err := decode(msg.Data, &req); err != nil {
		return "", nil, err
	}
	room, p, err := c.session()
	if err != nil {
		return "", nil, err
	}
	if _, ok := room.React(p, req.Emoji); !ok {
		return "", nil, fmt.Errorf("reaction %q is not allowed", req.Emoji)
	}
	return "", nil, nil
}
