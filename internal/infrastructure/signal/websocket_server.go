package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/services"
	"mediarelay/pkg/logger"
	"mediarelay/pkg/tracing"
	"mediarelay/pkg/validation"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Config struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	AllowedOrigins    []string
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
}

// Message is the envelope of every frame in both directions.
type Message struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Data      any    `json:"data,omitempty"`
}

type errorData struct {
	Message string `json:"message"`
}

const sendBuffer = 64

type client struct {
	id      domain.ParticipantID
	roomID  domain.RoomID
	ws      *websocket.Conn
	send    chan []byte
	done    chan struct{}
	limiter *rate.Limiter

	mu           sync.Mutex
	participant  *services.Participant
	room         *services.Room
	shardCreated bool
	left         bool
	closeOnce    sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// markLeft reports whether the caller is the first to take the participant
// out of its room.
func (c *client) markLeft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left {
		return false
	}
	c.left = true
	return true
}

type handlerFunc func(ctx context.Context, c *client, msg Message) (reply string, payload any, err error)

// Hub terminates the signaling websockets and delivers room events to the
// connected participants.
type Hub struct {
	rooms    *services.RoomManager
	cfg      Config
	upgrader websocket.Upgrader
	handlers map[string]handlerFunc
	logger   *zap.SugaredLogger
	ctxLog   *logger.ContextLogger

	mu      sync.RWMutex
	clients map[domain.RoomID]map[domain.ParticipantID]*client

	// work spawned off the read loops, cancelled and awaited by Close
	bg         context.Context
	stopBG     context.CancelFunc
	bgMu       sync.Mutex
	bgClosed   bool
	background sync.WaitGroup
}

func NewHub(rooms *services.RoomManager, cfg Config, log *zap.SugaredLogger) *Hub {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = 50
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 100
	}

	h := &Hub{
		rooms:   rooms,
		cfg:     cfg,
		logger:  log,
		ctxLog:  logger.NewContextLogger(log.Desugar()),
		clients: make(map[domain.RoomID]map[domain.ParticipantID]*client),
	}
	h.bg, h.stopBG = context.WithCancel(context.Background())
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	h.handlers = map[string]handlerFunc{
		domain.EventGetUsers:                 h.getUsers,
		domain.EventGetProducers:             h.getProducers,
		domain.EventGetRouterRtpCapabilities: h.getRouterRtpCapabilities,
		domain.EventCreateWebRtcTransport:    h.createWebRtcTransport,
		domain.EventConnectTransport:         h.connectTransport,
		domain.EventProduce:                  h.produce,
		domain.EventProducerClosed:           h.producerClosed,
		domain.EventConsume:                  h.consume,
		domain.EventExitRoom:                 h.exitRoom,
		domain.EventDisconnect:               h.disconnect,
		domain.EventCloseRoom:                h.closeRoom,
		domain.EventChatMessage:              h.chatMessage,
		domain.EventChatHistory:              h.chatHistory,
		domain.EventReaction:                 h.reaction,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func cookie(r *http.Request, name string) string {
	if c, err := r.Cookie(name); err == nil {
		return c.Value
	}
	return ""
}

// HandleWebSocket admits the caller into ?roomId= as ?userId= and serves its
// signaling requests until the socket goes away.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if err := validation.ValidateRoomID(query.Get("roomId")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := validation.ValidateUserID(query.Get("userId")); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	roomID := domain.RoomID(query.Get("roomId"))
	userID := domain.UserID(query.Get("userId"))

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	if h.cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(h.cfg.MaxMessageSize)
	}

	c := &client{
		id:      domain.NewParticipantID(),
		roomID:  roomID,
		ws:      ws,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), h.cfg.Burst),
	}
	extra := domain.ParticipantExtra{
		PublicName: cookie(r, "publicName"),
		Avatar:     cookie(r, "avatar"),
		UserAgent:  r.UserAgent(),
	}
	participant := services.NewParticipant(c.id, userID, extra)

	// the socket outlives the upgrade request, so only its log fields carry over
	ctx := logger.WithParticipant(context.Background(), string(roomID), string(c.id))
	if id := logger.RequestID(r.Context()); id != "" {
		ctx = logger.WithRequestID(ctx, id)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(c)
	}()

	// registered first so the join broadcasts reach the newcomer too
	h.register(c)
	room, res, err := h.rooms.Join(ctx, roomID, participant)
	if err != nil {
		h.logger.Warnw("join rejected", "room_id", roomID, "user_id", userID, "error", err)
		h.unregister(c)
		c.markLeft()
		h.reply(c, domain.EventError, "", errorData{Message: err.Error()})
		c.close()
		<-writerDone
		return
	}
	c.mu.Lock()
	c.participant = participant
	c.room = room
	c.shardCreated = res.ShardCreated
	c.mu.Unlock()

	h.logger.Infow("participant connected",
		"room_id", roomID,
		"participant_id", c.id,
		"user_id", userID,
		"shard_id", res.Shard.ID,
	)

	h.readPump(ctx, c)

	c.close()
	h.unregister(c)
	h.leave(ctx, c)
	<-writerDone
	h.logger.Infow("participant disconnected", "room_id", roomID, "participant_id", c.id)
}

func (h *Hub) readPump(ctx context.Context, c *client) {
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Infow("error reading from participant", "participant_id", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
			h.reply(c, domain.EventError, "", errorData{Message: "invalid message"})
			continue
		}
		if !c.limiter.Allow() {
			h.reply(c, domain.EventError, msg.RequestID, errorData{Message: "rate limit exceeded"})
			continue
		}
		h.dispatch(ctx, c, msg)

		select {
		case <-c.done:
			return
		default:
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, c *client, msg Message) {
	handler, ok := h.handlers[msg.Type]
	if !ok {
		h.reply(c, domain.EventError, msg.RequestID, errorData{Message: fmt.Sprintf("unknown message type %q", msg.Type)})
		return
	}
	ctx, span := tracing.TraceSignal(ctx, msg.Type, string(c.roomID), string(c.id))
	defer span.End()
	if msg.RequestID != "" {
		span.SetAttributes(attribute.String("signal.request_id", msg.RequestID))
	}

	replyType, payload, err := handler(ctx, c, msg)
	if err != nil {
		tracing.RecordError(ctx, err)
		h.ctxLog.Sugared(ctx).Infow("signaling request failed",
			"type", msg.Type,
			"error", err,
		)
		h.reply(c, domain.EventError, msg.RequestID, errorData{Message: err.Error()})
		return
	}
	if replyType != "" {
		h.reply(c, replyType, msg.RequestID, payload)
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	write := func(kind int, data []byte) error {
		_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
		return c.ws.WriteMessage(kind, data)
	}

	for {
		select {
		case frame := <-c.send:
			if err := write(websocket.TextMessage, frame); err != nil {
				c.close()
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				c.close()
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			// flush what was queued before the close, e.g. roomClosed
			for {
				select {
				case frame := <-c.send:
					if write(websocket.TextMessage, frame) != nil {
						_ = c.ws.Close()
						return
					}
				default:
					_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					_ = c.ws.Close()
					return
				}
			}
		}
	}
}

func (h *Hub) reply(c *client, event, requestID string, data any) {
	frame, err := json.Marshal(outbound{Type: event, RequestID: requestID, Data: data})
	if err != nil {
		h.logger.Errorw("failed to encode signaling message", "type", event, "error", err)
		return
	}
	if !c.enqueue(frame) {
		h.logger.Debugw("dropping message for slow participant", "participant_id", c.id, "type", event)
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.clients[c.roomID]
	if !ok {
		members = make(map[domain.ParticipantID]*client)
		h.clients[c.roomID] = members
	}
	members[c.id] = c
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.clients[c.roomID]
	if members[c.id] == c {
		delete(members, c.id)
	}
	if len(members) == 0 {
		delete(h.clients, c.roomID)
	}
}

func (h *Hub) leave(ctx context.Context, c *client) {
	if !c.markLeft() {
		return
	}
	if _, err := h.rooms.Leave(ctx, c.roomID, c.id); err != nil &&
		!errors.Is(err, domain.ErrRoomNotFound) && !errors.Is(err, domain.ErrParticipantNotFound) {
		h.logger.Warnw("failed to leave room", "room_id", c.roomID, "participant_id", c.id, "error", err)
	}
}

// dropRoom disconnects every participant of a closed room.
func (h *Hub) dropRoom(roomID domain.RoomID) {
	h.mu.Lock()
	members := h.clients[roomID]
	delete(h.clients, roomID)
	h.mu.Unlock()

	for _, c := range members {
		c.markLeft()
		c.close()
	}
}

// spawn runs fn outside the participant's read loop. fn keeps the values of
// ctx but not its cancellation; Close cancels it and waits for it.
func (h *Hub) spawn(ctx context.Context, fn func(ctx context.Context)) {
	h.bgMu.Lock()
	if h.bgClosed {
		h.bgMu.Unlock()
		return
	}
	h.background.Add(1)
	h.bgMu.Unlock()

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(h.bg, cancel)
	go func() {
		defer h.background.Done()
		defer cancel()
		defer stop()
		fn(ctx)
	}()
}

// Close cancels background work, waits for it and disconnects every
// participant. Rooms are left to the room manager.
func (h *Hub) Close() {
	h.bgMu.Lock()
	h.bgClosed = true
	h.bgMu.Unlock()
	h.stopBG()
	h.background.Wait()

	h.mu.RLock()
	rooms := make([]domain.RoomID, 0, len(h.clients))
	for id := range h.clients {
		rooms = append(rooms, id)
	}
	h.mu.RUnlock()

	for _, id := range rooms {
		h.dropRoom(id)
	}
}

func (h *Hub) targets(roomID domain.RoomID) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.clients[roomID]
	out := make([]*client, 0, len(members))
	for _, c := range members {
		out = append(out, c)
	}
	return out
}

// Broadcast implements ports.Broadcaster.
func (h *Hub) Broadcast(roomID domain.RoomID, except domain.ParticipantID, event string, data any) {
	frame, err := json.Marshal(outbound{Type: event, Data: data})
	if err != nil {
		h.logger.Errorw("failed to encode broadcast", "type", event, "error", err)
		return
	}
	for _, c := range h.targets(roomID) {
		if c.id == except {
			continue
		}
		if !c.enqueue(frame) {
			h.logger.Debugw("dropping broadcast for slow participant", "participant_id", c.id, "type", event)
		}
	}
}

// Send implements ports.Broadcaster.
func (h *Hub) Send(roomID domain.RoomID, participantID domain.ParticipantID, event string, data any) {
	h.mu.RLock()
	c, ok := h.clients[roomID][participantID]
	h.mu.RUnlock()
	if ok {
		h.reply(c, event, "", data)
	}
}

// ConnectionCount returns the number of open signaling sockets.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, members := range h.clients {
		n += len(members)
	}
	return n
}
