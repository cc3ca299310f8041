package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"

	"go.uber.org/zap"
)

// RoomManager owns every room of this server.
type RoomManager struct {
	cfg         RoomConfig
	balancer    *LoadBalancer
	replicator  *Replicator
	broadcaster ports.Broadcaster
	store       ports.RoomStore
	metrics     ports.Metrics
	logger      *zap.SugaredLogger

	mu    sync.RWMutex
	rooms map[domain.RoomID]*Room
}

func NewRoomManager(
	cfg RoomConfig,
	balancer *LoadBalancer,
	replicator *Replicator,
	broadcaster ports.Broadcaster,
	store ports.RoomStore,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *RoomManager {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &RoomManager{
		cfg:         cfg,
		balancer:    balancer,
		replicator:  replicator,
		broadcaster: broadcaster,
		store:       store,
		metrics:     metrics,
		logger:      logger,
		rooms:       make(map[domain.RoomID]*Room),
	}
}

// SetBroadcaster wires the signaling hub once it exists.
func (m *RoomManager) SetBroadcaster(b ports.Broadcaster) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broadcaster = b
}

func (m *RoomManager) Balancer() *LoadBalancer {
	return m.balancer
}

func (m *RoomManager) Replicator() *Replicator {
	return m.replicator
}

func (m *RoomManager) Room(id domain.RoomID) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[id]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", id, domain.ErrRoomNotFound)
	}
	return room, nil
}

// Rooms returns every room ordered by id.
func (m *RoomManager) Rooms() []*Room {
	m.mu.RLock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *RoomManager) getOrCreate(id domain.RoomID) *Room {
	m.mu.Lock()
	defer m.mu.Unlock()

	if room, ok := m.rooms[id]; ok && !room.Closed() {
		return room
	}
	room := NewRoom(id, m.cfg, m.balancer, m.replicator, m.broadcaster, m.metrics, m.logger)
	m.rooms[id] = room
	m.logger.Infow("room created", "room_id", id)
	return room
}

// Join admits a participant into a room, creating the room on first join.
func (m *RoomManager) Join(ctx context.Context, roomID domain.RoomID, p *Participant) (*Room, JoinResult, error) {
	for attempt := 0; attempt < 2; attempt++ {
		room := m.getOrCreate(roomID)
		res, err := room.Join(ctx, p)
		if errors.Is(err, domain.ErrRoomNotFound) {
			// lost a race with the room being destroyed
			m.forget(room)
			continue
		}
		if err != nil {
			if room.TotalParticipants() == 0 {
				room.Destroy(ctx)
				m.forget(room)
			}
			return nil, JoinResult{}, err
		}
		m.save(ctx, room)
		return room, res, nil
	}
	return nil, JoinResult{}, fmt.Errorf("room %s: %w", roomID, domain.ErrRoomNotFound)
}

// Leave removes a participant and drops the room once it is empty.
func (m *RoomManager) Leave(ctx context.Context, roomID domain.RoomID, participantID domain.ParticipantID) (LeaveResult, error) {
	room, err := m.Room(roomID)
	if err != nil {
		return LeaveResult{}, err
	}
	res, err := room.Leave(ctx, participantID)
	if err != nil {
		return res, err
	}
	if res.RoomEmpty {
		m.forget(room)
		m.logger.Infow("room destroyed, no participants left", "room_id", roomID)
		return res, nil
	}
	m.save(ctx, room)
	return res, nil
}

// CloseRoom destroys a room on request.
func (m *RoomManager) CloseRoom(ctx context.Context, roomID domain.RoomID) error {
	room, err := m.Room(roomID)
	if err != nil {
		return err
	}
	room.Destroy(ctx)
	m.forget(room)
	return nil
}

// Touch refreshes the room mirror after a change that is not a join or leave.
func (m *RoomManager) Touch(ctx context.Context, room *Room) {
	m.save(ctx, room)
}

func (m *RoomManager) forget(room *Room) {
	m.mu.Lock()
	if current, ok := m.rooms[room.ID]; ok && current == room {
		delete(m.rooms, room.ID)
	}
	m.mu.Unlock()

	if m.store == nil {
		return
	}
	if err := m.store.Delete(context.Background(), room.ID); err != nil {
		m.logger.Warnw("failed to delete room mirror", "room_id", room.ID, "error", err)
	}
}

func (m *RoomManager) save(ctx context.Context, room *Room) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(ctx, room.Snapshot()); err != nil {
		m.logger.Warnw("failed to save room mirror", "room_id", room.ID, "error", err)
	}
}

// Shutdown destroys every room.
func (m *RoomManager) Shutdown(ctx context.Context) {
	for _, room := range m.Rooms() {
		room.Destroy(ctx)
		m.forget(room)
	}
}

type RoomStats struct {
	RoomID       domain.RoomID
	Participants int
	Producers    map[domain.MediaType]int
}

// Stats returns per-room counters for metrics.
func (m *RoomManager) Stats() []RoomStats {
	rooms := m.Rooms()
	out := make([]RoomStats, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomStats{
			RoomID:       r.ID,
			Participants: r.TotalParticipants(),
			Producers:    r.ProducerCounts(),
		})
	}
	return out
}
