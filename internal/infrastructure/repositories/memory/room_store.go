package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"
)

type MemoryRoomStore struct {
	rooms map[domain.RoomID]domain.RoomSnapshot
	mu    sync.RWMutex
}

func NewMemoryRoomStore() ports.RoomStore {
	return &MemoryRoomStore{
		rooms: make(map[domain.RoomID]domain.RoomSnapshot),
	}
}

func (s *MemoryRoomStore) Save(ctx context.Context, snapshot domain.RoomSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.rooms[snapshot.ID] = snapshot
	return nil
}

func (s *MemoryRoomStore) Get(ctx context.Context, id domain.RoomID) (*domain.RoomSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, exists := s.rooms[id]
	if !exists {
		return nil, fmt.Errorf("room %s: %w", id, domain.ErrRoomNotFound)
	}
	return &snapshot, nil
}

func (s *MemoryRoomStore) Delete(ctx context.Context, id domain.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.rooms, id)
	return nil
}

func (s *MemoryRoomStore) List(ctx context.Context) ([]domain.RoomSnapshot, error) {
	s.mu.RLock()
	out := make([]domain.RoomSnapshot, 0, len(s.rooms))
	for _, snapshot := range s.rooms {
		out = append(out, snapshot)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
