package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const (
	roomKeyPrefix = "room:"
	roomIndexKey  = "mediarelay:rooms"
)

// RedisRoomStore mirrors each room into a hash room:<id> and keeps the ids in
// a set for listing.
type RedisRoomStore struct {
	client *redis.Client
}

func NewRedisRoomStore(client *redis.Client) ports.RoomStore {
	return &RedisRoomStore{client: client}
}

func roomKey(id domain.RoomID) string {
	return roomKeyPrefix + string(id)
}

func (s *RedisRoomStore) Save(ctx context.Context, snapshot domain.RoomSnapshot) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, roomKey(snapshot.ID),
			"id", string(snapshot.ID),
			"shards", snapshot.Shards,
			"participants", snapshot.Participants,
			"producers", snapshot.Producers,
			"updated_at", snapshot.UpdatedAt.UTC().Format(time.RFC3339Nano),
		)
		pipe.SAdd(ctx, roomIndexKey, string(snapshot.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save room in Redis: %w", err)
	}
	return nil
}

func (s *RedisRoomStore) Get(ctx context.Context, id domain.RoomID) (*domain.RoomSnapshot, error) {
	fields, err := s.client.HGetAll(ctx, roomKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get room from Redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("room %s: %w", id, domain.ErrRoomNotFound)
	}
	return parseSnapshot(id, fields)
}

func parseSnapshot(id domain.RoomID, fields map[string]string) (*domain.RoomSnapshot, error) {
	snapshot := &domain.RoomSnapshot{ID: id}
	ints := map[string]*int{
		"shards":       &snapshot.Shards,
		"participants": &snapshot.Participants,
		"producers":    &snapshot.Producers,
	}
	for name, dst := range ints {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("room %s has invalid %s %q", id, name, raw)
		}
		*dst = v
	}
	if raw, ok := fields["updated_at"]; ok {
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("room %s has invalid updated_at %q", id, raw)
		}
		snapshot.UpdatedAt = at
	}
	return snapshot, nil
}

func (s *RedisRoomStore) Delete(ctx context.Context, id domain.RoomID) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, roomKey(id))
		pipe.SRem(ctx, roomIndexKey, string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete room from Redis: %w", err)
	}
	return nil
}

func (s *RedisRoomStore) List(ctx context.Context) ([]domain.RoomSnapshot, error) {
	ids, err := s.client.SMembers(ctx, roomIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms from Redis: %w", err)
	}
	sort.Strings(ids)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, roomKey(domain.RoomID(id)))
	}
	if len(ids) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to list rooms from Redis: %w", err)
		}
	}

	out := make([]domain.RoomSnapshot, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// index entry outlived its hash
			continue
		}
		snapshot, err := parseSnapshot(domain.RoomID(ids[i]), fields)
		if err != nil {
			return nil, err
		}
		out = append(out, *snapshot)
	}
	return out, nil
}
