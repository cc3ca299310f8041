package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"mediarelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// newTestStore connects to $REDIS_ADDR; the test is skipped without it.
func newTestStore(t *testing.T) *RedisRoomStore {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client, err := NewRedisClient(addr, "", 15, 4, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.FlushDB(context.Background()).Err()
		_ = CloseRedisClient(client)
	})
	return NewRedisRoomStore(client).(*RedisRoomStore)
}

func TestRedisRoomStore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, domain.RoomSnapshot{ID: "R2", Shards: 1, Participants: 1, UpdatedAt: at}))
	require.NoError(t, store.Save(ctx, domain.RoomSnapshot{ID: "R1", Shards: 2, Participants: 401, Producers: 3, UpdatedAt: at}))

	got, err := store.Get(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoomSnapshot{ID: "R1", Shards: 2, Participants: 401, Producers: 3, UpdatedAt: at}, *got)

	fields, err := store.client.HGetAll(ctx, "room:R1").Result()
	require.NoError(t, err)
	assert.Equal(t, "401", fields["participants"])

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.RoomID("R1"), list[0].ID)

	require.NoError(t, store.Delete(ctx, "R1"))
	_, err = store.Get(ctx, "R1")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	list, err = store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestParseSnapshot(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]string
		want    domain.RoomSnapshot
		wantErr bool
	}{
		{
			name:   "complete",
			fields: map[string]string{"shards": "2", "participants": "5", "producers": "1", "updated_at": "2024-01-01T12:00:00Z"},
			want:   domain.RoomSnapshot{ID: "R1", Shards: 2, Participants: 5, Producers: 1, UpdatedAt: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)},
		},
		{
			name:   "missing fields stay zero",
			fields: map[string]string{"id": "R1"},
			want:   domain.RoomSnapshot{ID: "R1"},
		},
		{
			name:    "bad counter",
			fields:  map[string]string{"participants": "many"},
			wantErr: true,
		},
		{
			name:    "bad timestamp",
			fields:  map[string]string{"updated_at": "yesterday"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSnapshot("R1", tt.fields)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, *got)
		})
	}
}
