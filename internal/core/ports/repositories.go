package ports

import (
	"context"

	"mediarelay/internal/core/domain"
)

// RoomStore mirrors room state for operators. It is never read back to
// rebuild rooms.
type RoomStore interface {
	Save(ctx context.Context, snapshot domain.RoomSnapshot) error
	Get(ctx context.Context, id domain.RoomID) (*domain.RoomSnapshot, error)
	Delete(ctx context.Context, id domain.RoomID) error
	List(ctx context.Context) ([]domain.RoomSnapshot, error)
}
