package monitoring

import (
	"context"
	"fmt"
	"time"

	"mediarelay/internal/core/ports"
)

// AddWorkerCheck fails when any media worker cannot report its resource usage.
func (h *HealthChecker) AddWorkerCheck(workers func() []ports.Worker, timeout time.Duration) {
	h.AddCheck("workers", func(ctx context.Context) error {
		pool := workers()
		if len(pool) == 0 {
			return fmt.Errorf("no media workers")
		}
		for _, w := range pool {
			if _, err := w.ResourceUsage(ctx); err != nil {
				return fmt.Errorf("worker %s: %w", w.ID(), err)
			}
		}
		return nil
	}, timeout)
}

// AddRoomStoreCheck verifies the room mirror answers.
func (h *HealthChecker) AddRoomStoreCheck(store ports.RoomStore, timeout time.Duration) {
	h.AddCheck("room_store", func(ctx context.Context) error {
		_, err := store.List(ctx)
		return err
	}, timeout)
}
