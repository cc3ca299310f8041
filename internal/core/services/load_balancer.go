package services

import (
	"context"
	"fmt"
	"sync"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type WorkerLoad struct {
	Slot     int             `json:"slot"`
	WorkerID domain.WorkerID `json:"workerId"`
	Load     int             `json:"load"`
}

// LoadBalancer owns the worker pool and the number of shards bound to each
// worker. A worker that dies is replaced in its slot; shards bound to it are
// not migrated.
type LoadBalancer struct {
	mu      sync.RWMutex
	slots   []ports.Worker
	load    map[domain.WorkerID]int
	factory ports.WorkerFactory
	metrics ports.Metrics
	logger  *zap.SugaredLogger

	// ctx bounds replacement spawns.
	ctx context.Context
}

func NewLoadBalancer(
	ctx context.Context,
	workers []ports.Worker,
	factory ports.WorkerFactory,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
) *LoadBalancer {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	lb := &LoadBalancer{
		slots:   make([]ports.Worker, len(workers)),
		load:    make(map[domain.WorkerID]int, len(workers)),
		factory: factory,
		metrics: metrics,
		logger:  logger,
		ctx:     ctx,
	}
	for slot, w := range workers {
		lb.slots[slot] = w
		lb.load[w.ID()] = 0
		lb.watch(slot, w)
	}
	return lb
}

func (lb *LoadBalancer) watch(slot int, w ports.Worker) {
	w.OnDied(func(err error) {
		lb.replace(slot, w, err)
	})
}

func (lb *LoadBalancer) replace(slot int, dead ports.Worker, cause error) {
	lb.logger.Errorw("media worker died",
		"worker_id", dead.ID(),
		"slot", slot,
		"error", cause,
	)

	lb.mu.Lock()
	if slot >= len(lb.slots) || lb.slots[slot] != dead {
		lb.mu.Unlock()
		return
	}
	lb.slots[slot] = nil
	delete(lb.load, dead.ID())
	lb.mu.Unlock()

	if lb.factory == nil {
		return
	}

	fresh, err := lb.factory.NewWorker(lb.ctx, slot)
	if err != nil {
		lb.logger.Errorw("failed to spawn replacement worker",
			"slot", slot,
			"error", err,
		)
		return
	}

	lb.mu.Lock()
	lb.slots[slot] = fresh
	lb.load[fresh.ID()] = 0
	lb.mu.Unlock()

	lb.watch(slot, fresh)
	lb.metrics.WorkerRestarted(fresh.ID())
	lb.metrics.SetWorkerLoad(fresh.ID(), 0)
	lb.logger.Infow("media worker replaced",
		"slot", slot,
		"worker_id", fresh.ID(),
	)
}

// Workers returns the live workers in slot order.
func (lb *LoadBalancer) Workers() []ports.Worker {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	workers := make([]ports.Worker, 0, len(lb.slots))
	for _, w := range lb.slots {
		if w != nil {
			workers = append(workers, w)
		}
	}
	return workers
}

// SelectByLeastConnections returns the worker with the lowest recorded load.
// Ties go to the lowest slot.
func (lb *LoadBalancer) SelectByLeastConnections() (ports.Worker, bool) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	var (
		best     ports.Worker
		bestLoad int
	)
	for _, w := range lb.slots {
		if w == nil {
			continue
		}
		load := lb.load[w.ID()]
		if best == nil || load < bestLoad {
			best, bestLoad = w, load
		}
	}
	return best, best != nil
}

// SelectByLeastCPU samples every worker concurrently and returns the one with
// the lowest cumulative user+system time. A single sampling failure fails the
// whole selection.
func (lb *LoadBalancer) SelectByLeastCPU(ctx context.Context) (ports.Worker, error) {
	workers := lb.Workers()
	if len(workers) == 0 {
		return nil, domain.ErrWorkerUnavailable
	}

	usages := make([]domain.WorkerUsage, len(workers))
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range workers {
		i, w := i, w
		g.Go(func() error {
			usage, err := w.ResourceUsage(gctx)
			if err != nil {
				return samplingError(w, err)
			}
			usages[i] = usage
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return leastBusy(workers, usages), nil
}

// selectByLeastCPUSequential samples one worker at a time. It picks the same
// worker as SelectByLeastCPU for the same samples.
func (lb *LoadBalancer) selectByLeastCPUSequential(ctx context.Context) (ports.Worker, error) {
	workers := lb.Workers()
	if len(workers) == 0 {
		return nil, domain.ErrWorkerUnavailable
	}

	usages := make([]domain.WorkerUsage, len(workers))
	for i, w := range workers {
		usage, err := w.ResourceUsage(ctx)
		if err != nil {
			return nil, samplingError(w, err)
		}
		usages[i] = usage
	}
	return leastBusy(workers, usages), nil
}

func leastBusy(workers []ports.Worker, usages []domain.WorkerUsage) ports.Worker {
	best := 0
	for i := 1; i < len(usages); i++ {
		if cpuTime(usages[i]) < cpuTime(usages[best]) {
			best = i
		}
	}
	return workers[best]
}

func cpuTime(u domain.WorkerUsage) int64 {
	return int64(u.UserTime + u.SystemTime)
}

func samplingError(w ports.Worker, err error) error {
	return fmt.Errorf("worker %s: %w: %w", w.ID(), domain.ErrResourceSampling, err)
}

// AdjustLoad is the only mutator of the load table. Load never drops below
// zero; unknown workers are ignored.
func (lb *LoadBalancer) AdjustLoad(w ports.Worker, delta int) {
	if w == nil {
		return
	}

	lb.mu.Lock()
	current, ok := lb.load[w.ID()]
	if !ok {
		lb.mu.Unlock()
		return
	}
	next := current + delta
	if next < 0 {
		next = 0
	}
	lb.load[w.ID()] = next
	lb.mu.Unlock()

	lb.metrics.SetWorkerLoad(w.ID(), next)
}

// Load returns the recorded load of a worker.
func (lb *LoadBalancer) Load(id domain.WorkerID) int {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	return lb.load[id]
}

func (lb *LoadBalancer) Snapshot() []WorkerLoad {
	lb.mu.RLock()
	defer lb.mu.RUnlock()

	out := make([]WorkerLoad, 0, len(lb.slots))
	for slot, w := range lb.slots {
		if w == nil {
			continue
		}
		out = append(out, WorkerLoad{Slot: slot, WorkerID: w.ID(), Load: lb.load[w.ID()]})
	}
	return out
}

// Close closes every worker in the pool.
func (lb *LoadBalancer) Close() {
	for _, w := range lb.Workers() {
		if err := w.Close(); err != nil {
			lb.logger.Warnw("failed to close worker", "worker_id", w.ID(), "error", err)
		}
	}
}
