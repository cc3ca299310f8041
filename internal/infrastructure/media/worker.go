package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"

	"go.uber.org/zap"
)

// Worker is an in-process media worker. Its forwarding loops account the
// time they spend moving packets: dispatch counts as user time, socket writes
// as system time.
type Worker struct {
	id      domain.WorkerID
	cfg     Config
	started time.Time
	logger  *zap.SugaredLogger

	userNanos   atomic.Int64
	systemNanos atomic.Int64

	mu      sync.Mutex
	routers map[domain.RouterID]*Router
	onDied  []func(err error)
	dead    bool
	closed  bool
}

func NewWorker(id domain.WorkerID, cfg Config, logger *zap.SugaredLogger) *Worker {
	return &Worker{
		id:      id,
		cfg:     cfg,
		started: time.Now(),
		logger:  logger.With("worker_id", id),
		routers: make(map[domain.RouterID]*Router),
	}
}

func (w *Worker) ID() domain.WorkerID {
	return w.id
}

func (w *Worker) ResourceUsage(ctx context.Context) (domain.WorkerUsage, error) {
	if err := ctx.Err(); err != nil {
		return domain.WorkerUsage{}, err
	}
	w.mu.Lock()
	gone := w.closed || w.dead
	w.mu.Unlock()
	if gone {
		return domain.WorkerUsage{}, fmt.Errorf("worker %s: %w", w.id, domain.ErrWorkerUnavailable)
	}
	return domain.WorkerUsage{
		UserTime:   time.Duration(w.userNanos.Load()),
		SystemTime: time.Duration(w.systemNanos.Load()),
		Uptime:     time.Since(w.started),
	}, nil
}

func (w *Worker) CreateRouter(ctx context.Context, codecs []domain.Codec) (ports.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	api, err := newAPI(w.cfg, codecs)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.dead {
		return nil, fmt.Errorf("worker %s: %w", w.id, domain.ErrWorkerUnavailable)
	}
	r := newRouter(w, api, codecs)
	w.routers[r.id] = r
	w.logger.Debugw("router created", "router_id", r.id)
	return r, nil
}

func (w *Worker) OnDied(fn func(err error)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onDied = append(w.onDied, fn)
}

func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	routers := w.detachRouters()
	w.mu.Unlock()

	for _, r := range routers {
		_ = r.Close()
	}
	w.logger.Infow("worker closed")
	return nil
}

// detachRouters empties the router table. Callers hold w.mu.
func (w *Worker) detachRouters() []*Router {
	out := make([]*Router, 0, len(w.routers))
	for _, r := range w.routers {
		out = append(out, r)
	}
	w.routers = make(map[domain.RouterID]*Router)
	return out
}

func (w *Worker) removeRouter(id domain.RouterID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.routers, id)
}

// die marks the worker dead, closes its routers and fires the died
// callbacks once.
func (w *Worker) die(err error) {
	w.mu.Lock()
	if w.dead || w.closed {
		w.mu.Unlock()
		return
	}
	w.dead = true
	routers := w.detachRouters()
	callbacks := w.onDied
	w.onDied = nil
	w.mu.Unlock()

	w.logger.Errorw("worker died", "error", err)
	for _, r := range routers {
		_ = r.Close()
	}
	for _, fn := range callbacks {
		fn(err)
	}
}

// run starts a forwarding loop. A panic inside it kills the worker.
func (w *Worker) run(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				w.die(fmt.Errorf("panic in %s: %v", name, r))
			}
		}()
		fn()
	}()
}

func (w *Worker) accountUser(start time.Time) {
	w.userNanos.Add(int64(time.Since(start)))
}

func (w *Worker) accountSystem(start time.Time) {
	w.systemNanos.Add(int64(time.Since(start)))
}

// Factory spawns workers for the load balancer.
type Factory struct {
	cfg    Config
	logger *zap.SugaredLogger
	spawns atomic.Int64
}

func NewFactory(cfg Config, logger *zap.SugaredLogger) *Factory {
	return &Factory{cfg: cfg, logger: logger}
}

func (f *Factory) NewWorker(ctx context.Context, slot int) (ports.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n := f.spawns.Add(1)
	return NewWorker(domain.WorkerID(fmt.Sprintf("worker-%d-%d", slot, n)), f.cfg, f.logger), nil
}

// Pool spawns the initial workers.
func (f *Factory) Pool(ctx context.Context, size int) ([]ports.Worker, error) {
	workers := make([]ports.Worker, 0, size)
	for slot := 0; slot < size; slot++ {
		w, err := f.NewWorker(ctx, slot)
		if err != nil {
			for _, started := range workers {
				_ = started.Close()
			}
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}
