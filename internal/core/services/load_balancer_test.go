package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newBalancer(t *testing.T, workers ...*fakeWorker) (*LoadBalancer, *fakeWorkerFactory, *recordingMetrics) {
	t.Helper()
	pool := make([]ports.Worker, len(workers))
	for i, w := range workers {
		pool[i] = w
	}
	factory := &fakeWorkerFactory{}
	metrics := newRecordingMetrics()
	return NewLoadBalancer(context.Background(), pool, factory, metrics, zaptest.NewLogger(t).Sugar()), factory, metrics
}

func TestLoadBalancer_SelectByLeastConnections(t *testing.T) {
	w1, w2, w3 := newFakeWorker("w1"), newFakeWorker("w2"), newFakeWorker("w3")
	lb, _, _ := newBalancer(t, w1, w2, w3)

	got, ok := lb.SelectByLeastConnections()
	require.True(t, ok)
	assert.Equal(t, w1.ID(), got.ID(), "ties go to the first slot")

	lb.AdjustLoad(w1, +2)
	lb.AdjustLoad(w2, +1)
	got, _ = lb.SelectByLeastConnections()
	assert.Equal(t, w3.ID(), got.ID())

	lb.AdjustLoad(w3, +1)
	got, _ = lb.SelectByLeastConnections()
	assert.Equal(t, w2.ID(), got.ID(), "w2 and w3 tie at 1, w2 has the lower slot")
}

func TestLoadBalancer_SelectByLeastConnections_EmptyPool(t *testing.T) {
	lb, _, _ := newBalancer(t)
	_, ok := lb.SelectByLeastConnections()
	assert.False(t, ok)
}

func TestLoadBalancer_SelectByLeastCPU(t *testing.T) {
	tests := []struct {
		name string
		cpu  []time.Duration // user time per worker, system time is zero
		want int
	}{
		{name: "single worker", cpu: []time.Duration{5 * time.Second}, want: 0},
		{name: "lowest wins", cpu: []time.Duration{5 * time.Second, time.Second, 3 * time.Second}, want: 1},
		{name: "ties go to first slot", cpu: []time.Duration{2 * time.Second, time.Second, time.Second}, want: 1},
		{name: "all idle", cpu: []time.Duration{0, 0, 0}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			workers := make([]*fakeWorker, len(tt.cpu))
			for i, cpu := range tt.cpu {
				workers[i] = newFakeWorker(string(rune('a' + i)))
				workers[i].setCPU(cpu, 0, time.Hour)
			}
			lb, _, _ := newBalancer(t, workers...)

			parallel, err := lb.SelectByLeastCPU(context.Background())
			require.NoError(t, err)
			sequential, err := lb.selectByLeastCPUSequential(context.Background())
			require.NoError(t, err)

			assert.Equal(t, workers[tt.want].ID(), parallel.ID())
			assert.Equal(t, parallel.ID(), sequential.ID())
		})
	}
}

func TestLoadBalancer_SelectByLeastCPU_CountsSystemTime(t *testing.T) {
	w1, w2 := newFakeWorker("w1"), newFakeWorker("w2")
	w1.setCPU(time.Second, 4*time.Second, time.Hour)
	w2.setCPU(3*time.Second, 0, time.Hour)
	lb, _, _ := newBalancer(t, w1, w2)

	got, err := lb.SelectByLeastCPU(context.Background())
	require.NoError(t, err)
	assert.Equal(t, w2.ID(), got.ID())
}

func TestLoadBalancer_SelectByLeastCPU_SamplingFailure(t *testing.T) {
	w1, w2 := newFakeWorker("w1"), newFakeWorker("w2")
	boom := errors.New("proc read failed")
	w2.setUsageErr(boom)
	lb, _, _ := newBalancer(t, w1, w2)

	_, err := lb.SelectByLeastCPU(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrResourceSampling)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "w2")

	_, err = lb.selectByLeastCPUSequential(context.Background())
	assert.ErrorIs(t, err, domain.ErrResourceSampling)
}

func TestLoadBalancer_SelectByLeastCPU_EmptyPool(t *testing.T) {
	lb, _, _ := newBalancer(t)
	_, err := lb.SelectByLeastCPU(context.Background())
	assert.ErrorIs(t, err, domain.ErrWorkerUnavailable)
}

func TestLoadBalancer_AdjustLoad(t *testing.T) {
	w1 := newFakeWorker("w1")
	lb, _, metrics := newBalancer(t, w1)

	lb.AdjustLoad(w1, +1)
	lb.AdjustLoad(w1, +1)
	assert.Equal(t, 2, lb.Load(w1.ID()))

	lb.AdjustLoad(w1, -5)
	assert.Equal(t, 0, lb.Load(w1.ID()), "load never drops below zero")
	assert.Equal(t, 0, metrics.load[w1.ID()])

	lb.AdjustLoad(newFakeWorker("stranger"), +1)
	assert.Equal(t, 0, lb.Load("stranger"))
	lb.AdjustLoad(nil, +1)

	snapshot := lb.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, WorkerLoad{Slot: 0, WorkerID: "w1", Load: 0}, snapshot[0])
}

func TestLoadBalancer_ReplacesDeadWorker(t *testing.T) {
	w1, w2 := newFakeWorker("w1"), newFakeWorker("w2")
	lb, factory, metrics := newBalancer(t, w1, w2)
	lb.AdjustLoad(w2, +3)

	w2.die(errors.New("segfault"))

	workers := lb.Workers()
	require.Len(t, workers, 2)
	assert.Equal(t, w1.ID(), workers[0].ID())
	require.Len(t, factory.spawned, 1)
	assert.Equal(t, factory.spawned[0].ID(), workers[1].ID(), "replacement takes the dead worker's slot")
	assert.Equal(t, 0, lb.Load(workers[1].ID()))
	assert.Equal(t, 0, lb.Load(w2.ID()))
	assert.Equal(t, 1, metrics.restarts)

	// load adjustments for shards still bound to the dead worker are ignored
	lb.AdjustLoad(w2, -1)
	assert.Equal(t, 0, lb.Load(w2.ID()))

	// the replacement is watched as well
	factory.spawned[0].die(errors.New("again"))
	assert.Len(t, factory.spawned, 2)
	assert.Equal(t, 2, metrics.restarts)
}

func TestLoadBalancer_DeadWorkerWithoutReplacement(t *testing.T) {
	w1, w2 := newFakeWorker("w1"), newFakeWorker("w2")
	lb, factory, _ := newBalancer(t, w1, w2)
	factory.err = errors.New("spawn failed")

	w1.die(errors.New("oom"))

	workers := lb.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, w2.ID(), workers[0].ID())

	got, ok := lb.SelectByLeastConnections()
	require.True(t, ok)
	assert.Equal(t, w2.ID(), got.ID())
}

func TestLoadBalancer_Close(t *testing.T) {
	w1, w2 := newFakeWorker("w1"), newFakeWorker("w2")
	lb, _, _ := newBalancer(t, w1, w2)
	lb.Close()
	assert.True(t, w1.closed)
	assert.True(t, w2.closed)
}
