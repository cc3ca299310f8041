package monitoring

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/ports"
	"mediarelay/internal/core/services"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gather flattens the registry into "name{label=value,...}" -> value.
func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := make([]string, 0, len(m.GetLabel()))
			for _, l := range m.GetLabel() {
				labels = append(labels, l.GetName()+"="+l.GetValue())
			}
			key := mf.GetName()
			if len(labels) > 0 {
				key += "{" + strings.Join(labels, ",") + "}"
			}
			switch {
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			}
		}
	}
	return out
}

func TestPrometheusCollector_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)
	var _ ports.Metrics = c

	c.RelayAttempt("http://b:5000", "success")
	c.RelayAttempt("http://b:5000", "success")
	c.RelayAttempt("http://c:5000", "blacklisted")
	c.ShardCreateAttempt(services.ShardCreateFailure)
	c.SetWorkerLoad("worker-0-1", 3)
	c.SetWorkerLoad("worker-1-2", 1)
	c.WorkerRestarted("worker-1-2")

	got := gather(t, reg)
	assert.Equal(t, 2.0, got["relay_attempts_total{destination=http://b:5000,result=success}"])
	assert.Equal(t, 1.0, got["relay_attempts_total{destination=http://c:5000,result=blacklisted}"])
	assert.Equal(t, 1.0, got["shard_create_attempts_total{result=failure}"])
	assert.Equal(t, 3.0, got["worker_load{worker_id=worker-0-1}"])
	assert.Equal(t, 1.0, got["worker_restarts_total"])

	_, stale := got["worker_load{worker_id=worker-1-2}"]
	assert.False(t, stale, "a replaced worker stops being reported")
}

func TestPrometheusCollector_RoomGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	stats := []services.RoomStats{
		{RoomID: "A", Participants: 2, Producers: map[domain.MediaType]int{domain.MediaTypeVideo: 1, domain.MediaTypeScreen: 1}},
		{RoomID: "B", Participants: 1, Producers: map[domain.MediaType]int{}},
	}
	require.NoError(t, c.WatchRooms(func() []services.RoomStats { return stats }))
	connections := 3
	require.NoError(t, c.WatchConnections(func() int { return connections }))

	got := gather(t, reg)
	assert.Equal(t, 2.0, got["room_count"])
	assert.Equal(t, 2.0, got["peer_count{room_id=A}"])
	assert.Equal(t, 1.0, got["producer_video_count{room_id=A}"])
	assert.Equal(t, 0.0, got["producer_audio_count{room_id=A}"])
	assert.Equal(t, 1.0, got["producer_screen_count{room_id=A}"])
	assert.Equal(t, 1.0, got["peer_count{room_id=B}"])
	assert.Equal(t, 3.0, got["signal_connections"])

	// gauges follow the room manager between scrapes
	stats = stats[:1]
	connections = 0
	got = gather(t, reg)
	assert.Equal(t, 1.0, got["room_count"])
	_, gone := got["peer_count{room_id=B}"]
	assert.False(t, gone)
	assert.Equal(t, 0.0, got["signal_connections"])
}

type stubWorker struct {
	id  domain.WorkerID
	err error
}

func (w stubWorker) ID() domain.WorkerID { return w.id }
func (w stubWorker) ResourceUsage(context.Context) (domain.WorkerUsage, error) {
	return domain.WorkerUsage{Uptime: time.Second}, w.err
}
func (w stubWorker) CreateRouter(context.Context, []domain.Codec) (ports.Router, error) {
	return nil, errors.New("not supported")
}
func (w stubWorker) OnDied(func(error)) {}
func (w stubWorker) Close() error       { return nil }

func TestHealthChecker(t *testing.T) {
	tests := []struct {
		name    string
		workers []ports.Worker
		status  string
		detail  string
	}{
		{
			name:    "all workers answer",
			workers: []ports.Worker{stubWorker{id: "w1"}, stubWorker{id: "w2"}},
			status:  "healthy",
			detail:  "healthy",
		},
		{
			name:    "dead worker",
			workers: []ports.Worker{stubWorker{id: "w1"}, stubWorker{id: "w2", err: domain.ErrWorkerUnavailable}},
			status:  "unhealthy",
			detail:  "worker w2: no worker available",
		},
		{
			name:   "empty pool",
			status: "unhealthy",
			detail: "no media workers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthChecker()
			h.AddWorkerCheck(func() []ports.Worker { return tt.workers }, time.Second)

			status := h.CheckAll(context.Background())
			assert.Equal(t, tt.status, status.Status)
			assert.Equal(t, tt.detail, status.Checks["workers"])
			assert.Equal(t, tt.status == "healthy", h.IsReady(context.Background()))
		})
	}
}

func TestHealthChecker_Timeout(t *testing.T) {
	h := NewHealthChecker()
	h.AddCheck("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 10*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, context.DeadlineExceeded.Error(), status.Checks["slow"])
}
