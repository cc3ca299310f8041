package monitoring

import (
	"mediarelay/internal/core/domain"
	"mediarelay/internal/core/services"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector implements ports.Metrics and exports the room gauges.
type PrometheusCollector struct {
	workerLoad          *prometheus.GaugeVec
	relayAttempts       *prometheus.CounterVec
	shardCreateAttempts *prometheus.CounterVec
	workerRestarts      prometheus.Counter
	registerer          prometheus.Registerer
}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &PrometheusCollector{
		workerLoad: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "worker_load",
			Help: "Number of shards bound to each media worker",
		}, []string{"worker_id"}),

		relayAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_attempts_total",
			Help: "Remote fan-out attempts per destination and result",
		}, []string{"destination", "result"}),

		shardCreateAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shard_create_attempts_total",
			Help: "Shard creation attempts by result",
		}, []string{"result"}),

		workerRestarts: factory.NewCounter(prometheus.CounterOpts{
			Name: "worker_restarts_total",
			Help: "Media workers replaced after dying",
		}),

		registerer: reg,
	}
}

func (p *PrometheusCollector) RelayAttempt(dest domain.Destination, result string) {
	p.relayAttempts.WithLabelValues(string(dest), result).Inc()
}

func (p *PrometheusCollector) ShardCreateAttempt(result string) {
	p.shardCreateAttempts.WithLabelValues(result).Inc()
}

func (p *PrometheusCollector) WorkerRestarted(workerID domain.WorkerID) {
	p.workerRestarts.Inc()
	p.workerLoad.DeleteLabelValues(string(workerID))
}

func (p *PrometheusCollector) SetWorkerLoad(workerID domain.WorkerID, load int) {
	p.workerLoad.WithLabelValues(string(workerID)).Set(float64(load))
}

// WatchRooms exports the room gauges, sampled from stats on every scrape.
func (p *PrometheusCollector) WatchRooms(stats func() []services.RoomStats) error {
	return p.registerer.Register(newRoomCollector(stats))
}

// WatchConnections exports the number of open signaling sockets.
func (p *PrometheusCollector) WatchConnections(count func() int) error {
	return p.registerer.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "signal_connections",
		Help: "Open signaling websockets",
	}, func() float64 { return float64(count()) }))
}

type roomCollector struct {
	stats     func() []services.RoomStats
	rooms     *prometheus.Desc
	peers     *prometheus.Desc
	producers map[domain.MediaType]*prometheus.Desc
}

func newRoomCollector(stats func() []services.RoomStats) *roomCollector {
	room := []string{"room_id"}
	return &roomCollector{
		stats: stats,
		rooms: prometheus.NewDesc("room_count", "Number of rooms on this server", nil, nil),
		peers: prometheus.NewDesc("peer_count", "Participants per room", room, nil),
		producers: map[domain.MediaType]*prometheus.Desc{
			domain.MediaTypeVideo:  prometheus.NewDesc("producer_video_count", "Camera producers per room", room, nil),
			domain.MediaTypeAudio:  prometheus.NewDesc("producer_audio_count", "Microphone producers per room", room, nil),
			domain.MediaTypeScreen: prometheus.NewDesc("producer_screen_count", "Screen share producers per room", room, nil),
		},
	}
}

func (c *roomCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rooms
	ch <- c.peers
	for _, desc := range c.producers {
		ch <- desc
	}
}

func (c *roomCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.stats()
	ch <- prometheus.MustNewConstMetric(c.rooms, prometheus.GaugeValue, float64(len(stats)))
	for _, s := range stats {
		id := string(s.RoomID)
		ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue, float64(s.Participants), id)
		for mediaType, desc := range c.producers {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(s.Producers[mediaType]), id)
		}
	}
}
