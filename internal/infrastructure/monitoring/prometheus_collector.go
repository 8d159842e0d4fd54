package monitoring

import (
	"time"

	"voxhub/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type PrometheusCollector struct {
	// Gauges
	mediaWorkers       prometheus.Gauge
	roomsActive        prometheus.Gauge
	peersConnected     prometheus.Gauge
	signalConnections  prometheus.Gauge

	// Per-room peer counts
	roomPeerCount *prometheus.GaugeVec

	// Signaling request metrics
	signalRequestsTotal   *prometheus.CounterVec
	signalRequestDuration *prometheus.HistogramVec
}

func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		mediaWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxhub_media_workers",
			Help: "Number of live media workers",
		}),

		roomsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxhub_rooms_active_total",
			Help: "Number of active rooms",
		}),

		peersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxhub_peers_connected_total",
			Help: "Number of peers joined to rooms",
		}),

		signalConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voxhub_signal_connections",
			Help: "Number of open signaling connections",
		}),

		roomPeerCount: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voxhub_room_peer_count",
			Help: "Number of peers in each room",
		}, []string{"room_id"}),

		signalRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voxhub_signal_requests_total",
			Help: "Signaling requests by method and outcome",
		}, []string{"method", "status"}),

		signalRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voxhub_signal_request_duration_seconds",
			Help:    "Signaling request handling duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method"}),
	}
}

// UpdateHubStats refreshes the gauges from a stats snapshot. Rooms that
// disappeared since the last snapshot keep their stale series until the next
// scrape cycle; Reset clears them first.
func (p *PrometheusCollector) UpdateHubStats(stats domain.HubStats) {
	p.mediaWorkers.Set(float64(stats.Workers))
	p.roomsActive.Set(float64(stats.Rooms))
	p.peersConnected.Set(float64(stats.Peers))

	p.roomPeerCount.Reset()
	for _, room := range stats.Details {
		p.roomPeerCount.WithLabelValues(string(room.ID)).Set(float64(room.PeerCount))
	}
}

// ObserveSignalRequest records one handled signaling request.
func (p *PrometheusCollector) ObserveSignalRequest(method string, success bool, duration time.Duration) {
	status := "ok"
	if !success {
		status = "error"
	}
	p.signalRequestsTotal.WithLabelValues(method, status).Inc()
	p.signalRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// SetConnections tracks the number of open signaling connections.
func (p *PrometheusCollector) SetConnections(n int) {
	p.signalConnections.Set(float64(n))
}
