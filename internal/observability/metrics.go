package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	sessionsConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "tether",
			Subsystem: "session",
			Name:      "connected",
			Help:      "Number of sessions currently in the Connected state.",
		},
	)
	reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "session",
			Name:      "reconnect_attempts_total",
			Help:      "Connect attempts per account and outcome.",
		},
		[]string{"account", "outcome"},
	)
	inboundFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "dispatch",
			Name:      "inbound_frames_total",
			Help:      "Inbound message frames by classified category.",
		},
		[]string{"account", "category"},
	)
	dedupDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "dispatch",
			Name:      "dedup_drops_total",
			Help:      "Frames dropped as duplicates within the dedup horizon.",
		},
		[]string{"account"},
	)
	debounceOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "dispatch",
			Name:      "debounce_outcomes_total",
			Help:      "Debounce slot outcomes (fired or superseded).",
		},
		[]string{"account", "outcome"},
	)
	refreshOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "creds",
			Name:      "refresh_outcomes_total",
			Help:      "Credential refresh attempts by outcome.",
		},
		[]string{"account", "outcome"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tether",
			Subsystem: "ops",
			Name:      "requests_total",
			Help:      "Total ops HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tether",
			Subsystem: "ops",
			Name:      "request_duration_seconds",
			Help:      "Ops HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			sessionsConnected, reconnectAttempts, inboundFrames,
			dedupDrops, debounceOutcomes, refreshOutcomes,
			httpRequests, httpDuration,
		)
	})
}

func SessionConnected(up bool) {
	RegisterMetrics()
	if up {
		sessionsConnected.Inc()
		return
	}
	sessionsConnected.Dec()
}

func RecordReconnect(account, outcome string) {
	RegisterMetrics()
	reconnectAttempts.WithLabelValues(account, outcome).Inc()
}

func RecordInboundFrame(account, category string) {
	RegisterMetrics()
	inboundFrames.WithLabelValues(account, category).Inc()
}

func RecordDedupDrop(account string) {
	RegisterMetrics()
	dedupDrops.WithLabelValues(account).Inc()
}

func RecordDebounce(account, outcome string) {
	RegisterMetrics()
	debounceOutcomes.WithLabelValues(account, outcome).Inc()
}

func RecordRefresh(account, outcome string) {
	RegisterMetrics()
	refreshOutcomes.WithLabelValues(account, outcome).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
