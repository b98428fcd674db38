package bridge

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll cycle outcomes, used as the result label on pollCycles.
const (
	resultSuccess = "success"
	resultSkipped = "skipped"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	pollCycles    *prometheus.CounterVec
	publishErrors prometheus.Counter
	lastSuccess   prometheus.Gauge
	cycleDuration prometheus.Histogram
)

func initMetrics() {
	registerOnce.Do(func() {
		pollCycles = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bmwcd_bridge_poll_cycles_total",
			Help: "Poll cycles by result.",
		}, []string{"result"})

		publishErrors = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bmwcd_bridge_publish_errors_total",
			Help: "MQTT publishes that failed or timed out.",
		})

		lastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bmwcd_bridge_last_success_timestamp_seconds",
			Help: "Unix time of the last successful poll cycle.",
		})

		cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bmwcd_bridge_cycle_duration_seconds",
			Help:    "Wall time spent refreshing and publishing telemetry.",
			Buckets: prometheus.DefBuckets,
		})

		prometheus.MustRegister(pollCycles, publishErrors, lastSuccess, cycleDuration)
	})
}

// Skipped cycles never touched the portal; timing them would drown the
// histogram in near-zero samples.
func observeCycle(result string, elapsed time.Duration) {
	pollCycles.WithLabelValues(result).Inc()
	if result != resultSkipped {
		cycleDuration.Observe(elapsed.Seconds())
	}
}

// MetricsHandler returns the Prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	initMetrics()
	return promhttp.Handler()
}
