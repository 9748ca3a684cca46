// Package metrics exposes the optimizer's Prometheus collectors. Label sets
// are kept small: command kinds, outcomes and driver names are all drawn from
// fixed vocabularies.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Ticks counts driver runs by driver (tick, pulse, archive) and outcome
	// (ok, partial, skipped, busy, failed).
	Ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qbo_runs_total",
			Help: "Total number of driver runs by outcome.",
		},
		[]string{"driver", "outcome"},
	)

	TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qbo_run_duration_seconds",
			Help:    "Duration of driver runs in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900},
		},
		[]string{"driver"},
	)

	// Commands counts client commands by kind and result.
	Commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qbo_commands_total",
			Help: "Total number of commands issued to the download client.",
		},
		[]string{"kind", "result"},
	)

	Items = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "qbo_items",
			Help: "Items in the last listing by state.",
		},
		[]string{"state"},
	)

	DownloadSpeed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "qbo_download_speed_bytes",
			Help: "Aggregate download speed at the last tick.",
		},
	)

	ArchivedSamples = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "qbo_archived_samples_total",
			Help: "History samples exported and pruned by the archive job.",
		},
	)

	httpReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "qbo_http_requests_total",
			Help: "Total number of API requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpLat = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "qbo_http_request_duration_seconds",
			Help:    "Duration of API requests in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(Ticks, TickDuration, Commands, Items, DownloadSpeed, ArchivedSamples, httpReqs, httpLat)
}

// ObserveRun records one driver run.
func ObserveRun(driver, outcome string, started time.Time) {
	Ticks.WithLabelValues(driver, outcome).Inc()
	TickDuration.WithLabelValues(driver).Observe(time.Since(started).Seconds())
}

func ObserveCommand(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	Commands.WithLabelValues(kind, result).Inc()
}

// SetItemStates replaces the per-state gauge with counts from the latest
// listing.
func SetItemStates(counts map[string]int) {
	Items.Reset()
	for state, n := range counts {
		Items.WithLabelValues(state).Set(float64(n))
	}
}

// Middleware instruments API requests. The path label is the registered
// route, falling back to the raw path when nothing matched.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		method := c.Request.Method
		httpReqs.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
