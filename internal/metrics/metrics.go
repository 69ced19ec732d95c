// Package metrics holds the Prometheus collectors for snapshot capture and
// milestone reconstruction.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CaptureRuns counts capture attempts by result (captured, skipped, failed).
	CaptureRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "milestoneline_capture_runs_total",
		Help: "Snapshot capture attempts by result",
	}, []string{"result"})

	// SnapshotsCaptured counts snapshot rows written.
	SnapshotsCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "milestoneline_snapshots_captured_total",
		Help: "Snapshot rows appended to the store",
	})

	// MalformedInitiatives counts reconstructions that fell back to today as bootstrap date.
	MalformedInitiatives = promauto.NewCounter(prometheus.CounterOpts{
		Name: "milestoneline_malformed_initiatives_total",
		Help: "Reconstructions that used the fallback bootstrap date",
	})

	// AggregationDuration tracks dashboard aggregation latency.
	AggregationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "milestoneline_aggregation_duration_seconds",
		Help:    "Milestone duration aggregation latency",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	}, []string{"operation"})

	// HTTPRequests counts API requests by method and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "milestoneline_http_requests_total",
		Help: "API requests by method and status",
	}, []string{"method", "status"})
)

const (
	ResultCaptured = "captured"
	ResultSkipped  = "skipped"
	ResultFailed   = "failed"
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
