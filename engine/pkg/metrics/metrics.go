package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "referrals_engine_build_info",
			Help: "Build information of the referral attribution engine",
		},
		[]string{"version", "commit", "date"},
	)

	AttributionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referrals_engine_attributions_total",
			Help: "Total number of attribution requests by outcome",
		},
		[]string{"outcome"},
	)

	RollupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referrals_engine_rollups_total",
			Help: "Total number of donation rollups by outcome",
		},
		[]string{"outcome"},
	)

	RollupDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "referrals_engine_rollup_duration_seconds",
			Help:    "Duration of donation rollups including retries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 0.001s to ~4.1s
		},
	)

	RollupRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "referrals_engine_rollup_retries_total",
			Help: "Total number of rollup transactions retried after contention",
		},
	)

	RecomputeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referrals_engine_recompute_total",
			Help: "Total number of counter recomputations",
		},
		[]string{"scope", "status"},
	)

	RecomputeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "referrals_engine_recompute_duration_seconds",
			Help:    "Duration of counter recomputations",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 0.001s to ~33s
		},
		[]string{"scope"},
	)

	CorruptHierarchyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referrals_engine_corrupt_hierarchy_total",
			Help: "Total number of walks stopped by a cycle or depth violation",
		},
		[]string{"tree"},
	)

	ReportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "referrals_engine_report_duration_seconds",
			Help:    "Duration of performance reports",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 0.005s to ~10s
		},
		[]string{"report"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "referrals_engine_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "referrals_engine_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}
