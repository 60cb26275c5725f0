package obs

import (
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	authResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_resolutions_total",
			Help: "Identity resolutions by strategy and outcome.",
		},
		[]string{"strategy", "outcome"},
	)

	isolationViolations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tenant_isolation_violations_total",
		Help: "Data operations rejected because no tenant was bound.",
	})

	auditRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_records_total",
			Help: "Audit records written by action.",
		},
		[]string{"action"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "tenantgate build information.",
		},
		[]string{"version", "commit", "go_version"},
	)

	initOnce sync.Once
)

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authResolutions, isolationViolations, auditRecords, buildInfo,
		)
	})
}

// InitBuildInfo publishes build_info{version,commit,go_version} 1 for the running binary.
func InitBuildInfo(version, commit string) {
	Init()
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAuthResolution counts the outcome of one strategy attempt.
func ObserveAuthResolution(strategy, outcome string) {
	authResolutions.WithLabelValues(strategy, outcome).Inc()
}

// ObserveIsolationViolation counts a rejected unscoped data operation.
func ObserveIsolationViolation() {
	isolationViolations.Inc()
}

// ObserveAuditRecord counts a persisted audit record.
func ObserveAuditRecord(action string) {
	auditRecords.WithLabelValues(action).Inc()
}

// Instrument measures RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		defer func() {
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(sw.code)
			httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
			httpRequestsTotal.WithLabelValues(method, path, status).Inc()
			httpInFlight.Dec()
		}()
		next.ServeHTTP(sw, r)
	})
}

// CanonicalPath collapses identifier segments so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	segments := strings.Split(p, "/")
	for i, seg := range segments {
		if i < 2 || seg == "" {
			continue
		}
		switch segments[i-1] {
		case "authorize", "callback", "sessions", "groups":
			if !isRouteWord(seg) {
				segments[i] = ":id"
			}
		}
	}
	return strings.Join(segments, "/")
}

func isRouteWord(seg string) bool {
	switch seg {
	case "batch-authorize", "batch-revoke", "batch-create", "batch-update", "batch-delete":
		return true
	}
	return false
}

// statusWriter remembers the response code for labels.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
