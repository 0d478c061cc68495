// Package metrics exposes Prometheus metrics for the server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// Recorder receives observations from the request path and the transports.
// Implementations must never block.
type Recorder interface {
	ObserveRequest(method string, code int, dur time.Duration)
	SetSessions(n int)
	IncDropped(subscriber string)
	IncRestart(transport string)
}

// Nop discards every observation.
type Nop struct{}

func (Nop) ObserveRequest(string, int, time.Duration) {}
func (Nop) SetSessions(int)                           {}
func (Nop) IncDropped(string)                         {}
func (Nop) IncRestart(string)                         {}

// Opts configures the metrics API.
type Opts struct {
	AuthMiddleware func(http.Handler) http.Handler
}

// MetricsAPI records metrics into its own registry and serves them in the
// Prometheus text format.
type MetricsAPI struct {
	Router chi.Router

	opts     Opts
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	sessions prometheus.Gauge
	dropped  *prometheus.CounterVec
	restarts *prometheus.CounterVec
}

// NewMetricsAPI creates the registry, registers every collector and mounts the
// handler on Router.
func NewMetricsAPI(opts Opts) *MetricsAPI {
	api := &MetricsAPI{
		Router:   chi.NewRouter(),
		opts:     opts,
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpgate_requests_total",
			Help: "JSON-RPC requests handled, by method and response code (0 for success)",
		}, []string{"method", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpgate_request_duration_seconds",
			Help:    "Time spent handling JSON-RPC requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcpgate_websocket_sessions",
			Help: "Live WebSocket sessions in the registry",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpgate_fanout_dropped_total",
			Help: "Notifications dropped because a subscriber queue was full",
		}, []string{"subscriber"}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpgate_transport_restarts_total",
			Help: "Transport listener restarts after unexpected termination",
		}, []string{"transport"}),
	}
	api.registry.MustRegister(api.requests, api.duration, api.sessions, api.dropped, api.restarts)

	var handler http.Handler = http.HandlerFunc(api.handleMetrics)
	if opts.AuthMiddleware != nil {
		handler = opts.AuthMiddleware(handler)
	}
	api.Router.Get("/", handler.ServeHTTP)
	return api
}

func (api *MetricsAPI) ObserveRequest(method string, code int, dur time.Duration) {
	api.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	api.duration.WithLabelValues(method).Observe(dur.Seconds())
}

func (api *MetricsAPI) SetSessions(n int) {
	api.sessions.Set(float64(n))
}

func (api *MetricsAPI) IncDropped(subscriber string) {
	api.dropped.WithLabelValues(subscriber).Inc()
}

func (api *MetricsAPI) IncRestart(transport string) {
	api.restarts.WithLabelValues(transport).Inc()
}

func (api *MetricsAPI) handleMetrics(w http.ResponseWriter, r *http.Request) {
	families, err := api.registry.Gather()
	if err != nil {
		http.Error(w, "Failed to gather metrics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", string(expfmt.FmtText))
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			http.Error(w, "Failed to encode metrics", http.StatusInternalServerError)
			return
		}
	}
}
