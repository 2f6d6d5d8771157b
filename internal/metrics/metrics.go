// Package metrics exposes Prometheus instruments for the gateway and the
// standalone server that serves them.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Hub metrics
	HubsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mdg_hubs_active",
			Help: "Number of live stream hubs",
		},
		[]string{"kind"},
	)

	SubscribersActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mdg_subscribers_active",
			Help: "Number of attached subscriber sessions",
		},
		[]string{"kind"},
	)

	// Upstream metrics
	UpstreamConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdg_upstream_connects_total",
			Help: "Total upstream connection attempts by result",
		},
		[]string{"kind", "result"},
	)

	UpstreamFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdg_upstream_frames_total",
			Help: "Total frames received from the exchange",
		},
		[]string{"kind"},
	)

	// Fan-out metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdg_messages_sent_total",
			Help: "Total messages queued to downstream sessions",
		},
		[]string{"kind"},
	)

	SessionsEvicted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdg_sessions_evicted_total",
			Help: "Total sessions closed by the server, by reason",
		},
		[]string{"reason"},
	)

	// Historical fetch metrics
	HistoricalFetchSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mdg_historical_fetch_seconds",
			Help:    "Duration of one-shot backlog fetches",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"source"},
	)

	MergeFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mdg_merge_failures_total",
			Help: "Total cache merge failures",
		},
		[]string{"kind"},
	)
)

// Recorder is the narrow reporting surface the hub and session layer use,
// so tests can pass a no-op instead of touching global instruments.
type Recorder interface {
	HubOpened(kind string)
	HubClosed(kind string)
	SubscriberAttached(kind string)
	SubscriberDetached(kind string)
	UpstreamConnect(kind, result string)
	UpstreamFrame(kind string)
	MessageSent(kind string)
	SessionEvicted(reason string)
	HistoricalFetch(source string, seconds float64)
	MergeFailure(kind string)
}

// Prom records into the package-level Prometheus instruments.
type Prom struct{}

func (Prom) HubOpened(kind string) { HubsActive.WithLabelValues(kind).Inc() }
func (Prom) HubClosed(kind string) { HubsActive.WithLabelValues(kind).Dec() }
func (Prom) SubscriberAttached(kind string) {
	SubscribersActive.WithLabelValues(kind).Inc()
}
func (Prom) SubscriberDetached(kind string) {
	SubscribersActive.WithLabelValues(kind).Dec()
}
func (Prom) UpstreamConnect(kind, result string) {
	UpstreamConnects.WithLabelValues(kind, result).Inc()
}
func (Prom) UpstreamFrame(kind string) { UpstreamFrames.WithLabelValues(kind).Inc() }
func (Prom) MessageSent(kind string)   { MessagesSent.WithLabelValues(kind).Inc() }
func (Prom) SessionEvicted(reason string) {
	SessionsEvicted.WithLabelValues(reason).Inc()
}
func (Prom) HistoricalFetch(source string, seconds float64) {
	HistoricalFetchSeconds.WithLabelValues(source).Observe(seconds)
}
func (Prom) MergeFailure(kind string) { MergeFailures.WithLabelValues(kind).Inc() }

// Nop discards every observation.
type Nop struct{}

func (Nop) HubOpened(string)                {}
func (Nop) HubClosed(string)                {}
func (Nop) SubscriberAttached(string)       {}
func (Nop) SubscriberDetached(string)       {}
func (Nop) UpstreamConnect(string, string)  {}
func (Nop) UpstreamFrame(string)            {}
func (Nop) MessageSent(string)              {}
func (Nop) SessionEvicted(string)           {}
func (Nop) HistoricalFetch(string, float64) {}
func (Nop) MergeFailure(string)             {}

var (
	_ Recorder = Prom{}
	_ Recorder = Nop{}
)

// Server serves /metrics and /health on a dedicated listener.
type Server struct {
	server *http.Server
	logger zerolog.Logger
	start  time.Time
}

// NewServer builds the metrics server for addr.
func NewServer(addr string, logger zerolog.Logger) *Server {
	s := &Server{
		logger: logger.With().Str("component", "metrics").Logger(),
		start:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"uptime": time.Since(s.start).Round(time.Second).String(),
	})
}

// Start blocks serving until Stop or a listener error.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("starting metrics server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
