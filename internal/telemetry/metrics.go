package telemetry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"llmbench/internal/result"
	"llmbench/internal/runner"
)

// Metrics exposes the client-side view of a load test to Prometheus. It
// implements runner.Observer.
type Metrics struct {
	Inflight *prometheus.GaugeVec
	Requests *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
	TTFT     *prometheus.HistogramVec

	registry *prometheus.Registry
}

var _ runner.Observer = (*Metrics)(nil)

// LLM responses run from tens of milliseconds to minutes
var latencyBuckets = prometheus.ExponentialBuckets(0.01, 2, 15)

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Inflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "llmbench_inflight_requests",
				Help: "Requests currently in flight",
			},
			[]string{"phase"},
		),
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmbench_requests_total",
				Help: "Completed requests by phase and outcome",
			},
			[]string{"phase", "outcome"},
		),
		Latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmbench_request_latency_seconds",
				Help:    "End-to-end latency of successful measured requests",
				Buckets: latencyBuckets,
			},
			[]string{"phase"},
		),
		TTFT: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmbench_ttft_seconds",
				Help:    "Time to first token of successful measured requests",
				Buckets: latencyBuckets,
			},
			[]string{"phase"},
		),
		registry: registry,
	}

	registry.MustRegister(m.Inflight)
	registry.MustRegister(m.Requests)
	registry.MustRegister(m.Latency)
	registry.MustRegister(m.TTFT)

	return m
}

func (m *Metrics) RequestIssued(phase runner.Phase, _ int64) {
	m.Inflight.WithLabelValues(phase.String()).Inc()
}

func (m *Metrics) RequestCompleted(phase runner.Phase, r result.RequestResult, _ int64) {
	p := phase.String()
	m.Inflight.WithLabelValues(p).Dec()
	m.Requests.WithLabelValues(p, r.Outcome.Key()).Inc()

	if !r.Outcome.IsSuccess() {
		return
	}
	m.Latency.WithLabelValues(p).Observe(r.Latency().Seconds())
	if ttft, ok := r.TTFT(); ok {
		m.TTFT.WithLabelValues(p).Observe(ttft.Seconds())
	}
}

// Handler returns the Prometheus metrics handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
