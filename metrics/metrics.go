// Package metrics exposes Prometheus counters for recovery sessions and the
// HTTP server that serves them.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder tracks recovery activity. A nil *Recorder is valid and records nothing.
type Recorder struct {
	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	deliveries       *prometheus.CounterVec
	submissions      *prometheus.CounterVec
	deliveryLatency  prometheus.Histogram
}

// NewRecorder creates the recovery metrics and registers them with reg.
func NewRecorder(reg prometheus.Registerer, namespace string) *Recorder {
	r := &Recorder{
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Number of recovery sessions initiated",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Number of recovery sessions that reached a terminal state",
		}, []string{"state"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "share_deliveries_total",
			Help:      "Number of share deliveries to helpers by result",
		}, []string{"result"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "share_submissions_total",
			Help:      "Number of share submissions by result",
		}, []string{"result"}),
		deliveryLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time to deliver all shares of a session",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(r.sessionsStarted, r.sessionsFinished, r.deliveries, r.submissions, r.deliveryLatency)
	return r
}

func (r *Recorder) SessionStarted() {
	if r == nil {
		return
	}
	r.sessionsStarted.Inc()
}

func (r *Recorder) SessionFinished(state string) {
	if r == nil {
		return
	}
	r.sessionsFinished.WithLabelValues(state).Inc()
}

func (r *Recorder) Delivery(ok bool) {
	if r == nil {
		return
	}
	if ok {
		r.deliveries.WithLabelValues("delivered").Inc()
	} else {
		r.deliveries.WithLabelValues("failed").Inc()
	}
}

func (r *Recorder) ObserveDelivery(d time.Duration) {
	if r == nil {
		return
	}
	r.deliveryLatency.Observe(d.Seconds())
}

// Submission counts a share submission; result is "recorded", "reconstructed" or an error class.
func (r *Recorder) Submission(result string) {
	if r == nil {
		return
	}
	r.submissions.WithLabelValues(result).Inc()
}

// MetricsServer serves the registry on /metrics.
type MetricsServer struct {
	registry *prometheus.Registry
	recorder *Recorder
	srv      *http.Server
}

// New creates a registry with Go runtime collectors and recovery metrics under namespace.
func New(namespace, addr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}

	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	return &MetricsServer{
		registry: registry,
		recorder: NewRecorder(registry, namespace),
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// Recorder returns the recovery metrics registered with this server.
func (m *MetricsServer) Recorder() *Recorder {
	return m.recorder
}

// Handler returns the HTTP handler serving /metrics.
func (m *MetricsServer) Handler() http.Handler {
	return m.srv.Handler
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
