// Package metrics exposes Prometheus instrumentation for the task list store,
// the session manager and the Firebase poller.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"xtodo/internal/ratelimit"
	"xtodo/internal/session"
	"xtodo/internal/tasks"
)

// Collector records application metrics on a caller-supplied registry.
type Collector struct {
	writes        *prometheus.CounterVec
	snapshots     prometheus.Counter
	snapshotSize  prometheus.Gauge
	sessionStates *prometheus.CounterVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xtodo_task_writes_total",
			Help: "Task writes by operation and result.",
		}, []string{"op", "result"}),
		snapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "xtodo_task_snapshots_total",
			Help: "Task list snapshots published to observers.",
		}),
		snapshotSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "xtodo_task_list_size",
			Help: "Number of tasks in the latest snapshot.",
		}),
		sessionStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "xtodo_session_transitions_total",
			Help: "Session state transitions by resulting status.",
		}, []string{"status"}),
	}

	reg.MustRegister(c.writes, c.snapshots, c.snapshotSize, c.sessionStates)
	return c
}

// ObserveWrite implements tasks.Instrumentation.
func (c *Collector) ObserveWrite(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.writes.WithLabelValues(op, result).Inc()
}

// ObserveSnapshot implements tasks.Instrumentation.
func (c *Collector) ObserveSnapshot(size int) {
	c.snapshots.Inc()
	c.snapshotSize.Set(float64(size))
}

// ObserveSession counts session transitions. Pass it to session.Manager.Observe.
func (c *Collector) ObserveSession(s session.State) {
	c.sessionStates.WithLabelValues(s.Status.String()).Inc()
}

// RegisterRateLimitStats exposes throttling counts kept by a backoff client.
func RegisterRateLimitStats(reg prometheus.Registerer, backend string, stats *ratelimit.Stats) {
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name:        "xtodo_backend_throttled_total",
		Help:        "Throttled (429/503) responses seen by live-query reads.",
		ConstLabels: prometheus.Labels{"backend": backend},
	}, func() float64 {
		return float64(stats.RateLimitCount())
	}))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "xtodo_backend_last_throttled_timestamp_seconds",
		Help:        "Unix time of the last throttled response, 0 if none.",
		ConstLabels: prometheus.Labels{"backend": backend},
	}, func() float64 {
		last := stats.LastRateLimitTime()
		if last.IsZero() {
			return 0
		}
		return float64(last.Unix())
	}))
}

// Handler returns the Prometheus scrape handler.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var _ tasks.Instrumentation = (*Collector)(nil)
