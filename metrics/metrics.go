// Package metrics exports job lifecycle counters to Prometheus. Enqueues
// and starts are fed by event listeners. Outcomes come from the worker
// that dispatched the job, so a job run in a forked child or on a
// FastCGI executor is still counted by the process serving /metrics.
package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/BranchIntl/goresque/errors"
	"github.com/BranchIntl/goresque/events"
	"github.com/BranchIntl/goresque/job"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "goresque"

// Collector owns the job counters and the registry they live in
type Collector struct {
	registry  *prometheus.Registry
	enqueued  *prometheus.CounterVec
	started   *prometheus.CounterVec
	performed *prometheus.CounterVec
	skipped   *prometheus.CounterVec
	failed    *prometheus.CounterVec
	workers   prometheus.Gauge

	bus       *events.Bus
	listeners map[events.Name]events.ListenerID
}

// NewCollector creates a collector with its own registry
func NewCollector() *Collector {
	labels := []string{"queue", "class"}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs pushed onto a queue.",
		}, labels),
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Jobs handed to an execution strategy.",
		}, labels),
		performed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_performed_total",
			Help:      "Jobs whose handler returned without error.",
		}, labels),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_skipped_total",
			Help:      "Jobs a beforePerform listener chose not to run.",
		}, labels),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Jobs recorded as failed.",
		}, append(labels, "exception")),
		workers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_started",
			Help:      "Workers started in this process.",
		}),
		listeners: make(map[events.Name]events.ListenerID),
	}
	c.registry.MustRegister(c.enqueued, c.started, c.performed, c.skipped, c.failed, c.workers)
	return c
}

// Registry returns the registry the counters are registered in
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Attach subscribes the collector to bus
func (c *Collector) Attach(bus *events.Bus) {
	c.bus = bus
	c.listeners[events.AfterEnqueue] = bus.Listen(events.AfterEnqueue, c.count(c.enqueued))
	c.listeners[events.BeforeFork] = bus.Listen(events.BeforeFork, c.count(c.started))
	c.listeners[events.BeforeFirstFork] = bus.Listen(events.BeforeFirstFork, func(ctx context.Context, e *events.Event) error {
		c.workers.Inc()
		return nil
	})
}

// Detach removes the collector's listeners
func (c *Collector) Detach() {
	if c.bus == nil {
		return
	}
	for name, id := range c.listeners {
		c.bus.StopListening(name, id)
		delete(c.listeners, name)
	}
	c.bus = nil
}

func (c *Collector) count(vec *prometheus.CounterVec) events.Listener {
	return func(ctx context.Context, e *events.Event) error {
		vec.WithLabelValues(e.Queue, e.Class).Inc()
		return nil
	}
}

// JobDone counts the outcome of a job the worker dispatched
func (c *Collector) JobDone(ctx context.Context, j *job.Job) {
	outcome, exception := j.Outcome()
	switch outcome {
	case job.OutcomePerformed:
		c.performed.WithLabelValues(j.Queue, j.Payload.Class).Inc()
	case job.OutcomeSkipped:
		c.skipped.WithLabelValues(j.Queue, j.Payload.Class).Inc()
	case job.OutcomeFailed:
		c.failed.WithLabelValues(j.Queue, j.Payload.Class, exception).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Metrics server shutdown failed", "error", err)
		}
	}()

	slog.Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
