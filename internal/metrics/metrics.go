// Package metrics exposes per-unit prometheus counters. Every method is safe
// on a nil *Metrics so units run unchanged when metrics are disabled.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"folio/internal/logging"
)

const namespace = "folio"

// Metrics holds the collectors for one unit.
type Metrics struct {
	registry     *prometheus.Registry
	acquired     *prometheus.CounterVec
	pauses       prometheus.Counter
	capacity     prometheus.Gauge
	batches      *prometheus.CounterVec
	consolidated prometheus.Counter
	anomalies    prometheus.Counter
	deletions    *prometheus.CounterVec
	reclaimed    prometheus.Counter
	indexErrors  prometheus.Counter
}

// New builds a registry whose series carry a constant unit label.
func New(unit string) *Metrics {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"unit": unit}
	m := &Metrics{
		registry: reg,
		acquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "acquire", Name: "items_total",
			Help: "Identifiers processed by outcome.", ConstLabels: labels,
		}, []string{"outcome"}),
		pauses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "acquire", Name: "capacity_pauses_total",
			Help: "Suspensions caused by storage backpressure.", ConstLabels: labels,
		}),
		capacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "storage_usage_ratio",
			Help: "Last observed working-area usage fraction.", ConstLabels: labels,
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "batch_events_total",
			Help: "Batch lifecycle transitions.", ConstLabels: labels,
		}, []string{"event"}),
		consolidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "items_consolidated_total",
			Help: "Per-item results written by consolidation.", ConstLabels: labels,
		}),
		anomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dispatch", Name: "consolidation_anomalies_total",
			Help: "Output groups with no matching item record.", ConstLabels: labels,
		}),
		deletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cleanup", Name: "candidates_total",
			Help: "Deletion candidates by outcome.", ConstLabels: labels,
		}, []string{"outcome"}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cleanup", Name: "reclaimed_bytes_total",
			Help: "Bytes freed by deleting original artifacts.", ConstLabels: labels,
		}),
		indexErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "index", Name: "write_errors_total",
			Help: "Secondary index writes that failed and were skipped.", ConstLabels: labels,
		}),
	}
	reg.MustRegister(
		m.acquired, m.pauses, m.capacity, m.batches, m.consolidated,
		m.anomalies, m.deletions, m.reclaimed, m.indexErrors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry for tests and custom handlers.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ItemAcquired(outcome string) {
	if m != nil {
		m.acquired.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) CapacityPaused() {
	if m != nil {
		m.pauses.Inc()
	}
}

func (m *Metrics) ObserveCapacity(fraction float64) {
	if m != nil {
		m.capacity.Set(fraction)
	}
}

func (m *Metrics) BatchEvent(event string) {
	if m != nil {
		m.batches.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) Consolidated(items, anomalies int) {
	if m != nil {
		m.consolidated.Add(float64(items))
		m.anomalies.Add(float64(anomalies))
	}
}

func (m *Metrics) Deletion(outcome string, bytes int64) {
	if m == nil {
		return
	}
	m.deletions.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		m.reclaimed.Add(float64(bytes))
	}
}

func (m *Metrics) IndexError() {
	if m != nil {
		m.indexErrors.Inc()
	}
}

// Handler renders the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on bind until ctx ends. An empty bind disables it.
func (m *Metrics) Serve(ctx context.Context, bind string, logger *slog.Logger) error {
	if m == nil || bind == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.WarnWithContext(logger, "metrics listener stopped", "metrics_serve_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "metrics unavailable until restart"),
			)
		}
	}()
	if logger != nil {
		logger.Info("metrics listening", logging.String("bind", ln.Addr().String()))
	}
	return nil
}

// OffsetBind shifts the port of bind by offset so that units supervised from
// one config each get their own listener. Binds without a numeric port are
// returned unchanged.
func OffsetBind(bind string, offset int) string {
	host, port, err := net.SplitHostPort(bind)
	if err != nil || offset == 0 {
		return bind
	}
	n, err := strconv.Atoi(port)
	if err != nil || n == 0 {
		return bind
	}
	return net.JoinHostPort(host, strconv.Itoa(n+offset))
}
