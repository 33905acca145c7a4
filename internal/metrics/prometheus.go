package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusSink decorates another Sink with process-wide Prometheus counters.
// It exists alongside the analytics-bound SQLiteSink/NoopSink rather than
// replacing them: the SQLite sink feeds the expiry oracle's aggregation
// queries, while this exposes coarse rate counters at /metrics for scraping.
type PrometheusSink struct {
	next Sink

	publishTotal       prometheus.Counter
	publishErrorsTotal prometheus.Counter
	fanoutTotal        prometheus.Counter
	fanoutQueuedTotal  prometheus.Counter
	cacheHitTotal      prometheus.Counter
	cleanupSweptTotal  prometheus.Counter

	registry *prometheus.Registry
}

// NewPrometheusSink wraps next with Prometheus counters registered into a
// fresh registry. next may be nil, in which case Emit only updates counters.
func NewPrometheusSink(next Sink) *PrometheusSink {
	reg := prometheus.NewRegistry()

	s := &PrometheusSink{
		next:     next,
		registry: reg,
		publishTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "publish_total",
			Help: "Total number of successful stream publishes accepted.",
		}),
		publishErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "publish_errors_total",
			Help: "Total number of publishes rejected by the origin log service.",
		}),
		fanoutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_total",
			Help: "Total number of subscriber deliveries attempted by the fan-out engine.",
		}),
		fanoutQueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fanout_queued_total",
			Help: "Total number of publishes whose fan-out was handed off to the async queue.",
		}),
		cacheHitTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hit_total",
			Help: "Total number of edge cache reads served without reaching the origin.",
		}),
		cleanupSweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cleanup_swept_total",
			Help: "Total number of expired sessions reconciled by the cleanup sweeper.",
		}),
	}

	reg.MustRegister(
		s.publishTotal,
		s.publishErrorsTotal,
		s.fanoutTotal,
		s.fanoutQueuedTotal,
		s.cacheHitTotal,
		s.cleanupSweptTotal,
	)
	return s
}

// Emit updates the relevant counter for ev.Kind, then forwards to the
// wrapped sink if one is set.
func (s *PrometheusSink) Emit(ctx context.Context, ev Event) {
	switch ev.Kind {
	case KindPublish:
		s.publishTotal.Inc()
	case KindPublishError:
		s.publishErrorsTotal.Inc()
	case KindFanout:
		s.fanoutTotal.Add(float64(max(ev.Count, 0)))
	case KindFanoutQueued:
		s.fanoutQueuedTotal.Inc()
	case KindCacheHit:
		s.cacheHitTotal.Inc()
	case KindCleanupBatch:
		s.cleanupSweptTotal.Add(float64(max(ev.Count, 0)))
	}

	if s.next != nil {
		s.next.Emit(ctx, ev)
	}
}

// Close closes the wrapped sink, if any.
func (s *PrometheusSink) Close() error {
	if s.next != nil {
		return s.next.Close()
	}
	return nil
}

// Handler returns the Prometheus scrape endpoint for /metrics.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}
