// Package metrics exposes engine counters as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry so embedding memflow in a process with
// its own Prometheus setup never causes duplicate registration.
type Collector struct {
	registry *prometheus.Registry

	stored      *prometheus.CounterVec
	retrieved   prometheus.Counter
	forgotten   prometheus.Counter
	reflections prometheus.Counter

	tierSize *prometheus.GaugeVec

	embedLatency prometheus.Histogram
	cacheHits    prometheus.Counter
	cacheMisses  prometheus.Counter
}

// NewCollector creates and registers all engine metrics.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		stored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memflow",
			Name:      "records_stored_total",
			Help:      "Records stored, by tier.",
		}, []string{"tier"}),
		retrieved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memflow",
			Name:      "records_retrieved_total",
			Help:      "Records returned by retrieval.",
		}),
		forgotten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memflow",
			Name:      "records_forgotten_total",
			Help:      "Records evicted or deleted.",
		}),
		reflections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memflow",
			Name:      "reflection_passes_total",
			Help:      "Completed reflection passes.",
		}),
		tierSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "memflow",
			Name:      "tier_records",
			Help:      "Live records per tier.",
		}, []string{"tier"}),
		embedLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "memflow",
			Name:      "embedding_seconds",
			Help:      "Embedding provider call latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memflow",
			Name:      "embedding_cache_hits_total",
			Help:      "Embedding vector cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memflow",
			Name:      "embedding_cache_misses_total",
			Help:      "Embedding vector cache misses.",
		}),
	}
	c.registry.MustRegister(
		c.stored, c.retrieved, c.forgotten, c.reflections,
		c.tierSize, c.embedLatency, c.cacheHits, c.cacheMisses,
	)
	return c
}

// RecordStored counts one stored record.
func (c *Collector) RecordStored(tier string) { c.stored.WithLabelValues(tier).Inc() }

// RecordRetrieved counts records returned to a caller.
func (c *Collector) RecordRetrieved(n int) { c.retrieved.Add(float64(n)) }

// RecordForgotten counts evicted or deleted records.
func (c *Collector) RecordForgotten(n int) { c.forgotten.Add(float64(n)) }

// RecordReflection counts one completed reflection pass.
func (c *Collector) RecordReflection() { c.reflections.Inc() }

// SetTierSize publishes the live record count of a tier.
func (c *Collector) SetTierSize(tier string, n int) {
	c.tierSize.WithLabelValues(tier).Set(float64(n))
}

// ObserveEmbedding records one provider call duration.
func (c *Collector) ObserveEmbedding(d time.Duration) {
	c.embedLatency.Observe(d.Seconds())
}

// CacheHit counts one vector cache hit.
func (c *Collector) CacheHit() { c.cacheHits.Inc() }

// CacheMiss counts one vector cache miss.
func (c *Collector) CacheMiss() { c.cacheMisses.Inc() }

// Registry exposes the private registry for custom exposition.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns an HTTP handler serving the metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
