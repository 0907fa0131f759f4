// internal/metrics/metrics.go
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reconciler"

// Collector owns the service's Prometheus registry and metric vectors.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	WebhookEvents       *prometheus.CounterVec
	WebhookDuration     *prometheus.HistogramVec
	DispatchAttempts    *prometheus.CounterVec
	DispatchDeadLetters *prometheus.CounterVec
	DispatchQueueDepth  prometheus.Gauge
	CacheLookups        *prometheus.CounterVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries by provider and outcome",
		}, []string{"provider", "outcome"}),
		WebhookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_duration_seconds",
			Help:      "Time spent reconciling one webhook delivery",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),
		DispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attempts_total",
			Help:      "Side-effect delivery attempts by target and result",
		}, []string{"target", "result"}),
		DispatchDeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_dead_letters_total",
			Help:      "Side effects that exhausted their retry budget",
		}, []string{"target"}),
		DispatchQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_queue_depth",
			Help:      "Intents waiting for a dispatch worker",
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "processed_cache_lookups_total",
			Help:      "Processed-event cache lookups by result",
		}, []string{"result"}),
	}

	reg.MustRegister(
		c.WebhookEvents,
		c.WebhookDuration,
		c.DispatchAttempts,
		c.DispatchDeadLetters,
		c.DispatchQueueDepth,
		c.CacheLookups,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ObserveWebhook(provider, outcome string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.WebhookEvents.WithLabelValues(provider, outcome).Inc()
	c.WebhookDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (c *Collector) DispatchAttempt(target, result string) {
	if c == nil {
		return
	}
	c.DispatchAttempts.WithLabelValues(target, result).Inc()
}

func (c *Collector) DeadLetter(target string) {
	if c == nil {
		return
	}
	c.DispatchDeadLetters.WithLabelValues(target).Inc()
}

func (c *Collector) QueueDepth(n int) {
	if c == nil {
		return
	}
	c.DispatchQueueDepth.Set(float64(n))
}

func (c *Collector) CacheLookup(result string) {
	if c == nil {
		return
	}
	c.CacheLookups.WithLabelValues(result).Inc()
}
