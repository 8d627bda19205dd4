// Package telemetry exposes queue and delivery metrics in the Prometheus
// format. Metrics are only served locally on request; nothing is pushed
// to a remote collector.
package telemetry

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kimhsiao/supportsync/internal/logging"
	"github.com/kimhsiao/supportsync/internal/models"
	"github.com/kimhsiao/supportsync/internal/stats"
	syncpkg "github.com/kimhsiao/supportsync/internal/sync"
)

const namespace = "supportsync"

// collectTimeout bounds the store read behind one scrape.
const collectTimeout = 5 * time.Second

// =====================================================
// Delivery metrics
// =====================================================

// Metrics records delivery attempts and sync passes. It implements
// sync.Observer.
type Metrics struct {
	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	passes          *prometheus.CounterVec
	passDuration    prometheus.Histogram
	passItems       *prometheus.CounterVec
}

// NewMetrics creates the delivery metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "delivery_attempts_total",
				Help:      "Delivery attempts by destination and resulting status",
			},
			[]string{"destination", "status"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "delivery_attempt_duration_seconds",
				Help:      "Duration of single delivery attempts",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"destination"},
		),
		passes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_passes_total",
				Help:      "Sync passes by result",
			},
			[]string{"result"},
		),
		passDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_pass_duration_seconds",
				Help:      "Duration of sync passes",
				Buckets:   prometheus.DefBuckets,
			},
		),
		passItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_pass_items_total",
				Help:      "Items handled by sync passes by outcome",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(m.attempts, m.attemptDuration, m.passes, m.passDuration, m.passItems)
	return m
}

// ObserveAttempt counts one delivery attempt.
func (m *Metrics) ObserveAttempt(dest models.Destination, status models.Status, elapsed time.Duration) {
	m.attempts.WithLabelValues(string(dest), string(status)).Inc()
	m.attemptDuration.WithLabelValues(string(dest)).Observe(elapsed.Seconds())
}

// ObservePass counts one sync pass. Skipped passes are counted but carry
// no duration or items.
func (m *Metrics) ObservePass(o syncpkg.SyncOutcome) {
	switch {
	case o.Skipped:
		m.passes.WithLabelValues("skipped").Inc()
		return
	case o.Failed > 0 || o.Retrying > 0:
		m.passes.WithLabelValues("partial").Inc()
	default:
		m.passes.WithLabelValues("ok").Inc()
	}

	m.passDuration.Observe(o.Duration.Seconds())
	m.passItems.WithLabelValues("synced").Add(float64(o.Synced))
	m.passItems.WithLabelValues("retrying").Add(float64(o.Retrying))
	m.passItems.WithLabelValues("failed").Add(float64(o.Failed))
}

var _ syncpkg.Observer = (*Metrics)(nil)

// =====================================================
// Queue gauges
// =====================================================

// QueueCollector reports queue stats as gauges, computed on each scrape.
type QueueCollector struct {
	agg *stats.Aggregator
	now func() time.Time

	items       *prometheus.Desc
	itemsType   *prometheus.Desc
	itemsPrio   *prometheus.Desc
	bytes       *prometheus.Desc
	logBytes    *prometheus.Desc
	oldestAge   *prometheus.Desc
	corrupted   *prometheus.Desc
	scrapeError *prometheus.Desc
}

// NewQueueCollector creates a collector over agg.
func NewQueueCollector(agg *stats.Aggregator) *QueueCollector {
	fq := func(name string) string { return prometheus.BuildFQName(namespace, "queue", name) }
	return &QueueCollector{
		agg:         agg,
		now:         time.Now,
		items:       prometheus.NewDesc(fq("items"), "Stored items by status", []string{"status"}, nil),
		itemsType:   prometheus.NewDesc(fq("items_by_type"), "Stored items by type", []string{"type"}, nil),
		itemsPrio:   prometheus.NewDesc(fq("items_by_priority"), "Stored items by priority", []string{"priority"}, nil),
		bytes:       prometheus.NewDesc(fq("bytes"), "Total payload bytes stored", nil, nil),
		logBytes:    prometheus.NewDesc(fq("log_bytes"), "Payload bytes held by log items", nil, nil),
		oldestAge:   prometheus.NewDesc(fq("oldest_active_age_seconds"), "Age of the oldest pending or retrying item", nil, nil),
		corrupted:   prometheus.NewDesc(fq("corrupted_items"), "Items that failed integrity verification", nil, nil),
		scrapeError: prometheus.NewDesc(fq("scrape_error"), "1 if reading queue stats failed", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *QueueCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.items
	ch <- c.itemsType
	ch <- c.itemsPrio
	ch <- c.bytes
	ch <- c.logBytes
	ch <- c.oldestAge
	ch <- c.corrupted
	ch <- c.scrapeError
}

// Collect implements prometheus.Collector.
func (c *QueueCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()

	s, err := c.agg.Compute(ctx, c.now())
	if err != nil {
		logging.Warn("Queue stats unavailable for scrape", map[string]interface{}{"error": err.Error()})
		ch <- prometheus.MustNewConstMetric(c.scrapeError, prometheus.GaugeValue, 1)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.scrapeError, prometheus.GaugeValue, 0)

	for status, n := range s.ByStatus {
		ch <- prometheus.MustNewConstMetric(c.items, prometheus.GaugeValue, float64(n), string(status))
	}
	for typ, n := range s.ByType {
		ch <- prometheus.MustNewConstMetric(c.itemsType, prometheus.GaugeValue, float64(n), string(typ))
	}
	for prio, n := range s.ByPriority {
		ch <- prometheus.MustNewConstMetric(c.itemsPrio, prometheus.GaugeValue, float64(n), string(prio))
	}
	ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(s.TotalBytes))
	ch <- prometheus.MustNewConstMetric(c.logBytes, prometheus.GaugeValue, float64(s.LogBytes))
	ch <- prometheus.MustNewConstMetric(c.oldestAge, prometheus.GaugeValue, s.OldestActiveAge.Seconds())
	ch <- prometheus.MustNewConstMetric(c.corrupted, prometheus.GaugeValue, float64(s.Corrupted))
}

// =====================================================
// Registry
// =====================================================

// Registry bundles a private Prometheus registry with the queue metrics.
type Registry struct {
	reg     *prometheus.Registry
	Metrics *Metrics
}

// NewRegistry creates a registry holding the delivery metrics, the queue
// collector for agg and the Go runtime collectors.
func NewRegistry(agg *stats.Aggregator) *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		NewQueueCollector(agg),
	)
	return &Registry{reg: reg, Metrics: NewMetrics(reg)}
}

// Gatherer returns the underlying gatherer.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
