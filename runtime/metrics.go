package runtime

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vextir/lightning/modules/resilience"
)

// runtimeCollector scrapes the live counters of the bus, processor and
// breakers on each Prometheus pull. Counters already exist inside the
// runtime, so a collector beats double-counting through instrumented
// wrappers.
type runtimeCollector struct {
	runtime *Runtime

	published    *prometheus.Desc
	delivered    *prometheus.Desc
	dropped      *prometheus.Desc
	dedupHits    *prometheus.Desc
	ttlExpired   *prometheus.Desc
	orphaned     *prometheus.Desc
	deadLettered *prometheus.Desc

	events      *prometheus.Desc
	errors      *prometheus.Desc
	eventTypes  *prometheus.Desc
	errorTypes  *prometheus.Desc
	healthScore *prometheus.Desc

	breakerOpen     *prometheus.Desc
	breakerFailures *prometheus.Desc

	sessions *prometheus.Desc
}

func newMetricsRegistry(r *Runtime) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(newRuntimeCollector(r))
	return reg
}

func newRuntimeCollector(r *Runtime) *runtimeCollector {
	return &runtimeCollector{
		runtime: r,

		published:    prometheus.NewDesc("lightning_bus_published_total", "Events accepted by the bus.", nil, nil),
		delivered:    prometheus.NewDesc("lightning_bus_delivered_total", "Handler invocations completed.", nil, nil),
		dropped:      prometheus.NewDesc("lightning_bus_dropped_total", "Events dropped by backpressure.", nil, nil),
		dedupHits:    prometheus.NewDesc("lightning_bus_dedup_hits_total", "Duplicate events suppressed.", nil, nil),
		ttlExpired:   prometheus.NewDesc("lightning_bus_ttl_expired_total", "Events dropped past their TTL.", nil, nil),
		orphaned:     prometheus.NewDesc("lightning_bus_orphaned_total", "Events parked with no consumer.", nil, nil),
		deadLettered: prometheus.NewDesc("lightning_bus_dead_lettered_total", "Events parked after handler failure.", nil, nil),

		events:      prometheus.NewDesc("lightning_processor_events_total", "Events seen by the universal processor.", nil, nil),
		errors:      prometheus.NewDesc("lightning_processor_errors_total", "Driver errors seen by the processor.", nil, nil),
		eventTypes:  prometheus.NewDesc("lightning_processor_events_by_type_total", "Events by type.", []string{"type"}, nil),
		errorTypes:  prometheus.NewDesc("lightning_processor_errors_by_class_total", "Errors by class.", []string{"class"}, nil),
		healthScore: prometheus.NewDesc("lightning_pipeline_health_score", "Derived pipeline health score, 0 to 100.", nil, nil),

		breakerOpen:     prometheus.NewDesc("lightning_breaker_open", "1 when the breaker is open.", []string{"resource"}, nil),
		breakerFailures: prometheus.NewDesc("lightning_breaker_failures", "Consecutive failures counted by the breaker.", []string{"resource"}, nil),

		sessions: prometheus.NewDesc("lightning_conversation_sessions", "Live conversation sessions.", nil, nil),
	}
}

func (c *runtimeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.published
	ch <- c.delivered
	ch <- c.dropped
	ch <- c.dedupHits
	ch <- c.ttlExpired
	ch <- c.orphaned
	ch <- c.deadLettered
	ch <- c.events
	ch <- c.errors
	ch <- c.eventTypes
	ch <- c.errorTypes
	ch <- c.healthScore
	ch <- c.breakerOpen
	ch <- c.breakerFailures
	ch <- c.sessions
}

func (c *runtimeCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.runtime.bus.Stats()
	ch <- prometheus.MustNewConstMetric(c.published, prometheus.CounterValue, float64(stats.Published))
	ch <- prometheus.MustNewConstMetric(c.delivered, prometheus.CounterValue, float64(stats.Delivered))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(stats.Dropped))
	ch <- prometheus.MustNewConstMetric(c.dedupHits, prometheus.CounterValue, float64(stats.DedupHits))
	ch <- prometheus.MustNewConstMetric(c.ttlExpired, prometheus.CounterValue, float64(stats.TTLExpired))
	ch <- prometheus.MustNewConstMetric(c.orphaned, prometheus.CounterValue, float64(stats.Orphaned))
	ch <- prometheus.MustNewConstMetric(c.deadLettered, prometheus.CounterValue, float64(stats.DeadLettered))

	metrics := c.runtime.processor.Metrics()
	ch <- prometheus.MustNewConstMetric(c.events, prometheus.CounterValue, float64(metrics.TotalEvents))
	ch <- prometheus.MustNewConstMetric(c.errors, prometheus.CounterValue, float64(metrics.TotalErrors))
	for eventType, count := range metrics.EventTypes {
		ch <- prometheus.MustNewConstMetric(c.eventTypes, prometheus.CounterValue, float64(count), eventType)
	}
	for class, count := range metrics.ErrorTypes {
		ch <- prometheus.MustNewConstMetric(c.errorTypes, prometheus.CounterValue, float64(count), class)
	}
	ch <- prometheus.MustNewConstMetric(c.healthScore, prometheus.GaugeValue, float64(c.runtime.monitor.Generate().HealthScore))

	if c.runtime.health != nil {
		for _, st := range c.runtime.health.Statuses() {
			open := 0.0
			if st.Breaker.State == resilience.StateOpen {
				open = 1.0
			}
			ch <- prometheus.MustNewConstMetric(c.breakerOpen, prometheus.GaugeValue, open, st.Name)
			ch <- prometheus.MustNewConstMetric(c.breakerFailures, prometheus.GaugeValue, float64(st.Breaker.FailureCount), st.Name)
		}
	}

	ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(c.runtime.conversations.SessionCount()))
}
