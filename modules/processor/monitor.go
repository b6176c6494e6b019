package processor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vextir/lightning"
	"github.com/vextir/lightning/modules/eventbus"
)

// orphanAdviceThreshold is the per-type orphan count past which the monitor
// recommends registering a driver.
const orphanAdviceThreshold = 100

// Report is one periodic snapshot of pipeline health.
type Report struct {
	GeneratedAt     time.Time      `json:"generated_at"`
	HealthScore     int            `json:"health_score"`
	Metrics         Metrics        `json:"metrics"`
	BusStats        eventbus.Stats `json:"bus_stats"`
	OrphanedByType  map[string]int `json:"orphaned_by_type,omitempty"`
	TopErrorTypes   []TypeCount    `json:"top_error_types,omitempty"`
	Recommendations []string       `json:"recommendations,omitempty"`
}

// EventMonitor periodically reports on the processor and bus, deriving a
// 0-100 health score from the error and orphan rates.
type EventMonitor struct {
	processor *UniversalProcessor
	bus       eventbus.EventBus
	interval  time.Duration
	logger    lightning.Logger

	mu   sync.Mutex
	last Report

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

// NewMonitor creates a monitor reporting at the given interval.
func NewMonitor(p *UniversalProcessor, bus eventbus.EventBus, interval time.Duration, logger lightning.Logger) *EventMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &EventMonitor{
		processor: p,
		bus:       bus,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start begins the report loop.
func (m *EventMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.loop()
}

// Stop halts the report loop.
func (m *EventMonitor) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return
	}
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
}

func (m *EventMonitor) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			report := m.Generate()
			m.logger.Info("event pipeline report",
				"health_score", report.HealthScore,
				"total_events", report.Metrics.TotalEvents,
				"error_rate", report.Metrics.ErrorRate,
				"orphan_rate", report.Metrics.OrphanRate)
			for _, rec := range report.Recommendations {
				m.logger.Warn("pipeline recommendation", "advice", rec)
			}
		}
	}
}

// Generate builds a report from the current counters.
func (m *EventMonitor) Generate() Report {
	metrics := m.processor.Metrics()
	stats := m.bus.Stats()

	orphansByType := map[string]int{}
	for _, rec := range m.bus.OrphanedEvents(0) {
		orphansByType[rec.Event.Type]++
	}

	report := Report{
		GeneratedAt:    time.Now().UTC(),
		HealthScore:    healthScore(metrics),
		Metrics:        metrics,
		BusStats:       stats,
		OrphanedByType: orphansByType,
		TopErrorTypes:  topErrors(metrics.ErrorTypes, 5),
	}

	types := make([]string, 0, len(orphansByType))
	for t := range orphansByType {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		if orphansByType[t] > orphanAdviceThreshold {
			report.Recommendations = append(report.Recommendations,
				"register a driver for event type "+t)
		}
	}

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()
	return report
}

// Last returns the most recently generated report.
func (m *EventMonitor) Last() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// healthScore weights the error rate double the orphan rate: errors mean
// drivers are breaking, orphans usually mean a driver is missing.
func healthScore(m Metrics) int {
	score := 100 - int(m.ErrorRate*200) - int(m.OrphanRate*100)
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func topErrors(errorTypes map[string]uint64, limit int) []TypeCount {
	out := make([]TypeCount, 0, len(errorTypes))
	for t, c := range errorTypes {
		out = append(out, TypeCount{Type: t, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Type < out[j].Type
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
