package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vextir/lightning"
)

// ProviderStatus combines the latest health probe of a provider with its
// breaker state.
type ProviderStatus struct {
	Name    string                      `json:"name"`
	Health  lightning.HealthCheckResult `json:"health"`
	Breaker Snapshot                    `json:"breaker"`
}

type monitoredProvider struct {
	name    string
	checker lightning.HealthChecker
	breaker *CircuitBreaker

	mu   sync.Mutex
	last lightning.HealthCheckResult
}

// HealthMonitor polls registered providers and feeds the results into their
// circuit breakers.
type HealthMonitor struct {
	interval time.Duration
	logger   lightning.Logger

	mu        sync.RWMutex
	providers map[string]*monitoredProvider

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	started  bool
}

// NewHealthMonitor creates a monitor polling at the given interval.
func NewHealthMonitor(cfg lightning.HealthConfig, logger lightning.Logger) *HealthMonitor {
	interval := time.Duration(cfg.CheckIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HealthMonitor{
		interval:  interval,
		logger:    logger,
		providers: map[string]*monitoredProvider{},
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Register adds a provider to the poll set. breaker may be nil when the
// provider is monitored without call protection.
func (m *HealthMonitor) Register(name string, checker lightning.HealthChecker, breaker *CircuitBreaker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[name] = &monitoredProvider{
		name:    name,
		checker: checker,
		breaker: breaker,
		last:    lightning.HealthCheckResult{Status: lightning.HealthStatusUnknown},
	}
}

// Start begins the poll loop. An immediate first sweep runs so status is
// populated before the first interval elapses.
func (m *HealthMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	go m.loop(context.WithoutCancel(ctx))
}

// Stop halts the poll loop and waits for it to exit.
func (m *HealthMonitor) Stop() {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if !started {
		return
	}
	m.stopOnce.Do(func() {
		close(m.stop)
		<-m.done
	})
}

func (m *HealthMonitor) loop(ctx context.Context) {
	defer close(m.done)
	m.sweep(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *HealthMonitor) sweep(ctx context.Context) {
	m.mu.RLock()
	providers := make([]*monitoredProvider, 0, len(m.providers))
	for _, p := range m.providers {
		providers = append(providers, p)
	}
	m.mu.RUnlock()

	for _, p := range providers {
		probeCtx, cancel := context.WithTimeout(ctx, m.interval)
		result := p.checker.HealthCheck(probeCtx)
		cancel()

		p.mu.Lock()
		p.last = result
		p.mu.Unlock()

		if p.breaker != nil {
			// Degraded providers stay operational; only unhealthy
			// probes count as breaker failures.
			p.breaker.RecordResult(result.Status != lightning.HealthStatusUnhealthy)
		}
		if !result.Status.IsHealthy() {
			m.logger.Warn("provider unhealthy",
				"provider", p.name, "status", result.Status.String(), "error", result.Error)
		}
	}
}

// ProviderStatus returns the combined health and breaker view for one
// provider.
func (m *HealthMonitor) ProviderStatus(name string) (ProviderStatus, error) {
	m.mu.RLock()
	p := m.providers[name]
	m.mu.RUnlock()
	if p == nil {
		return ProviderStatus{}, fmt.Errorf("%w: provider %s not monitored", lightning.ErrNotFound, name)
	}
	return p.status(), nil
}

// Statuses returns all providers' status, sorted by name.
func (m *HealthMonitor) Statuses() []ProviderStatus {
	m.mu.RLock()
	providers := make([]*monitoredProvider, 0, len(m.providers))
	for _, p := range m.providers {
		providers = append(providers, p)
	}
	m.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(providers))
	for _, p := range providers {
		out = append(out, p.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (p *monitoredProvider) status() ProviderStatus {
	p.mu.Lock()
	last := p.last
	p.mu.Unlock()
	st := ProviderStatus{Name: p.name, Health: last}
	if p.breaker != nil {
		st.Breaker = p.breaker.Snapshot()
	}
	return st
}
