// Package resilience guards provider calls with circuit breakers and feeds
// them from a periodic health monitor.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vextir/lightning"
)

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	// StateClosed allows calls through and counts failures.
	StateClosed CircuitState = iota
	// StateOpen rejects calls until the timeout elapses.
	StateOpen
	// StateHalfOpen lets a bounded number of probe calls through.
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Settings tunes a circuit breaker. Zero values fall back to the defaults.
type Settings struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // consecutive half-open successes to close
	Timeout          time.Duration // open duration before probing
	HalfOpenRequests int           // concurrent probe budget while half-open
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 2
	}
	if s.Timeout <= 0 {
		s.Timeout = 60 * time.Second
	}
	if s.HalfOpenRequests <= 0 {
		s.HalfOpenRequests = 3
	}
	return s
}

// SettingsFromConfig maps the runtime resilience block onto breaker settings.
func SettingsFromConfig(cfg lightning.ResilienceConfig) Settings {
	return Settings{
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		Timeout:          time.Duration(cfg.TimeoutSeconds) * time.Second,
		HalfOpenRequests: cfg.HalfOpenRequests,
	}
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name            string       `json:"name"`
	State           CircuitState `json:"-"`
	StateName       string       `json:"state"`
	FailureCount    int          `json:"failure_count"`
	LastFailureTime time.Time    `json:"last_failure_time,omitempty"`
	IsOperational   bool         `json:"is_operational"`
}

// CircuitBreaker protects one named resource. Safe for concurrent use.
type CircuitBreaker struct {
	name     string
	settings Settings
	logger   lightning.Logger

	mu           sync.Mutex
	state        CircuitState
	failureCount int
	successCount int
	lastFailure  time.Time
	inFlight     int
}

// NewCircuitBreaker creates a closed breaker for the named resource.
func NewCircuitBreaker(name string, settings Settings, logger lightning.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name:     name,
		settings: settings.withDefaults(),
		logger:   logger,
		state:    StateClosed,
	}
}

// Execute runs fn under the breaker's admission policy. A context error from
// fn counts as a failure like any other error.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err == nil)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.settings.Timeout {
			return fmt.Errorf("%w: %s", lightning.ErrCircuitOpen, cb.name)
		}
		cb.toHalfOpen()
		cb.inFlight++
		return nil
	case StateHalfOpen:
		if cb.inFlight >= cb.settings.HalfOpenRequests {
			return fmt.Errorf("%w: %s: half-open probe budget exhausted", lightning.ErrCircuitOpen, cb.name)
		}
		cb.inFlight++
		return nil
	default:
		return fmt.Errorf("%w: %s: unknown breaker state", lightning.ErrInternal, cb.name)
	}
}

func (cb *CircuitBreaker) record(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if success {
			cb.failureCount = 0
			return
		}
		cb.failureCount++
		cb.lastFailure = time.Now()
		if cb.failureCount >= cb.settings.FailureThreshold {
			cb.state = StateOpen
			cb.logger.Warn("circuit opened", "resource", cb.name, "failures", cb.failureCount)
		}
	case StateHalfOpen:
		if cb.inFlight > 0 {
			cb.inFlight--
		}
		if !success {
			cb.state = StateOpen
			cb.lastFailure = time.Now()
			cb.successCount = 0
			cb.logger.Warn("circuit re-opened by half-open failure", "resource", cb.name)
			return
		}
		cb.successCount++
		if cb.successCount >= cb.settings.SuccessThreshold {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.successCount = 0
			cb.inFlight = 0
			cb.logger.Info("circuit closed", "resource", cb.name)
		}
	case StateOpen:
		// A call admitted before the transition raced the open; count
		// only failures so recovery still needs half-open successes.
		if !success {
			cb.lastFailure = time.Now()
		}
	}
}

func (cb *CircuitBreaker) toHalfOpen() {
	cb.state = StateHalfOpen
	cb.successCount = 0
	cb.inFlight = 0
	cb.logger.Info("circuit half-open", "resource", cb.name)
}

// RecordResult feeds an out-of-band observation (a health probe) into the
// breaker without the admission path.
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	if cb.state == StateOpen && success {
		// Probes do not close an open breaker; real traffic must.
		cb.mu.Unlock()
		return
	}
	cb.mu.Unlock()
	cb.record(success)
}

// Snapshot returns the breaker's current state.
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:            cb.name,
		State:           cb.state,
		StateName:       cb.state.String(),
		FailureCount:    cb.failureCount,
		LastFailureTime: cb.lastFailure,
		IsOperational:   cb.state != StateOpen,
	}
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failureCount = 0
	cb.successCount = 0
	cb.inFlight = 0
}
