package lightning

import (
	"context"
	"time"
)

// HealthStatus represents the health state of a provider or component.
type HealthStatus int

const (
	// HealthStatusUnknown indicates the status has not been determined yet,
	// typically because no health check has completed.
	HealthStatusUnknown HealthStatus = iota

	// HealthStatusHealthy indicates the provider is operating normally.
	HealthStatusHealthy

	// HealthStatusDegraded indicates the provider is operational but not
	// performing optimally. Non-critical functionality may be impaired.
	HealthStatusDegraded

	// HealthStatusUnhealthy indicates the provider is not functioning
	// properly and should not be relied on.
	HealthStatusUnhealthy
)

// String returns the string representation of the health status.
func (s HealthStatus) String() string {
	switch s {
	case HealthStatusHealthy:
		return "healthy"
	case HealthStatusDegraded:
		return "degraded"
	case HealthStatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// IsHealthy returns true if the status represents a healthy state.
func (s HealthStatus) IsHealthy() bool {
	return s == HealthStatusHealthy
}

// HealthCheckResult is the outcome of a single provider health probe.
type HealthCheckResult struct {
	// Status is the health status determined by the check.
	Status HealthStatus `json:"status"`

	// Latency is how long the probe took.
	Latency time.Duration `json:"latency"`

	// Error holds the probe failure message, empty when healthy.
	Error string `json:"error,omitempty"`

	// CheckedAt is when the probe was performed.
	CheckedAt time.Time `json:"checkedAt"`

	// Details contains additional structured information about the check:
	// queue depths, item counts, engine names.
	Details map[string]any `json:"details,omitempty"`
}

// HealthChecker is implemented by every provider the runtime composes.
// Probes must be cheap and respect context cancellation.
type HealthChecker interface {
	HealthCheck(ctx context.Context) HealthCheckResult
}

// Healthy is a convenience constructor for a passing result.
func Healthy(latency time.Duration, details map[string]any) HealthCheckResult {
	return HealthCheckResult{
		Status:    HealthStatusHealthy,
		Latency:   latency,
		CheckedAt: time.Now().UTC(),
		Details:   details,
	}
}

// Unhealthy is a convenience constructor for a failing result.
func Unhealthy(latency time.Duration, err error) HealthCheckResult {
	res := HealthCheckResult{
		Status:    HealthStatusUnhealthy,
		Latency:   latency,
		CheckedAt: time.Now().UTC(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	return res
}
