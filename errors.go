package lightning

import "errors"

// Core error taxonomy. Every error surfaced across a package boundary wraps
// exactly one of these sentinels so callers can classify failures with
// errors.Is without depending on provider internals.
var (
	// Boundary validation errors
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")

	// Resilience and transport errors
	ErrCircuitOpen    = errors.New("circuit breaker is open")
	ErrBusUnavailable = errors.New("event bus unavailable")
	ErrBusFull        = errors.New("event bus delivery queue full")
	ErrTimeout        = errors.New("operation timed out")

	// Event lifecycle errors
	ErrTTLExpired    = errors.New("event ttl expired")
	ErrDriverFailure = errors.New("driver failed handling event")

	// Everything else
	ErrInternal = errors.New("internal error")
)

// Event envelope errors
var (
	ErrEventTypeEmpty   = errors.New("event type cannot be empty")
	ErrEventIDEmpty     = errors.New("event id cannot be empty")
	ErrInvalidPriority  = errors.New("invalid event priority")
	ErrMetadataTypeCast = errors.New("metadata value has unexpected type")
)

// Configuration errors
var (
	ErrConfigNil            = errors.New("config is nil")
	ErrConfigNotPointer     = errors.New("config must be a pointer to a struct")
	ErrUnknownMode          = errors.New("unknown runtime mode")
	ErrUnknownProvider      = errors.New("unknown provider name")
	ErrConfigFileUnreadable = errors.New("config file cannot be read")
	ErrConfigFormatUnknown  = errors.New("config file format not recognized")
)
