package registry

import "errors"

var (
	// Driver registry errors
	ErrDriverIDEmpty      = errors.New("driver id cannot be empty")
	ErrDriverExists       = errors.New("driver already registered")
	ErrDriverNotFound     = errors.New("driver not found")
	ErrDriverConstructor  = errors.New("driver constructor cannot be nil")
	ErrNoCapabilities     = errors.New("driver manifest declares no capabilities")
	ErrDependencyCycle    = errors.New("driver dependency cycle detected")
	ErrRequiredDriverInit = errors.New("required driver failed to initialize")
	ErrDriverNotRunning   = errors.New("driver is not running")
	ErrUnknownDependency  = errors.New("driver depends on unknown driver")

	// Tool registry errors
	ErrToolIDEmpty      = errors.New("tool id cannot be empty")
	ErrToolExists       = errors.New("tool already registered")
	ErrToolNotFound     = errors.New("tool not found")
	ErrToolSchemaFailed = errors.New("tool parameter schema failed to compile")

	// Model registry errors
	ErrModelIDEmpty     = errors.New("model id cannot be empty")
	ErrModelNotFound    = errors.New("model not found")
	ErrNoModelForCap    = errors.New("no model provides the requested capability")
	ErrUsageUserMissing = errors.New("usage record missing user id")
)
