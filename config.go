package lightning

import (
	"fmt"
	"time"
)

// Runtime modes.
const (
	ModeLocal = "local"
	ModeCloud = "cloud"
)

// Provider names understood by the built-in factory. External providers
// mount behind the same interfaces through runtime options.
const (
	ProviderMemory = "memory"
)

// DedupConfig controls publish-time event deduplication.
type DedupConfig struct {
	// Enabled turns the dedup cache on.
	Enabled bool `json:"enabled" yaml:"enabled" env:"DEDUP_ENABLED" default:"true"`

	// WindowSeconds is how long a dedup key suppresses duplicates.
	WindowSeconds int `json:"windowSeconds" yaml:"windowSeconds" env:"DEDUP_WINDOW_SECONDS" default:"60"`

	// MaxCacheSize bounds the dedup cache; oldest keys evict first.
	MaxCacheSize int `json:"maxCacheSize" yaml:"maxCacheSize" env:"DEDUP_MAX_CACHE_SIZE" default:"10000"`
}

// Window returns the dedup window as a duration.
func (c DedupConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// ReplayConfig controls event history retention.
type ReplayConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" env:"REPLAY_ENABLED" default:"true"`

	// MaxHistorySize bounds the history ring; oldest events evict first.
	MaxHistorySize int `json:"maxHistorySize" yaml:"maxHistorySize" env:"REPLAY_MAX_HISTORY_SIZE" default:"10000"`

	// RetentionSeconds is how long history entries survive the sweep.
	RetentionSeconds int `json:"retentionSeconds" yaml:"retentionSeconds" env:"REPLAY_RETENTION_SECONDS" default:"86400"`
}

// Retention returns the history retention as a duration.
func (c ReplayConfig) Retention() time.Duration {
	return time.Duration(c.RetentionSeconds) * time.Second
}

// ResilienceConfig controls the circuit breakers wrapped around providers.
type ResilienceConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" env:"RESILIENCE_ENABLED" default:"true"`

	FailureThreshold int `json:"failureThreshold" yaml:"failureThreshold" env:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	SuccessThreshold int `json:"successThreshold" yaml:"successThreshold" env:"BREAKER_SUCCESS_THRESHOLD" default:"2"`
	TimeoutSeconds   int `json:"timeoutSeconds" yaml:"timeoutSeconds" env:"BREAKER_TIMEOUT_SECONDS" default:"60"`
	HalfOpenRequests int `json:"halfOpenRequests" yaml:"halfOpenRequests" env:"BREAKER_HALF_OPEN_REQUESTS" default:"3"`
}

// HealthConfig controls the provider health monitor.
type HealthConfig struct {
	CheckIntervalSeconds int `json:"checkIntervalSeconds" yaml:"checkIntervalSeconds" env:"HEALTH_CHECK_INTERVAL_SECONDS" default:"10"`
}

// CheckInterval returns the poll interval as a duration.
func (c HealthConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// ConversationConfig controls session expiry and trimming.
type ConversationConfig struct {
	MaxSessionAgeHours int `json:"maxSessionAgeHours" yaml:"maxSessionAgeHours" env:"CONVERSATION_MAX_SESSION_AGE_HOURS" default:"24"`
	MaxTurnsPerSession int `json:"maxTurnsPerSession" yaml:"maxTurnsPerSession" env:"CONVERSATION_MAX_TURNS_PER_SESSION" default:"100"`
}

// MaxSessionAge returns the session expiry bound as a duration.
func (c ConversationConfig) MaxSessionAge() time.Duration {
	return time.Duration(c.MaxSessionAgeHours) * time.Hour
}

// ChatConfig configures the reference chat driver.
type ChatConfig struct {
	Model       string  `json:"model" yaml:"model" env:"CHAT_MODEL" default:"gpt-4o-mini"`
	Temperature float64 `json:"temperature" yaml:"temperature" env:"CHAT_TEMPERATURE" default:"0.7"`
}

// ContextHubConfig configures the context-hub connector driver.
type ContextHubConfig struct {
	URL            string `json:"url" yaml:"url" env:"CONTEXT_HUB_URL"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds" env:"CONTEXT_HUB_TIMEOUT_SECONDS" default:"30"`
}

// RuntimeConfig enumerates everything the runtime factory needs to compose
// an executable runtime. All fields have working local-mode defaults; an
// empty config is valid after Validate.
type RuntimeConfig struct {
	// Mode selects the deployment profile: "local" or "cloud".
	Mode string `json:"mode" yaml:"mode" env:"MODE" default:"local"`

	// Provider names. Only "memory" ships in-tree; cloud providers mount
	// via runtime options and keep these names for status reporting.
	StorageProvider    string `json:"storageProvider" yaml:"storageProvider" env:"STORAGE_PROVIDER" default:"memory"`
	EventBusProvider   string `json:"eventBusProvider" yaml:"eventBusProvider" env:"EVENT_BUS_PROVIDER" default:"memory"`
	ServerlessProvider string `json:"serverlessProvider" yaml:"serverlessProvider" env:"SERVERLESS_PROVIDER" default:"local"`
	ContainerRuntime   string `json:"containerRuntime" yaml:"containerRuntime" env:"CONTAINER_RUNTIME" default:"local"`

	// StoragePath enables file durability for the local storage provider.
	StoragePath string `json:"storagePath" yaml:"storagePath" env:"STORAGE_PATH"`

	// AdminAddr enables the admin HTTP surface (/healthz, /status,
	// /metrics) when non-empty, e.g. "127.0.0.1:8090".
	AdminAddr string `json:"adminAddr" yaml:"adminAddr" env:"ADMIN_ADDR"`

	// Region and Tags apply to cloud mode resource placement.
	Region string            `json:"region" yaml:"region" env:"REGION"`
	Tags   map[string]string `json:"tags" yaml:"tags"`

	Dedup        DedupConfig        `json:"dedup" yaml:"dedup"`
	Replay       ReplayConfig       `json:"replay" yaml:"replay"`
	Resilience   ResilienceConfig   `json:"resilience" yaml:"resilience"`
	Health       HealthConfig       `json:"health" yaml:"health"`
	Conversation ConversationConfig `json:"conversation" yaml:"conversation"`
	Chat         ChatConfig         `json:"chat" yaml:"chat"`
	ContextHub   ContextHubConfig   `json:"contextHub" yaml:"contextHub"`
}

// NewRuntimeConfig returns a config with all defaults applied.
func NewRuntimeConfig() *RuntimeConfig {
	cfg := &RuntimeConfig{}
	if err := ApplyDefaults(cfg); err != nil {
		// Defaults are struct tags under our control; a failure here is a
		// programming error.
		panic(err)
	}
	return cfg
}

// Validate normalizes zero values to defaults and rejects invalid settings.
func (c *RuntimeConfig) Validate() error {
	if c == nil {
		return ErrConfigNil
	}
	if c.Mode == "" {
		c.Mode = ModeLocal
	}
	if c.Mode != ModeLocal && c.Mode != ModeCloud {
		return fmt.Errorf("%w: %q", ErrUnknownMode, c.Mode)
	}
	if c.StorageProvider == "" {
		c.StorageProvider = ProviderMemory
	}
	if c.EventBusProvider == "" {
		c.EventBusProvider = ProviderMemory
	}
	if c.Dedup.WindowSeconds <= 0 {
		c.Dedup.WindowSeconds = 60
	}
	if c.Dedup.MaxCacheSize <= 0 {
		c.Dedup.MaxCacheSize = 10000
	}
	if c.Replay.MaxHistorySize <= 0 {
		c.Replay.MaxHistorySize = 10000
	}
	if c.Replay.RetentionSeconds <= 0 {
		c.Replay.RetentionSeconds = 86400
	}
	if c.Resilience.FailureThreshold <= 0 {
		c.Resilience.FailureThreshold = 5
	}
	if c.Resilience.SuccessThreshold <= 0 {
		c.Resilience.SuccessThreshold = 2
	}
	if c.Resilience.TimeoutSeconds <= 0 {
		c.Resilience.TimeoutSeconds = 60
	}
	if c.Resilience.HalfOpenRequests <= 0 {
		c.Resilience.HalfOpenRequests = 3
	}
	if c.Health.CheckIntervalSeconds <= 0 {
		c.Health.CheckIntervalSeconds = 10
	}
	if c.Conversation.MaxSessionAgeHours <= 0 {
		c.Conversation.MaxSessionAgeHours = 24
	}
	if c.Conversation.MaxTurnsPerSession <= 0 {
		c.Conversation.MaxTurnsPerSession = 100
	}
	if c.Chat.Model == "" {
		c.Chat.Model = "gpt-4o-mini"
	}
	if c.ContextHub.TimeoutSeconds <= 0 {
		c.ContextHub.TimeoutSeconds = 30
	}
	return nil
}
