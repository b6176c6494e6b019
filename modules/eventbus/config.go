package eventbus

import "time"

// Config defines the tunables of the memory event bus engine.
type Config struct {
	// WorkerCount is the number of goroutines draining the delivery queue.
	WorkerCount int `json:"workerCount" yaml:"workerCount" default:"5"`

	// MaxQueueSize bounds the shared delivery queue. Publishers exceeding
	// capacity receive ErrBusFull.
	MaxQueueSize int `json:"maxQueueSize" yaml:"maxQueueSize" default:"1000"`

	// DedupEnabled turns on publish-time deduplication.
	DedupEnabled bool `json:"dedupEnabled" yaml:"dedupEnabled"`

	// DedupWindow is how long a dedup key suppresses duplicates.
	DedupWindow time.Duration `json:"dedupWindow" yaml:"dedupWindow"`

	// DedupMaxSize bounds the dedup cache.
	DedupMaxSize int `json:"dedupMaxSize" yaml:"dedupMaxSize"`

	// ReplayEnabled turns on history retention.
	ReplayEnabled bool `json:"replayEnabled" yaml:"replayEnabled"`

	// MaxHistorySize bounds the history ring.
	MaxHistorySize int `json:"maxHistorySize" yaml:"maxHistorySize"`

	// HistoryRetention is how long history entries survive the sweep.
	HistoryRetention time.Duration `json:"historyRetention" yaml:"historyRetention"`

	// MaxOrphans bounds the orphan ring; oldest records evict first.
	MaxOrphans int `json:"maxOrphans" yaml:"maxOrphans"`

	// MaxDeadLetters bounds the dead-letter store.
	MaxDeadLetters int `json:"maxDeadLetters" yaml:"maxDeadLetters"`

	// DeadLetterTTL is how long dead-letter entries are retained.
	DeadLetterTTL time.Duration `json:"deadLetterTTL" yaml:"deadLetterTTL"`

	// SweepInterval is how often retention sweeps run.
	SweepInterval time.Duration `json:"sweepInterval" yaml:"sweepInterval"`
}

// DefaultConfig returns the memory engine defaults.
func DefaultConfig() Config {
	return Config{
		WorkerCount:      5,
		MaxQueueSize:     1000,
		DedupEnabled:     true,
		DedupWindow:      60 * time.Second,
		DedupMaxSize:     10000,
		ReplayEnabled:    true,
		MaxHistorySize:   10000,
		HistoryRetention: 24 * time.Hour,
		MaxOrphans:       1000,
		MaxDeadLetters:   1000,
		DeadLetterTTL:    24 * time.Hour,
		SweepInterval:    time.Minute,
	}
}

// normalize fills zero values with defaults.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.WorkerCount <= 0 {
		c.WorkerCount = def.WorkerCount
	}
	if c.MaxQueueSize <= 0 {
		c.MaxQueueSize = def.MaxQueueSize
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = def.DedupWindow
	}
	if c.DedupMaxSize <= 0 {
		c.DedupMaxSize = def.DedupMaxSize
	}
	if c.MaxHistorySize <= 0 {
		c.MaxHistorySize = def.MaxHistorySize
	}
	if c.HistoryRetention <= 0 {
		c.HistoryRetention = def.HistoryRetention
	}
	if c.MaxOrphans <= 0 {
		c.MaxOrphans = def.MaxOrphans
	}
	if c.MaxDeadLetters <= 0 {
		c.MaxDeadLetters = def.MaxDeadLetters
	}
	if c.DeadLetterTTL <= 0 {
		c.DeadLetterTTL = def.DeadLetterTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	return c
}
