// Package runtime composes the configured providers, registries and
// processing pipeline into one runnable unit and owns their lifecycle.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/vextir/lightning"
	"github.com/vextir/lightning/modules/conversation"
	"github.com/vextir/lightning/modules/drivers/chat"
	"github.com/vextir/lightning/modules/drivers/contexthub"
	"github.com/vextir/lightning/modules/drivers/indexguide"
	"github.com/vextir/lightning/modules/drivers/schedule"
	"github.com/vextir/lightning/modules/eventbus"
	"github.com/vextir/lightning/modules/processor"
	"github.com/vextir/lightning/modules/registry"
	"github.com/vextir/lightning/modules/resilience"
	"github.com/vextir/lightning/modules/storage"
)

// ShutdownGrace bounds the drain of in-flight handlers on shutdown.
const ShutdownGrace = 30 * time.Second

// Option customizes runtime construction.
type Option func(*options)

type options struct {
	store      storage.Store
	bus        eventbus.EventBus
	chatClient chat.Client
	noDrivers  bool
}

// WithStore mounts an external storage provider instead of the built-in one
// named in the config.
func WithStore(store storage.Store) Option {
	return func(o *options) { o.store = store }
}

// WithEventBus mounts an external bus provider.
func WithEventBus(bus eventbus.EventBus) Option {
	return func(o *options) { o.bus = bus }
}

// WithChatClient overrides the chat driver's model client.
func WithChatClient(client chat.Client) Option {
	return func(o *options) { o.chatClient = client }
}

// WithoutReferenceDrivers skips registering the built-in drivers; callers
// register their own.
func WithoutReferenceDrivers() Option {
	return func(o *options) { o.noDrivers = true }
}

// Runtime is the composed Vextir runtime core.
type Runtime struct {
	cfg    *lightning.RuntimeConfig
	logger lightning.Logger

	store storage.Store
	bus   eventbus.EventBus

	models        *registry.ModelRegistry
	tools         *registry.ToolRegistry
	usage         *registry.UsageTracker
	drivers       *registry.DriverRegistry
	conversations *conversation.Manager
	processor     *processor.UniversalProcessor
	monitor       *processor.EventMonitor
	health        *resilience.HealthMonitor

	admin *adminServer

	started bool
}

// New composes a runtime from the config. Nothing runs until Start.
func New(cfg *lightning.RuntimeConfig, logger lightning.Logger, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, lightning.ErrConfigNil
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if logger == nil {
		logger = lightning.DefaultLogger(0)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store, err := buildStore(cfg, logger, o)
	if err != nil {
		return nil, err
	}
	bus, err := buildBus(cfg, logger, o)
	if err != nil {
		return nil, err
	}

	r := &Runtime{cfg: cfg, logger: logger}

	if cfg.Resilience.Enabled {
		settings := resilience.SettingsFromConfig(cfg.Resilience)
		r.health = resilience.NewHealthMonitor(cfg.Health, logger)

		guardedStore := resilience.NewGuardedStore(store, resilience.NewCircuitBreaker("storage", settings, logger))
		r.health.Register("storage", store, guardedStore.Breaker())
		store = guardedStore

		guardedBus := resilience.NewGuardedBus(bus, resilience.NewCircuitBreaker("eventbus", settings, logger))
		r.health.Register("eventbus", bus, guardedBus.Breaker())
		bus = guardedBus
	}
	r.store = store
	r.bus = bus

	r.models = registry.NewModelRegistry()
	r.models.SeedDefaults()
	r.tools = registry.NewToolRegistry()
	r.usage = registry.NewUsageTracker(r.models, r.store, logger)
	r.conversations = conversation.NewManager(cfg.Conversation, logger)

	deps := registry.Deps{
		Store:   r.store,
		Models:  r.models,
		Tools:   r.tools,
		Usage:   r.usage,
		Logger:  logger,
		Publish: r.PublishEvent,
	}
	r.drivers = registry.NewDriverRegistry(deps, logger)
	r.processor = processor.New(r.bus, r.drivers, r.conversations, logger)
	r.monitor = processor.NewMonitor(r.processor, r.bus, time.Minute, logger)

	if !o.noDrivers {
		if err := r.registerReferenceDrivers(o); err != nil {
			return nil, err
		}
	}

	if cfg.AdminAddr != "" {
		r.admin = newAdminServer(cfg.AdminAddr, r, logger)
	}
	return r, nil
}

func buildStore(cfg *lightning.RuntimeConfig, logger lightning.Logger, o options) (storage.Store, error) {
	if o.store != nil {
		return o.store, nil
	}
	switch cfg.StorageProvider {
	case lightning.ProviderMemory:
		return storage.NewMemoryStore(cfg.StoragePath, logger)
	default:
		return nil, fmt.Errorf("%w: storage provider %q", lightning.ErrUnknownProvider, cfg.StorageProvider)
	}
}

func buildBus(cfg *lightning.RuntimeConfig, logger lightning.Logger, o options) (eventbus.EventBus, error) {
	if o.bus != nil {
		return o.bus, nil
	}
	switch cfg.EventBusProvider {
	case lightning.ProviderMemory:
		busCfg := eventbus.DefaultConfig()
		busCfg.DedupEnabled = cfg.Dedup.Enabled
		busCfg.DedupWindow = cfg.Dedup.Window()
		busCfg.DedupMaxSize = cfg.Dedup.MaxCacheSize
		busCfg.ReplayEnabled = cfg.Replay.Enabled
		busCfg.MaxHistorySize = cfg.Replay.MaxHistorySize
		busCfg.HistoryRetention = cfg.Replay.Retention()
		return eventbus.NewMemoryEventBus(busCfg, logger), nil
	default:
		return nil, fmt.Errorf("%w: event bus provider %q", lightning.ErrUnknownProvider, cfg.EventBusProvider)
	}
}

func (r *Runtime) registerReferenceDrivers(o options) error {
	if err := r.drivers.Register(chat.Manifest(), chat.Constructor(chat.Options{
		Client:      o.chatClient,
		Model:       r.cfg.Chat.Model,
		Temperature: r.cfg.Chat.Temperature,
	})); err != nil {
		return fmt.Errorf("registering chat driver: %w", err)
	}
	if err := r.drivers.Register(schedule.Manifest(), schedule.Constructor()); err != nil {
		return fmt.Errorf("registering scheduler driver: %w", err)
	}
	if err := r.drivers.Register(indexguide.Manifest(), indexguide.Constructor()); err != nil {
		return fmt.Errorf("registering index guide driver: %w", err)
	}
	if r.cfg.ContextHub.URL != "" {
		if err := r.drivers.Register(contexthub.Manifest(), contexthub.Constructor(r.cfg.ContextHub)); err != nil {
			return fmt.Errorf("registering context hub driver: %w", err)
		}
	}
	return nil
}

// Start brings the runtime up: bus, drivers, processor, monitors and the
// admin surface.
func (r *Runtime) Start(ctx context.Context) error {
	if r.started {
		return nil
	}
	if err := r.bus.Start(ctx); err != nil {
		return fmt.Errorf("starting event bus: %w", err)
	}
	if err := r.drivers.InitializeAll(ctx); err != nil {
		return fmt.Errorf("initializing drivers: %w", err)
	}
	if err := r.processor.Start(ctx); err != nil {
		return err
	}
	r.monitor.Start(ctx)
	if r.health != nil {
		r.health.Start(ctx)
	}
	if r.admin != nil {
		if err := r.admin.Start(); err != nil {
			return fmt.Errorf("starting admin server: %w", err)
		}
	}
	r.started = true
	r.logger.Info("runtime started",
		"mode", r.cfg.Mode,
		"storage", r.cfg.StorageProvider,
		"event_bus", r.cfg.EventBusProvider,
		"resilience", r.cfg.Resilience.Enabled)
	return nil
}

// PublishEvent publishes one event on the bus.
func (r *Runtime) PublishEvent(ctx context.Context, event lightning.Event) error {
	return r.bus.Publish(ctx, event)
}

// Subscribe registers a handler for a subject pattern.
func (r *Runtime) Subscribe(ctx context.Context, subject string, handler eventbus.EventHandler, opts ...eventbus.SubscribeOption) (eventbus.Subscription, error) {
	return r.bus.Subscribe(ctx, subject, handler, opts...)
}

// Bus exposes the composed event bus.
func (r *Runtime) Bus() eventbus.EventBus { return r.bus }

// Store exposes the composed storage provider.
func (r *Runtime) Store() storage.Store { return r.store }

// Drivers exposes the driver registry.
func (r *Runtime) Drivers() *registry.DriverRegistry { return r.drivers }

// Tools exposes the tool registry.
func (r *Runtime) Tools() *registry.ToolRegistry { return r.tools }

// Models exposes the model catalog.
func (r *Runtime) Models() *registry.ModelRegistry { return r.models }

// Usage exposes the usage tracker.
func (r *Runtime) Usage() *registry.UsageTracker { return r.usage }

// Conversations exposes the conversation manager.
func (r *Runtime) Conversations() *conversation.Manager { return r.conversations }

// Status is the aggregate runtime view served by the status surfaces.
type Status struct {
	Mode        string                      `json:"mode"`
	Started     bool                        `json:"started"`
	BusStats    eventbus.Stats              `json:"bus_stats"`
	Metrics     processor.Metrics           `json:"metrics"`
	HealthScore int                         `json:"health_score"`
	Drivers     []registry.DriverInfo       `json:"drivers"`
	Sessions    int                         `json:"sessions"`
	Providers   []resilience.ProviderStatus `json:"providers,omitempty"`
	Orphans     []eventbus.OrphanRecord     `json:"orphans,omitempty"`
	DeadLetters []eventbus.DeadLetterRecord `json:"dead_letters,omitempty"`
}

// Status reports the aggregate runtime state. verbose includes parked
// orphans and dead letters.
func (r *Runtime) Status(verbose bool) Status {
	report := r.monitor.Generate()
	st := Status{
		Mode:        r.cfg.Mode,
		Started:     r.started,
		BusStats:    report.BusStats,
		Metrics:     report.Metrics,
		HealthScore: report.HealthScore,
		Drivers:     r.drivers.List(registry.ListFilter{}),
		Sessions:    r.conversations.SessionCount(),
	}
	if r.health != nil {
		st.Providers = r.health.Statuses()
	}
	if verbose {
		st.Orphans = r.bus.OrphanedEvents(50)
		st.DeadLetters = r.bus.DeadLetterEvents(50)
	}
	return st
}

// Shutdown stops the runtime gracefully: no new events, drain in-flight
// handlers up to ShutdownGrace, then close providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if !r.started {
		return nil
	}
	r.started = false

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownGrace)
	defer cancel()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if r.admin != nil {
		record(r.admin.Stop(drainCtx))
	}
	if r.health != nil {
		r.health.Stop()
	}
	r.monitor.Stop()
	record(r.processor.Stop(drainCtx))
	record(r.bus.Stop(drainCtx))

	if dead := r.bus.DeadLetterEvents(0); len(dead) > 0 {
		r.logger.Warn("shutting down with dead letters parked", "count", len(dead))
	}

	r.drivers.ShutdownAll(drainCtx)
	r.conversations.Close()
	record(r.store.Close(drainCtx))

	r.logger.Info("runtime stopped")
	return firstErr
}
