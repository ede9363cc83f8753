// Package synapse is the resilient task-orchestration core between a
// conversational front end and an in-process inference backend. A Core
// is built once at process start and carries every engine explicitly:
// there are no package-level singletons and no import-time side
// effects. Hosts reach the core either in-process through Dial, which
// returns a connected bridge over an in-memory pipe, or by serving any
// transport of their own through Serve.
package synapse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"synapse/internal/bridge"
	"synapse/internal/capacity"
	"synapse/internal/cognition"
	"synapse/internal/config"
	"synapse/internal/inference"
	"synapse/internal/intent"
	"synapse/internal/journal"
	"synapse/internal/logging"
	"synapse/internal/orchestrate"
	"synapse/internal/persist"
	"synapse/internal/protocol"
	"synapse/internal/resilience"
	"synapse/internal/telemetry"
)

// recentJournalLimit bounds how many debate journals are retained in
// memory and persisted across restarts.
const recentJournalLimit = 32

type options struct {
	config        *config.Config
	configPath    string
	watchConfig   bool
	logger        *zap.Logger
	engine        inference.Engine
	provider      telemetry.Provider
	fallback      intent.Fallback
	store         persist.Store
	workerFactory orchestrate.WorkerFactory
}

// Option customizes Core construction.
type Option func(*options)

// WithConfig uses an already-built configuration.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) { o.config = cfg }
}

// WithConfigFile loads configuration from the YAML file at path.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithConfigWatching hot-reloads routing categories when the config
// file changes. Only meaningful together with WithConfigFile.
func WithConfigWatching() Option {
	return func(o *options) { o.watchConfig = true }
}

// WithLogger sets the root logger; sub-loggers are derived per
// component.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithEngine injects the inference backend. Without it, an
// OpenAI-compatible HTTP engine is built from the configuration.
func WithEngine(engine inference.Engine) Option {
	return func(o *options) { o.engine = engine }
}

// WithTelemetry injects the device telemetry provider. Without it,
// capacity evaluation runs on documented defaults.
func WithTelemetry(provider telemetry.Provider) Option {
	return func(o *options) { o.provider = provider }
}

// WithFallback injects the second-tier intent classifier. Without it,
// the inference engine itself serves as the fallback.
func WithFallback(fallback intent.Fallback) Option {
	return func(o *options) { o.fallback = fallback }
}

// WithStore injects the snapshot store. Without it, the SQLite store
// from the configuration is used when persistence is enabled.
func WithStore(store persist.Store) Option {
	return func(o *options) { o.store = store }
}

// WithWorkerFactory lets the orchestrator recreate restarted workers.
func WithWorkerFactory(factory orchestrate.WorkerFactory) Option {
	return func(o *options) { o.workerFactory = factory }
}

// Core owns every engine of the orchestration runtime.
type Core struct {
	config     *config.Config
	logs       *logging.Factory
	router     *intent.Router
	evaluator  *capacity.Evaluator
	resilience *resilience.Engine
	registry   *orchestrate.Registry
	dispatcher *orchestrate.Dispatcher
	pipeline   *cognition.Pipeline
	kernel     *bridge.Kernel
	engine     inference.Engine
	store      persist.Store
	watcher    *config.Watcher

	serveCtx    context.Context
	serveCancel context.CancelFunc
	serveWG     sync.WaitGroup

	mu       sync.Mutex
	journals []journal.Snapshot
	closed   bool
}

// New assembles a Core. The returned Core is live: its resilience
// monitor is running and Serve/Dial may be used immediately. Close
// releases everything.
func New(opts ...Option) (*Core, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg := o.config
	if cfg == nil {
		var err error
		cfg, err = config.Load(o.configPath)
		if err != nil {
			return nil, fmt.Errorf("load configuration: %w", err)
		}
	}

	logs := logging.NewFactory(o.logger)

	engine := o.engine
	if engine == nil {
		httpCfg := inference.DefaultHTTPConfig(cfg.Inference.BaseURL, cfg.Inference.Model)
		httpCfg.MaxTokens = cfg.Inference.MaxTokens
		httpCfg.Temperature = cfg.Inference.Temperature
		httpCfg.Timeout = cfg.Inference.GetTimeout()
		engine = inference.NewHTTPEngine(httpCfg)
	}

	resilienceEngine := resilience.NewEngine(resilience.Config{
		FailureThreshold:     cfg.Resilience.FailureThreshold,
		Cooldown:             cfg.Resilience.GetCooldown(),
		DefaultTimeout:       cfg.Resilience.GetDefaultTimeout(),
		TargetTimeouts:       cfg.Resilience.GetTargetTimeouts(),
		BaseDelay:            cfg.Resilience.GetBaseDelay(),
		MaxDelay:             cfg.Resilience.GetMaxDelay(),
		LatencyWindow:        resilience.DefaultConfig().LatencyWindow,
		SuccessRateThreshold: cfg.Resilience.SuccessRateThreshold,
		MonitorInterval:      resilience.DefaultConfig().MonitorInterval,
	}, logs.Get(logging.CategoryResilience))

	categories, err := cfg.RouterCategories()
	if err != nil {
		return nil, err
	}
	fallback := o.fallback
	if fallback == nil {
		fallback = intent.NewLLMFallback(engine.Generate)
	}
	router := intent.NewRouter(intent.Config{
		AcceptThreshold: cfg.Intent.AcceptThreshold,
		MinScore:        cfg.Intent.MinScore,
		CatchAll:        cfg.Intent.CatchAll,
		CacheSize:       cfg.Intent.CacheSize,
		CacheTTL:        cfg.Intent.GetCacheTTL(),
	}, categories, fallback, logs.Get(logging.CategoryRouter))

	evaluator := capacity.NewEvaluator(logs.Get(logging.CategoryCapacity))

	provider := o.provider
	if provider == nil {
		provider = telemetry.Static{Snapshot: capacity.Snapshot{MemoryRatio: -1}}
	}

	registry := orchestrate.NewRegistry(orchestrate.Config{
		DispatchTimeout:    cfg.Orchestrator.GetDispatchTimeout(),
		ErrorThreshold:     cfg.Orchestrator.ErrorThreshold,
		LoadBalanced:       cfg.Orchestrator.LoadBalanced,
		LimitedConcurrency: cfg.Orchestrator.LimitedConcurrency,
	}, o.workerFactory, logs.Get(logging.CategoryWorkers))
	dispatcher := orchestrate.NewDispatcher(registry, resilienceEngine, logs.Get(logging.CategoryWorkers))

	pipeline := cognition.NewPipeline(cognition.DefaultConfig(), engine, resilienceEngine,
		logs.Get(logging.CategoryKernel))

	core := &Core{
		config:     cfg,
		logs:       logs,
		router:     router,
		evaluator:  evaluator,
		resilience: resilienceEngine,
		registry:   registry,
		dispatcher: dispatcher,
		pipeline:   pipeline,
		engine:     engine,
		store:      o.store,
	}
	core.serveCtx, core.serveCancel = context.WithCancel(context.Background())

	core.kernel = bridge.NewKernel(bridge.KernelConfig{
		HeartbeatInterval: cfg.Kernel.GetHeartbeatInterval(),
		DeepCategories:    cfg.Kernel.DeepCategories,
	}, router, evaluator, provider, engine, resilienceEngine, pipeline,
		core.recordJournal, logs.Get(logging.CategoryKernel))

	if core.store == nil && cfg.Persistence.Enabled && cfg.Persistence.DatabasePath != "" {
		store, err := persist.OpenSQLite(cfg.Persistence.DatabasePath, logs.Get(logging.CategoryPersist))
		if err != nil {
			return nil, err
		}
		core.store = store
	}
	core.restoreJournals()

	if o.watchConfig && o.configPath != "" {
		watcher, err := config.NewWatcher(o.configPath, core.applyReload, logs.Get(logging.CategoryConfig))
		if err != nil {
			return nil, err
		}
		if err := watcher.Start(); err != nil {
			return nil, err
		}
		core.watcher = watcher
	}

	resilienceEngine.Start()
	return core, nil
}

// applyReload swaps in the reloaded routing categories. Other sections
// require a restart and are deliberately left untouched.
func (c *Core) applyReload(cfg *config.Config) {
	categories, err := cfg.RouterCategories()
	if err != nil {
		c.logs.Get(logging.CategoryConfig).Warn("reloaded categories rejected", zap.Error(err))
		return
	}
	c.router.ReplaceCategories(categories)
	c.logs.Get(logging.CategoryConfig).Info("routing categories replaced",
		zap.Int("count", len(categories)))
}

// recordJournal keeps the most recent debate journals.
func (c *Core) recordJournal(snap journal.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.journals = append(c.journals, snap)
	if len(c.journals) > recentJournalLimit {
		c.journals = c.journals[len(c.journals)-recentJournalLimit:]
	}
}

// RecentJournals returns the retained debate journals, oldest first.
func (c *Core) RecentJournals() []journal.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]journal.Snapshot, len(c.journals))
	copy(out, c.journals)
	return out
}

// restoreJournals loads the journal history from the snapshot store.
// Absence, staleness and version drift all just mean a cold start.
func (c *Core) restoreJournals() {
	if c.store == nil {
		return
	}
	snap, err := c.store.Load(context.Background(), c.config.Version)
	if err != nil {
		if !errors.Is(err, persist.ErrNoSnapshot) {
			c.logs.Get(logging.CategoryPersist).Info("snapshot not restored", zap.Error(err))
		}
		return
	}
	var journals []journal.Snapshot
	if err := json.Unmarshal(snap.Blob, &journals); err != nil {
		c.logs.Get(logging.CategoryPersist).Warn("snapshot blob unreadable", zap.Error(err))
		return
	}
	c.mu.Lock()
	c.journals = journals
	c.mu.Unlock()
}

// saveJournals persists the journal history. Best effort: failure is
// logged, never fatal.
func (c *Core) saveJournals() {
	if c.store == nil {
		return
	}
	blob, err := json.Marshal(c.RecentJournals())
	if err != nil {
		return
	}
	if err := c.store.Save(context.Background(), persist.Snapshot{
		Version: c.config.Version,
		Blob:    blob,
	}); err != nil {
		c.logs.Get(logging.CategoryPersist).Warn("snapshot save failed", zap.Error(err))
	}
}

// Serve runs the kernel over a host-provided transport until the
// transport closes, the context ends, or the core shuts down.
func (c *Core) Serve(ctx context.Context, transport bridge.Transport) error {
	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-c.serveCtx.Done():
			cancel()
		case <-serveCtx.Done():
		}
	}()
	return c.kernel.Serve(serveCtx, transport)
}

// Dial connects a new in-process bridge to the kernel and blocks until
// it is ready. Each call gets its own connection.
func (c *Core) Dial(ctx context.Context) (*bridge.Bridge, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.New("core is closed")
	}
	c.mu.Unlock()

	dial := func(ctx context.Context) (bridge.Transport, error) {
		client, server := bridge.Pipe()
		c.serveWG.Add(1)
		go func() {
			defer c.serveWG.Done()
			_ = c.kernel.Serve(c.serveCtx, server)
		}()
		return client, nil
	}

	b := bridge.New(bridge.Config{
		DefaultTimeout:     c.config.Bridge.GetDefaultTimeout(),
		HeartbeatTimeout:   c.config.Bridge.GetHeartbeatTimeout(),
		ReconnectAttempts:  c.config.Bridge.ReconnectAttempts,
		ReconnectBaseDelay: c.config.Bridge.GetReconnectBaseDelay(),
		ReadySignalTimeout: bridge.DefaultConfig().ReadySignalTimeout,
	}, dial, c.logs.Get(logging.CategoryBridge))

	if err := b.Connect(ctx); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// Router exposes the intent router.
func (c *Core) Router() *intent.Router { return c.router }

// Evaluator exposes the capacity evaluator.
func (c *Core) Evaluator() *capacity.Evaluator { return c.evaluator }

// Resilience exposes the resilience engine.
func (c *Core) Resilience() *resilience.Engine { return c.resilience }

// Registry exposes the worker registry.
func (c *Core) Registry() *orchestrate.Registry { return c.registry }

// Dispatcher exposes the task dispatcher.
func (c *Core) Dispatcher() *orchestrate.Dispatcher { return c.dispatcher }

// Engine exposes the inference backend.
func (c *Core) Engine() inference.Engine { return c.engine }

// Close shuts the core down: connections drain, the worker registry
// closes, the journal history is persisted and the store is released.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.watcher != nil {
		c.watcher.Stop()
	}
	c.serveCancel()
	c.serveWG.Wait()
	c.registry.Close()
	c.resilience.Stop()

	c.saveJournals()
	var err error
	if c.store != nil {
		err = c.store.Close()
	}
	_ = c.logs.Sync()
	return err
}

// TransportChannel adapts a bridge transport into a worker channel so
// registrants reached over a transport can join the orchestrator.
func TransportChannel(t bridge.Transport) orchestrate.WorkerChannel {
	return transportChannel{t}
}

type transportChannel struct {
	bridge.Transport
}

func (t transportChannel) Responses() <-chan protocol.Envelope { return t.Inbound() }
