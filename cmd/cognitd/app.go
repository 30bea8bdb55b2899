package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cognitd/internal/assembler"
	"github.com/fyrsmithlabs/cognitd/internal/config"
	"github.com/fyrsmithlabs/cognitd/internal/embedcache"
	"github.com/fyrsmithlabs/cognitd/internal/events"
	"github.com/fyrsmithlabs/cognitd/internal/ledger"
	"github.com/fyrsmithlabs/cognitd/internal/logging"
	"github.com/fyrsmithlabs/cognitd/internal/memory"
	"github.com/fyrsmithlabs/cognitd/internal/orchestrator"
	"github.com/fyrsmithlabs/cognitd/internal/provider"
	"github.com/fyrsmithlabs/cognitd/internal/quality"
	"github.com/fyrsmithlabs/cognitd/internal/redact"
	"github.com/fyrsmithlabs/cognitd/internal/router"
	"github.com/fyrsmithlabs/cognitd/internal/storage"
	"github.com/fyrsmithlabs/cognitd/internal/telemetry"
)

// app holds every long-lived component of a running cognitd.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	store     *storage.Store
	ledger    *ledger.Ledger
	registry  *provider.Registry
	router    *router.Router
	cache     *embedcache.Cache
	memory    *memory.Store
	publisher events.Publisher
	orch      *orchestrator.Orchestrator

	closers []func() error
}

// loadConfig resolves the --config flag and loads the file.
func loadConfig() (*config.Config, string, error) {
	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, "", err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

// newApp wires the pipeline from cfg. On error everything already opened is
// closed.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	// Telemetry first so the logger can bridge to its log provider.
	a.telemetry, err = telemetry.New(ctx, &cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}
	a.logger, err = logging.NewLogger(&cfg.Logging, a.telemetry.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	zl := a.logger.Underlying()

	a.store, err = storage.Open(cfg.Storage.Path, storage.WithLogger(zl))
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	a.ledger, err = ledger.New(cfg.LedgerSettings(), ledger.WithStore(a.store), ledger.WithLogger(zl))
	if err != nil {
		return nil, fmt.Errorf("creating ledger: %w", err)
	}
	if err := a.ledger.Load(ctx); err != nil {
		return nil, fmt.Errorf("restoring ledger: %w", err)
	}

	if a.registry, err = newRegistry(cfg, zl); err != nil {
		return nil, err
	}

	if cfg.Events.Enabled {
		pub, err := events.Connect(cfg.EventsSettings(), zl)
		if err != nil {
			return nil, fmt.Errorf("connecting events: %w", err)
		}
		a.publisher = pub
		a.closers = append(a.closers, pub.Close)
	} else {
		a.publisher = events.Nop{}
	}

	a.router, err = router.New(cfg.RouterSettings(), a.ledger, a.store,
		router.WithRegistry(a.registry),
		router.WithPrices(cfg.PriceTable()),
		router.WithLogger(zl),
		router.WithListener(events.DecisionListener(a.publisher, zl)),
	)
	if err != nil {
		return nil, fmt.Errorf("creating router: %w", err)
	}

	embedder, err := provider.NewEmbedder(cfg.EmbedderSettings())
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	if c, ok := embedder.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	a.cache, err = embedcache.New(embedder, embedder.Model(), cfg.EmbedCacheSettings(), zl)
	if err != nil {
		return nil, fmt.Errorf("creating embedding cache: %w", err)
	}

	backend, err := newBackend(ctx, cfg, zl)
	if err != nil {
		return nil, err
	}
	a.memory, err = memory.New(backend, cfg.MemorySettings(), memory.WithLogger(zl))
	if err != nil {
		_ = backend.Close()
		return nil, fmt.Errorf("creating memory store: %w", err)
	}
	a.closers = append(a.closers, a.memory.Close)

	summarizer, err := newSummarizer(cfg, a.registry)
	if err != nil {
		return nil, err
	}
	asm, err := assembler.New(cfg.AssemblerSettings(), a.store,
		assembler.WithRetriever(a.memory, a.cache),
		assembler.WithSummarizer(summarizer),
		assembler.WithLogger(zl),
	)
	if err != nil {
		return nil, fmt.Errorf("creating assembler: %w", err)
	}

	qopts := []quality.Option{quality.WithEvidence(a.memory, a.cache), quality.WithLogger(zl)}
	if cfg.Quality.Verifier != "" {
		p, params, err := completerFor(a.registry, cfg.Quality.Verifier)
		if err != nil {
			return nil, fmt.Errorf("quality verifier: %w", err)
		}
		qopts = append(qopts, quality.WithVerifier(p, params), quality.WithConfidenceRater(p, params))
	}
	monitor, err := quality.New(cfg.QualitySettings(), qopts...)
	if err != nil {
		return nil, fmt.Errorf("creating quality monitor: %w", err)
	}

	ocfg, err := cfg.OrchestratorSettings()
	if err != nil {
		return nil, err
	}
	deps := orchestrator.Deps{
		Router:    a.router,
		Assembler: asm,
		Memory:    a.memory,
		Embedder:  a.cache,
		Quality:   monitor,
		Events:    a.publisher,
		Cache:     a.cache,
	}
	if cfg.Redact.Enabled {
		r, err := newRedactor(cfg, zl)
		if err != nil {
			return nil, err
		}
		deps.Redactor = r
	}
	a.orch, err = orchestrator.New(ocfg, deps, orchestrator.WithLogger(zl))
	if err != nil {
		return nil, fmt.Errorf("creating orchestrator: %w", err)
	}

	a.logger.Info(ctx, "cognitd initialized",
		zap.Strings("providers", a.registry.Names()),
		zap.String("memory_backend", cfg.Memory.Backend),
		zap.String("embedder", embedder.Model()),
		zap.Bool("events", cfg.Events.Enabled),
		zap.Bool("redaction", cfg.Redact.Enabled),
	)
	return a, nil
}

func newRegistry(cfg *config.Config, logger *zap.Logger) (*provider.Registry, error) {
	metrics := provider.NewMetrics(logger)
	reg := provider.NewRegistry()
	for _, name := range cfg.ProviderNames() {
		pc := cfg.Providers[name]
		p, err := provider.New(pc.Kind, pc.HTTPConfig(name))
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		reg.Register(provider.Instrument(p, metrics))
	}
	return reg, nil
}

func newBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (memory.Backend, error) {
	switch cfg.Memory.Backend {
	case "qdrant":
		b, err := memory.NewQdrantBackend(ctx, cfg.QdrantSettings(), logger)
		if err != nil {
			return nil, fmt.Errorf("connecting qdrant: %w", err)
		}
		return b, nil
	default:
		b, err := memory.NewChromemBackend(cfg.ChromemSettings(), logger)
		if err != nil {
			return nil, fmt.Errorf("opening chromem: %w", err)
		}
		return b, nil
	}
}

// completerFor resolves a "provider/model" spec against the registry.
func completerFor(reg *provider.Registry, spec string) (provider.Completer, provider.Params, error) {
	cand, err := provider.ParseCandidate(spec)
	if err != nil {
		return nil, provider.Params{}, err
	}
	p, err := reg.Get(cand.Provider)
	if err != nil {
		return nil, provider.Params{}, err
	}
	return p, provider.Params{Model: cand.Model}, nil
}

// newSummarizer uses the configured model, or extractive summaries when none
// is set.
func newSummarizer(cfg *config.Config, reg *provider.Registry) (assembler.Summarizer, error) {
	if cfg.Quality.Summarizer == "" {
		return assembler.NewExtractiveSummarizer(assembler.NewCounter(cfg.Assembler.MessageOverhead)), nil
	}
	p, params, err := completerFor(reg, cfg.Quality.Summarizer)
	if err != nil {
		return nil, fmt.Errorf("summarizer: %w", err)
	}
	return assembler.NewProviderSummarizer(p, params, cfg.Assembler.CompressionRatio), nil
}

func newRedactor(cfg *config.Config, logger *zap.Logger) (*redact.Redactor, error) {
	path, err := config.ExpandPath(cfg.Redact.AllowlistPath)
	if err != nil {
		return nil, err
	}
	allow, err := redact.LoadAllowlist(path)
	if err != nil {
		return nil, fmt.Errorf("loading allowlist: %w", err)
	}
	allow = allow.Merge(&redact.Allowlist{DisabledRules: cfg.Redact.DisabledRules})
	r, err := redact.New(allow, redact.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating redactor: %w", err)
	}
	return r, nil
}

// reload applies the hot-reloadable sections of a changed config file.
func (a *app) reload(cfg *config.Config) {
	ctx := context.Background()
	if err := a.router.SetConfig(cfg.RouterSettings()); err != nil {
		a.logger.Warn(ctx, "router config not reloaded", zap.Error(err))
		return
	}
	if err := a.ledger.SetConfig(cfg.LedgerSettings()); err != nil {
		a.logger.Warn(ctx, "ledger config not reloaded", zap.Error(err))
		return
	}
	a.logger.Info(ctx, "configuration reloaded",
		zap.Float64("epsilon", cfg.Router.Epsilon),
		zap.Float64("learning_rate", cfg.Ledger.LearningRate),
	)
}

// Close releases components in reverse order of creation, then flushes
// telemetry and the logger.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}
