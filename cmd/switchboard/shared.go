package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/switchboard/internal/agent"
	"github.com/jkaninda/switchboard/internal/agent/dataagent"
	"github.com/jkaninda/switchboard/internal/chat"
	"github.com/jkaninda/switchboard/internal/config"
	"github.com/jkaninda/switchboard/internal/intent"
	"github.com/jkaninda/switchboard/internal/llm"
	"github.com/jkaninda/switchboard/internal/llm/anthropic"
	"github.com/jkaninda/switchboard/internal/llm/openai"
	"github.com/jkaninda/switchboard/internal/notification"
	"github.com/jkaninda/switchboard/internal/observability"
	"github.com/jkaninda/switchboard/internal/orchestrator"
	"github.com/jkaninda/switchboard/internal/sqlexec"
	"github.com/jkaninda/switchboard/internal/storage"
	pgstore "github.com/jkaninda/switchboard/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/switchboard/internal/storage/sqlite"
	"github.com/jkaninda/switchboard/internal/ticket"
)

// llmMaxRetries is the number of retries per provider before falling back.
const llmMaxRetries = 2

// SharedComponents holds the subsystems every command that dispatches
// messages needs. Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Obs    *observability.Observability
	Store  storage.Store

	Executor     *sqlexec.Executor
	Notifier     notification.Notifier // nil = notify intents are not served.
	Registry     *agent.Registry
	Orchestrator *orchestrator.Orchestrator
	Chat         *chat.Service

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// newLogger returns the JSON logger used by every command. Logs go to
// stderr so stdout stays free for command output and the MCP stdio stream.
func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig loads the config file, honoring SWITCHBOARD_CONFIG.
func loadConfig(path string) (*config.Config, error) {
	return config.Load(goutils.Env("SWITCHBOARD_CONFIG", path))
}

// initShared performs all common initialization.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}
	ctx := context.Background()

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	if o := cfg.Observability; o != nil && o.Tracing != nil && o.Tracing.ServiceVersion == "" {
		o.Tracing.ServiceVersion = version
	}
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	// Generic table executor.
	exec, err := initExecutor(ctx, sc)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing database executor: %w", err)
	}
	sc.Executor = exec

	// Webhook notifier.
	if cfg.Webhook != nil && cfg.Webhook.URL != "" {
		var n notification.Notifier = notification.NewWebhookSender(notification.WebhookOptions{
			URL:          cfg.Webhook.URL,
			Timeout:      cfg.Webhook.Timeout(),
			AllowPrivate: cfg.Webhook.AllowPrivate,
		}, logger)
		if m := obs.MetricsOrNil(); m != nil || obs.TracerOrNil() != nil {
			n = observability.NewInstrumentedNotifier(n, m, obs.TracerOrNil())
		}
		sc.Notifier = n
	} else {
		logger.Info("no webhook configured, notify intents are disabled")
	}

	// LLM provider and intent extraction.
	provider, err := newLLMProvider(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing LLM provider: %w", err)
	}
	if m := obs.MetricsOrNil(); m != nil || obs.TracerOrNil() != nil {
		provider = observability.NewInstrumentedProvider(provider, m, obs.TracerOrNil())
	}
	logger.Debug("llm provider initialized", slog.String("provider", provider.Name()))
	extractor := intent.NewLLMExtractor(provider, cfg.Orchestrator.IntentLimit(), cfg.Memory.MaxHistory(), logger)

	// Agents and orchestrator.
	sc.Registry = buildRegistry(store.Tickets(), sc.Notifier, exec, logger)
	opts := orchestrator.Options{
		StepTimeout:  cfg.Orchestrator.StepTimeout(),
		RetryBackoff: cfg.Orchestrator.RetryBackoff(),
		Metrics:      orchestrator.NewMetrics(obs.Registry()),
		Logger:       logger,
	}
	if ts := obs.TracerOrNil(); ts != nil {
		opts.Tracer = ts.Tracer()
	}
	sc.Orchestrator = orchestrator.New(extractor, sc.Registry, opts)

	// Conversation memory.
	var conversations chat.ConversationStore
	if cfg.Memory != nil && cfg.Memory.Enabled {
		conversations = store.Conversations()
	}
	sc.Chat = chat.NewService(sc.Orchestrator, conversations, cfg.Memory.MaxHistory(), logger)

	logger.Info("switchboard initialized",
		slog.String("storage", store.Driver()),
		slog.String("namespace", exec.Namespace()),
		slog.Int("capabilities", len(sc.Registry.Capabilities())),
		slog.Bool("memory", conversations != nil),
	)
	return sc, nil
}

// buildRegistry registers one capability per served intent kind. The notify
// capability is only registered when a notifier is configured, so messages
// asking for a notification fail with UnknownIntentKind otherwise.
func buildRegistry(tickets ticket.Store, notifier notification.Notifier, exec *sqlexec.Executor, logger *slog.Logger) *agent.Registry {
	reg := agent.NewRegistry(logger)
	reg.Register(agent.Capability{
		Kind:       intent.KindSearch,
		Agent:      ticket.NewSearchAgent(tickets, logger),
		SideEffect: agent.ReadOnly,
	})
	reg.Register(agent.Capability{
		Kind:        intent.KindProcess,
		Agent:       ticket.NewProcessorAgent(tickets, logger),
		SideEffect:  agent.Mutating,
		AcceptsFrom: []intent.Kind{intent.KindSearch},
	})
	if notifier != nil {
		reg.Register(agent.Capability{
			Kind:        intent.KindNotify,
			Agent:       ticket.NewWebhookAgent(tickets, notifier, logger),
			SideEffect:  agent.ExternalCall,
			AcceptsFrom: []intent.Kind{intent.KindSearch, intent.KindProcess},
		})
	}
	if exec != nil {
		data := dataagent.New(exec, logger)
		reg.Register(agent.Capability{
			Kind:        intent.KindSchemaOp,
			Agent:       data,
			SideEffect:  agent.Mutating,
			Classify:    data.SideEffect,
			AcceptsFrom: []intent.Kind{intent.KindSchemaOp},
		})
		reg.Register(agent.Capability{
			Kind:        intent.KindDataOp,
			Agent:       data,
			SideEffect:  agent.Mutating,
			Classify:    data.SideEffect,
			AcceptsFrom: []intent.Kind{intent.KindSchemaOp, intent.KindDataOp},
		})
	}
	return reg
}

// initStore creates the storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.StorageDriverName(); driver {
	case "postgres":
		return initPostgresStore(cfg, logger)
	case "sqlite":
		journalMode := "wal"
		if cfg.Storage != nil && cfg.Storage.SQLite != nil && cfg.Storage.SQLite.JournalMode != "" {
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqlitestore.Config{
			Path:        cfg.DatabasePath(),
			JournalMode: journalMode,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	if cfg.Storage == nil || cfg.Storage.Postgres == nil || cfg.Storage.Postgres.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or POSTGRES_HOST)")
	}
	pg := cfg.Storage.Postgres
	pgDB, err := pgstore.Open(pgstore.Config{
		DSN:             pg.DSN,
		MaxOpenConns:    pg.MaxOpenConns,
		MaxIdleConns:    pg.MaxIdleConns,
		ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// initExecutor builds the table executor. A dedicated database.dsn points it
// at its own PostgreSQL database; otherwise it shares the store's pool.
func initExecutor(ctx context.Context, sc *SharedComponents) (*sqlexec.Executor, error) {
	cfg := sc.Config
	var (
		db      *sql.DB
		dialect sqlexec.Dialect
		err     error
	)
	if cfg.Database != nil && cfg.Database.DSN != "" {
		db, err = sqlexec.OpenPostgres(cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		sc.addCleanup(func() { _ = db.Close() })
		dialect = sqlexec.Postgres{}
	} else {
		db, err = sc.Store.SQLDB()
		if err != nil {
			return nil, err
		}
		dialect, err = sqlexec.DialectFor(sc.Store.Driver())
		if err != nil {
			return nil, err
		}
	}

	defaultRows, maxRows := cfg.Database.RowLimits()
	exec := sqlexec.New(db, dialect, sqlexec.Options{
		Namespace:    cfg.Database.NamespaceName(),
		DefaultRows:  defaultRows,
		MaxRows:      maxRows,
		Timeout:      cfg.Database.StatementTimeout(),
		OperationLog: sc.Store.OperationLogs(),
		Logger:       sc.Logger,
	})
	if err := exec.Init(ctx); err != nil {
		return nil, err
	}
	return exec, nil
}

// newLLMProvider creates the LLM provider chain: each configured provider is
// retried on transient errors, then the chain falls back in order.
func newLLMProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	primary, err := buildProvider(cfg.Providers.Default, cfg, logger)
	if err != nil {
		return nil, err
	}
	providers := []llm.Provider{llm.NewRetryProvider(primary, llmMaxRetries, 500*time.Millisecond, logger)}

	for _, name := range cfg.Providers.Fallback {
		fb, err := buildProvider(name, cfg, logger)
		if err != nil {
			logger.Warn("skipping fallback provider",
				slog.String("provider", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		providers = append(providers, llm.NewRetryProvider(fb, llmMaxRetries, 500*time.Millisecond, logger))
	}
	if len(providers) > 1 {
		return llm.NewFallbackProvider(providers, logger), nil
	}
	return providers[0], nil
}

// buildProvider creates a single LLM provider by name.
func buildProvider(name string, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	switch name {
	case "openai", "":
		var opts []openai.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewClient(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.Model,
			logger,
			opts...,
		), nil
	case "anthropic":
		return anthropic.NewClient(
			cfg.Providers.Anthropic.APIKey,
			cfg.Providers.Anthropic.Model,
			logger,
		), nil
	case "ollama":
		baseURL := cfg.Providers.Ollama.BaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434"
		}
		return openai.NewClient(
			"",
			cfg.Providers.Ollama.Model,
			logger,
			openai.WithBaseURL(baseURL),
			openai.WithName("ollama"),
		), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}
