package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/idhini/internal/action"
	"github.com/jkaninda/idhini/internal/approval"
	"github.com/jkaninda/idhini/internal/config"
	"github.com/jkaninda/idhini/internal/conversation"
	"github.com/jkaninda/idhini/internal/llm"
	"github.com/jkaninda/idhini/internal/llm/anthropic"
	"github.com/jkaninda/idhini/internal/observability"
	"github.com/jkaninda/idhini/internal/storage"
	pgstore "github.com/jkaninda/idhini/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/idhini/internal/storage/sqlite"
	"github.com/jkaninda/idhini/internal/tools"
	"github.com/jkaninda/idhini/internal/tools/issues"
	mcptools "github.com/jkaninda/idhini/internal/tools/mcp"
	"github.com/jkaninda/idhini/internal/tools/records"
	"github.com/jkaninda/idhini/internal/tools/repos"
)

const systemPrompt = `You are Idhini, an assistant for team workflows: issue tracking,
code review, and internal records. You can read freely, but every change you make
goes through human approval first. When you invoke a write tool, the user sees a
preview of the exact change and decides whether it runs. Never present a proposed
action as if it already happened; wait for the tool result before reporting the
outcome. Prefer precise, minimal changes and explain what each proposed action
will do before proposing it.`

// SharedComponents holds the initialized subsystems the server needs.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger
	Store  storage.Store

	Obs      *observability.Observability
	Provider llm.StreamingProvider
	ToolReg  *tools.Registry
	Machine  *action.Machine
	Broker   *conversation.Broker
	Approval *approval.Manager
	Loop     *conversation.Loop

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

// initShared performs all common initialization for server mode.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// LLM provider.
	var provider llm.StreamingProvider = newAnthropicClient(cfg, logger)
	if obs != nil && obs.Metrics != nil {
		provider = observability.NewInstrumentedProvider(provider, obs.Metrics, obs.TracerOrNil())
	}
	sc.Provider = provider
	logger.Debug("llm provider initialized",
		slog.String("provider", provider.Name()),
		slog.String("model", cfg.Provider.Anthropic.Model),
	)

	// Storage (SQLite default, PostgreSQL optional).
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

	// Run migrations.
	if err := store.Migrate(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("database", store.Ping)
	}

	// Tool registry.
	toolReg := tools.NewRegistry()
	if cfg.Tools.Issues != nil {
		client := issues.NewClient(issues.Config{
			BaseURL: cfg.Tools.Issues.BaseURL,
			Token:   cfg.Tools.Issues.Token,
			Timeout: time.Duration(cfg.Tools.Issues.TimeoutSeconds) * time.Second,
		})
		issues.RegisterAll(toolReg, client, logger)
		logger.Debug("issue tracker tools registered", slog.String("base_url", cfg.Tools.Issues.BaseURL))
	}
	if cfg.Tools.Repos != nil {
		client := repos.NewClient(repos.Config{
			BaseURL: cfg.Tools.Repos.BaseURL,
			Token:   cfg.Tools.Repos.Token,
			Timeout: time.Duration(cfg.Tools.Repos.TimeoutSeconds) * time.Second,
		})
		repos.RegisterAll(toolReg, client, logger)
		logger.Debug("code hosting tools registered", slog.String("base_url", cfg.Tools.Repos.BaseURL))
	}
	if cfg.Tools.Records != nil {
		recStore := records.NewStore(records.Config{
			DSN:            cfg.Tools.Records.DSN,
			MaxRows:        cfg.Tools.Records.MaxRows,
			TimeoutSeconds: cfg.Tools.Records.TimeoutSeconds,
			WritableTables: cfg.Tools.Records.WritableTables,
		}, logger)
		records.RegisterAll(toolReg, recStore, logger)
		logger.Debug("record tools registered")
	}

	// MCP tool servers.
	if len(cfg.Tools.MCP) > 0 {
		bridge := mcptools.NewBridge(logger)
		mcpCtx, mcpCancel := context.WithTimeout(context.Background(), 30*time.Second)
		for _, srv := range cfg.Tools.MCP {
			discovered, mcpErr := bridge.ConnectAndDiscover(mcpCtx, mcptools.ServerConfig{
				Name:      srv.Name,
				Transport: srv.Transport,
				Command:   srv.Command,
				Args:      srv.Args,
				Env:       srv.Env,
				URL:       srv.URL,
				Headers:   srv.Headers,
			})
			if mcpErr != nil {
				logger.Error("MCP server failed, skipping",
					slog.String("server", srv.Name),
					slog.String("error", mcpErr.Error()),
				)
				continue
			}
			for _, t := range discovered {
				toolReg.Register(t)
			}
		}
		mcpCancel()
		sc.addCleanup(bridge.Close)
	}
	sc.ToolReg = toolReg
	logger.Debug("tools registered", slog.Any("tools", toolReg.List()))

	// Action state machine and event broker.
	sc.Machine = action.NewMachine(store.Proposals(), logger)
	sc.Broker = conversation.NewBroker()

	// Approval manager.
	mgr := approval.NewManager(sc.Machine, toolReg, logger).WithEvents(sc.Broker)
	if obs != nil {
		if obs.Metrics != nil {
			mgr = mgr.WithMetrics(obs.Metrics)
		}
		if obs.Anomaly != nil {
			mgr = mgr.WithAnomaly(obs.Anomaly)
		}
	}
	sc.Approval = mgr
	logger.Debug("approval manager initialized", slog.String("ttl", cfg.Approval.TTL().String()))

	// Conversation loop.
	loop := conversation.NewLoop(provider, toolReg, mgr, store.Conversations(), sc.Broker, logger, systemPrompt).
		WithLimits(cfg.Conversation.Iterations(), cfg.Conversation.Tokens(), cfg.Conversation.MaxHistory())
	if obs != nil && obs.Metrics != nil {
		loop = loop.WithMetrics(obs.Metrics)
	}
	sc.Loop = loop

	return sc, nil
}

// newAnthropicClient builds the Anthropic provider from config.
func newAnthropicClient(cfg *config.Config, logger *slog.Logger) *anthropic.Client {
	var opts []anthropic.Option
	if cfg.Provider.Anthropic.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.Provider.Anthropic.BaseURL))
	}
	return anthropic.NewClient(cfg.Provider.Anthropic.APIKey, cfg.Provider.Anthropic.Model, logger, opts...)
}

// initStore opens the configured storage backend.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.StorageDriverName() {
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		db, err := pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
		if err != nil {
			return nil, err
		}
		return pgstore.NewStore(db), nil
	default:
		path := cfg.DatabasePath()
		journalMode := ""
		if cfg.Storage != nil && cfg.Storage.SQLite != nil {
			if cfg.Storage.SQLite.Path != "" {
				path = cfg.Storage.SQLite.Path
			}
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqlitestore.Config{Path: path, JournalMode: journalMode}, logger)
	}
}
