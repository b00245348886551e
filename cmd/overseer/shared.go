package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jkaninda/overseer/internal/agent"
	"github.com/jkaninda/overseer/internal/config"
	"github.com/jkaninda/overseer/internal/llm"
	"github.com/jkaninda/overseer/internal/llm/anthropic"
	"github.com/jkaninda/overseer/internal/observability"
	"github.com/jkaninda/overseer/internal/sandbox"
	"github.com/jkaninda/overseer/internal/secrets"
	"github.com/jkaninda/overseer/internal/security"
	"github.com/jkaninda/overseer/internal/storage"
	pgstore "github.com/jkaninda/overseer/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/overseer/internal/storage/sqlite"
	"github.com/jkaninda/overseer/internal/tools/builtin"
	"github.com/jkaninda/overseer/internal/workspace"
)

// SharedComponents holds every initialized subsystem the commands need.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger

	Obs        *observability.Observability
	Store      storage.Store
	Audit      *security.AuditRecorder
	Supervisor *agent.Supervisor

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

// initShared wires the supervisor and everything behind it.
// Callers must call sc.Cleanup() when done, including on error.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return sc, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	logger.Debug("data directory initialized", slog.String("path", dataDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return sc, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	// Audit trail: structured log, JSONL file and the database.
	store, err := initStore(cfg, logger)
	if err != nil {
		return sc, fmt.Errorf("initializing storage: %w", err)
	}
	sc.Store = store
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("store", store.Ping)
	}

	auditPath := cfg.AuditLogPath()
	if err := os.MkdirAll(filepath.Dir(auditPath), 0750); err != nil {
		return sc, fmt.Errorf("creating audit log directory: %w", err)
	}
	fileSink, err := security.NewFileSink(auditPath)
	if err != nil {
		return sc, err
	}
	sc.addCleanup(func() { _ = fileSink.Close() })

	sc.Audit = security.NewAuditRecorder(logger,
		security.NewLogSink(logger),
		fileSink,
		security.NewStoreSink(store.Audit(), logger),
	)
	logger.Debug("audit trail initialized",
		slog.String("file", auditPath),
		slog.String("store", store.Driver()),
	)

	// Credentials: the reference first, the inline key as fallback.
	creds := []secrets.Provider{secrets.NewEnvProvider()}
	if cfg.Providers.Anthropic.APIKey != "" {
		creds = append(creds, secrets.NewStaticProvider(cfg.Providers.Anthropic.APIKey))
	}
	credentials := secrets.NewCompositeProvider(creds...)

	// Agent backend.
	var provider llm.Provider = newLLMProvider(cfg, logger)
	sbx := sandbox.Sandbox(initSandbox(cfg, logger))
	if obs != nil {
		provider = observability.NewInstrumentedProvider(provider, obs.MetricsOrNil(), obs.TracerOrNil())
		sbx = observability.NewInstrumentedSandbox(sbx, obs.MetricsOrNil(), obs.TracerOrNil())
	}
	loop := llm.NewToolLoop(provider, cfg.Providers.Anthropic.MaxTokens, logger)

	toolset := builtin.New(sbx, builtin.Config{
		Languages:        cfg.Sandbox.Languages,
		MaxFileSizeBytes: cfg.Sandbox.MaxFileSizeBytes,
	}, logger)

	opts := []agent.Option{
		agent.WithCredentials(credentials, cfg.Providers.Anthropic.CredentialRef),
		agent.WithTools(toolset.ForRun),
	}
	if obs != nil {
		opts = append(opts,
			agent.WithMetrics(obs.MetricsOrNil()),
			agent.WithTracer(obs.SpanTracer()),
		)
	}
	workspaces := workspace.NewManager(logger)
	if obs != nil && obs.Health != nil {
		obs.Health.AddCheck("workspace", workspaces.CheckWritable)
	}
	sc.Supervisor = agent.NewSupervisor(loop, workspaces, sc.Audit, logger, opts...)

	logger.Debug("supervisor initialized",
		slog.String("model", cfg.Providers.Anthropic.Model),
		slog.String("credential_ref", cfg.Providers.Anthropic.CredentialRef),
	)
	return sc, nil
}

// initStore opens the audit database. SQLite under the data directory is the default.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	sc := cfg.Audit.Storage
	if sc == nil {
		sc = &storage.Config{Driver: storage.DefaultDriver}
	}

	switch sc.Driver {
	case storage.DriverPostgres:
		db, err := pgstore.Open(pgstore.Config{
			DSN:             sc.Postgres.DSN,
			MaxOpenConns:    sc.Postgres.MaxOpenConns,
			MaxIdleConns:    sc.Postgres.MaxIdleConns,
			ConnMaxLifetime: time.Duration(sc.Postgres.ConnMaxLifetimeS) * time.Second,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return db, nil
	case storage.DriverSQLite, "":
		db, err := sqlitestore.Open(sqlitestore.Config{
			Path:        cfg.DatabasePath(),
			JournalMode: sc.SQLite.JournalMode,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", sc.Driver)
	}
}

// initSandbox creates the process sandbox tools execute in.
func initSandbox(cfg *config.Config, logger *slog.Logger) *sandbox.ProcessSandbox {
	return sandbox.NewProcessSandbox(sandbox.ProcessConfig{
		DefaultTimeout: time.Duration(cfg.Sandbox.MaxExecutionSeconds) * time.Second,
		DefaultLimits: sandbox.ResourceLimits{
			MaxCPUSeconds: cfg.Sandbox.MaxCPUSeconds,
			MaxMemoryMB:   cfg.Sandbox.MaxMemoryMB,
		},
	}, logger)
}

// newLLMProvider creates the Anthropic client. The API key is not bound
// here; each run acquires it through the credential reference.
func newLLMProvider(cfg *config.Config, logger *slog.Logger) llm.Provider {
	var opts []anthropic.Option
	if cfg.Providers.Anthropic.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.Providers.Anthropic.BaseURL))
	}
	return anthropic.NewClient(cfg.Providers.Anthropic.Model, logger, opts...)
}
