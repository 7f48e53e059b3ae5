package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"editorial/internal/cache"
	"editorial/internal/config"
	"editorial/internal/db"
	"editorial/internal/engine"
	"editorial/internal/engine/auth"
	"editorial/internal/events"
	"editorial/internal/logging"
	"editorial/internal/migrate"
	"editorial/internal/phase"
	"editorial/internal/scheduler"
)

// App is the wired runtime shared by the CLI and the HTTP server.
type App struct {
	Config  *config.Config
	DB      *sql.DB
	Dialect db.Dialect
	Engine  engine.Engine
	Auth    auth.Service
	Bus     *events.Bus
	Log     logging.Logger
	Runner  *scheduler.Runner
}

// Open connects and migrates the store, then builds the engine from cfg.
func Open(cfg *config.Config, log logging.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	dbCfg := db.Config{Driver: cfg.Database.Driver, DSN: cfg.Database.DSN, Workspace: cfg.Database.Workspace}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	dialect := dbCfg.Dialect()
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	exec, err := NewExecutor(cfg.Generator)
	if err != nil {
		conn.Close()
		return nil, err
	}
	bus := events.NewBus(64)
	eng := engine.New(conn, dialect, exec, engine.Options{
		PhaseTimeout:    cfg.Generator.PhaseTimeout,
		ProgressStep:    cfg.Generator.ProgressStep,
		Async:           cfg.Generator.Async,
		BatchLimit:      cfg.Scheduler.BatchLimit,
		CacheIndexPath:  cfg.Cache.IndexPath,
		CachePostPrefix: cfg.Cache.PostPathPrefix,
	})
	eng.Bus = bus
	eng.Logger = log.With("component", "engine")
	eng.Cache = NewInvalidator(cfg.Cache, log.Logger)

	a := &App{
		Config:  cfg,
		DB:      conn,
		Dialect: dialect,
		Engine:  eng,
		Auth:    auth.Service{Repo: eng.Repo, Now: time.Now},
		Bus:     bus,
		Log:     log,
	}
	a.Runner = scheduler.New(eng, cfg.Scheduler.Interval, cfg.Scheduler.Timeout, cfg.Scheduler.BatchLimit, log.Logger)
	return a, nil
}

// NewExecutor returns the phase executor named by the generator provider.
func NewExecutor(cfg config.GeneratorConfig) (phase.Executor, error) {
	switch cfg.Provider {
	case "", "builtin":
		return phase.NewBuiltin(), nil
	case "openai":
		return phase.NewRemote(phase.RemoteConfig{
			Endpoint:     cfg.Endpoint,
			Model:        cfg.Model,
			APIKey:       cfg.APIKey,
			SystemPrompt: cfg.SystemPrompt,
			Timeout:      cfg.PhaseTimeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown generator provider %q", cfg.Provider)
	}
}

func NewInvalidator(cfg config.CacheConfig, logger *slog.Logger) cache.Invalidator {
	switch cfg.Provider {
	case "http":
		return cache.NewHTTP(cfg.Endpoint, cfg.Secret, cfg.Timeout)
	case "log":
		return cache.Log{Logger: logger.With("component", "cache")}
	default:
		return cache.Nop{}
	}
}

// Reload applies the settings that can change without a restart.
func (a *App) Reload(cfg *config.Config) {
	a.Log.SetLevel(cfg.Log.Level)
	if a.Runner != nil {
		a.Runner.SetLimit(cfg.Scheduler.BatchLimit)
	}
	a.Log.Info("config applied", "log_level", cfg.Log.Level, "batch_limit", cfg.Scheduler.BatchLimit)
}

// Close waits for background pipelines up to ctx, then releases resources.
func (a *App) Close(ctx context.Context) error {
	if err := a.Engine.Wait(ctx); err != nil {
		a.Log.Warn("pipelines still running at shutdown", "err", err)
	}
	a.Bus.Close()
	return a.DB.Close()
}
