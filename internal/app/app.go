// Package app assembles a runtime from a workspace: config, logger,
// database, object store and engine.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"propwatch/internal/config"
	"propwatch/internal/db"
	"propwatch/internal/engine"
	"propwatch/internal/logging"
	"propwatch/internal/migrate"
	"propwatch/internal/storage"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/propwatch.yml.
	ConfigPath string
	// LogLevel and LogFormat override the config file when set.
	LogLevel  string
	LogFormat string
}

type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Store     storage.Store
	Engine    engine.Engine
	Logger    *slog.Logger
}

// LoadConfig reads the explicit path if given, else the workspace file,
// falling back to defaults when neither exists.
func LoadConfig(opts Options) (*config.Config, error) {
	if opts.ConfigPath != "" {
		return config.FromFile(opts.ConfigPath)
	}
	return config.LoadOptional(opts.Workspace)
}

// Open builds a migrated runtime. The caller must Close it.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	format := cfg.Logging.Format
	if opts.LogFormat != "" {
		format = opts.LogFormat
	}
	logger, err := logging.New(logging.Config{Level: level, Format: format})
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	res, err := migrate.Apply(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if len(res.Applied) > 0 {
		logger.Info("schema migrated", "from", res.From, "to", res.To)
	}
	store, err := storage.Open(ctx, cfg, opts.Workspace)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("object store: %w", err)
	}
	eng := engine.New(conn, cfg, store, engine.Options{Logger: logger})
	return &Runtime{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Store:     store,
		Engine:    eng,
		Logger:    logger,
	}, nil
}

func (r *Runtime) Close() error {
	if r == nil || r.DB == nil {
		return nil
	}
	return r.DB.Close()
}
