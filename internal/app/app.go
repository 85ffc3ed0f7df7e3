// Package app wires the run store, configuration and collaborators the CLI
// and API server share.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"shipline/internal/config"
	"shipline/internal/db"
	"shipline/internal/engine"
	"shipline/internal/migrate"
	"shipline/internal/proposal"
	"shipline/internal/scanner"
	"shipline/internal/tracker"
	"shipline/internal/vcs"
)

// Workspace is an opened shipline workspace: its config and run store.
type Workspace struct {
	Dir    string
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
}

// Close releases the run store.
func (w *Workspace) Close() error {
	if w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// LoadConfig reads shipline.yml from dir and fills secrets through env.
func LoadConfig(dir string, env func(string) string) (*config.Config, error) {
	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	if env == nil {
		env = os.Getenv
	}
	cfg.ApplyEnv(env)
	return cfg, nil
}

// OpenStore opens the workspace database and applies pending migrations.
func OpenStore(ctx context.Context, dir string) (*sql.DB, error) {
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate run store: %w", err)
	}
	return conn, nil
}

// Open loads config and the run store for dir.
func Open(ctx context.Context, dir string, env func(string) string) (*Workspace, error) {
	cfg, err := LoadConfig(dir, env)
	if err != nil {
		return nil, err
	}
	conn, err := OpenStore(ctx, dir)
	if err != nil {
		return nil, err
	}
	return &Workspace{Dir: dir, Config: cfg, DB: conn, Engine: engine.New(conn, cfg)}, nil
}

// WorkerID returns the configured worker id, else "<hostname>-<pid>".
func WorkerID(cfg *config.Config) string {
	if cfg != nil {
		if id := strings.TrimSpace(cfg.Runs.WorkerID); id != "" {
			return id
		}
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "shipline"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// NewScanner builds a scanner backed by Jira, the configured LLM provider
// and GitHub. Every credential a scan needs must be present.
func (w *Workspace) NewScanner(logger *slog.Logger) (*scanner.Scanner, error) {
	cfg := w.Config
	if err := cfg.RequireSecrets(); err != nil {
		return nil, err
	}
	gen, err := proposal.FromConfig(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &scanner.Scanner{
		Engine:    w.Engine,
		Tracker:   tracker.New(cfg),
		Generator: gen,
		Mutator:   vcs.New(cfg),
		Config:    cfg,
		WorkerID:  WorkerID(cfg),
		Logger:    logger,
	}, nil
}
