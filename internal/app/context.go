package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/engine"
	"fieldline/internal/migrate"
)

// Workspace is an opened, migrated database with the config that governs it.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
	// ConfigFound is false when defaults are in use because fieldline.yml is missing.
	ConfigFound bool
}

// OpenWorkspace ensures the workspace exists, migrates its database and loads its
// config. A non-empty configPath must exist and replaces fieldline.yml; otherwise
// a missing fieldline.yml falls back to defaults.
func OpenWorkspace(ctx context.Context, dir, configPath string) (*Workspace, error) {
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return nil, err
	}
	cfg, err := loadConfig(dir, configPath)
	if err != nil {
		return nil, err
	}
	ws := &Workspace{Dir: dir, Config: cfg, ConfigFound: cfg != nil}
	if cfg == nil {
		ws.Config = config.Default()
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate workspace db: %w", err)
	}
	ws.DB = conn
	return ws, nil
}

func loadConfig(dir, configPath string) (*config.Config, error) {
	if strings.TrimSpace(configPath) == "" {
		return config.LoadOptional(dir)
	}
	cfg, err := config.FromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", configPath, err)
	}
	return cfg, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// ResolveFarmer prefers the override, then the configured default farmer.
func ResolveFarmer(override string, cfg *config.Config) (string, error) {
	if f := strings.TrimSpace(override); f != "" {
		return f, nil
	}
	if cfg != nil && cfg.Service.DefaultFarmer != "" {
		return cfg.Service.DefaultFarmer, nil
	}
	return "", errors.New("farmer not specified; use --farmer or set service.default_farmer")
}

// Secrets are read from the environment by the host, never from fieldline.yml.
type Secrets struct {
	GenAIKey     string
	MarketAPIKey string
}

// StartEngine builds and starts an engine for the workspace.
func (w *Workspace) StartEngine(ctx context.Context, secrets Secrets, logger *zap.Logger, reg prometheus.Registerer) (*engine.Engine, error) {
	e, err := engine.New(ctx, w.DB, w.Config, engine.Deps{
		GenAIKey:     secrets.GenAIKey,
		MarketAPIKey: secrets.MarketAPIKey,
		Logger:       logger,
		Registerer:   reg,
	})
	if err != nil {
		return nil, err
	}
	if err := e.Start(ctx); err != nil {
		_ = e.Shutdown(ctx)
		return nil, err
	}
	return e, nil
}
