package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/equinor/fmu-sumo-uploader/pkg/config"
	"github.com/equinor/fmu-sumo-uploader/pkg/connection"
	"github.com/equinor/fmu-sumo-uploader/pkg/ledger"
	"github.com/equinor/fmu-sumo-uploader/pkg/retry"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func tokenSource(cfg *config.Config) connection.TokenSource {
	if cfg.Sumo.TokenFile != "" {
		return connection.FileTokenSource{Path: cfg.Sumo.TokenFile}
	}

	return connection.EnvTokenSource{Name: cfg.Sumo.TokenEnv}
}

func connect(ctx context.Context, cfg *config.Config, env string) (*connection.Connection, error) {
	baseURL, err := cfg.BaseURL(env)
	if err != nil {
		return nil, err
	}

	return connection.Connect(ctx, log, connection.Options{
		Env:               env,
		BaseURL:           baseURL,
		Tokens:            tokenSource(cfg),
		Timeout:           cfg.Sumo.Timeout,
		RefreshSkew:       cfg.Sumo.RefreshSkew,
		RequestsPerSecond: cfg.Sumo.RequestsPerSecond,
		Burst:             cfg.Sumo.Burst,
	})
}

func retryPolicy(cfg *config.Config) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = cfg.Retry.MaxAttempts
	p.BaseDelay = cfg.Retry.BaseDelay
	p.MaxDelay = cfg.Retry.MaxDelay

	return p
}

// openLedger starts the configured ledger. A relative SQLite path is taken
// from the case path. It returns nil when the ledger is disabled.
func openLedger(ctx context.Context, cfg *config.Config, casePath string) (ledger.Store, error) {
	if !cfg.Ledger.Enabled {
		return nil, nil
	}

	lcfg := cfg.Ledger
	if lcfg.Driver == config.DriverSQLite && lcfg.SQLite.Path != ":memory:" && !filepath.IsAbs(lcfg.SQLite.Path) {
		lcfg.SQLite.Path = filepath.Join(casePath, lcfg.SQLite.Path)
	}

	store := ledger.NewStore(log, &lcfg)
	if err := store.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting ledger: %w", err)
	}

	return store, nil
}
