package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/turfline/racedata-cli/internal/checkpoint"
	"github.com/turfline/racedata-cli/internal/provider"
	"github.com/turfline/racedata-cli/internal/store"
	"github.com/turfline/racedata-cli/internal/supervise"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "racedata.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, cfg.Store.Schema)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initProvider() (provider.Client, error) {
	if cfg.Provider.APIKey == "" {
		return nil, eris.New("provider API key is required (RACEDATA_PROVIDER_API_KEY)")
	}
	return provider.NewHTTPClient(provider.Options{
		BaseURL:    cfg.Provider.BaseURL,
		APIKey:     cfg.Provider.APIKey,
		UserAgent:  cfg.Provider.UserAgent,
		Timeout:    time.Duration(cfg.Provider.TimeoutSecs) * time.Second,
		MaxRetries: cfg.Provider.MaxRetries,
		BulkRPS:    cfg.Provider.BulkRPS,
		DetailRPS:  cfg.Provider.DetailRPS,
	}), nil
}

func initCheckpoints() (*checkpoint.Store, error) {
	return checkpoint.NewStore(cfg.Backfill.StateDir)
}

func initManager() (*supervise.Manager, error) {
	return supervise.NewManager(cfg.Backfill.StateDir)
}
