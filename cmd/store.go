package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fitment-scraper/internal/api"
	"github.com/JakeFAU/fitment-scraper/internal/config"
	"github.com/JakeFAU/fitment-scraper/internal/scraper"
	"github.com/JakeFAU/fitment-scraper/internal/storage"
	"github.com/JakeFAU/fitment-scraper/internal/storage/postgres"
	"github.com/JakeFAU/fitment-scraper/internal/storage/sqlite"
)

// fitmentStore is what both database backends provide.
type fitmentStore interface {
	scraper.Store
	api.FitmentReader
	EnsureSchema(ctx context.Context) error
}

var (
	_ fitmentStore = (*postgres.Store)(nil)
	_ fitmentStore = (*sqlite.Store)(nil)
)

// openStore opens the configured backend for one provider schema and creates
// the provider tables when missing.
func openStore(ctx context.Context, cfg config.Config, schema storage.Schema, logger *zap.Logger) (fitmentStore, error) {
	var (
		store fitmentStore
		err   error
	)
	switch cfg.DB.Driver {
	case "sqlite":
		store, err = sqlite.Open(sqlite.Config{Path: cfg.DB.SQLitePath, Schema: schema}, logger)
	default:
		store, err = postgres.NewStore(ctx, postgresConfig(cfg, schema), logger)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.DB.Driver, err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func postgresConfig(cfg config.Config, schema storage.Schema) postgres.Config {
	return postgres.Config{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(cfg.DB.MaxConnLifetimeSeconds) * time.Second,
		Schema:          schema,
	}
}
