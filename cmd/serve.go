package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fitment-scraper/internal/api"
	"github.com/JakeFAU/fitment-scraper/internal/processreg"
	"github.com/JakeFAU/fitment-scraper/internal/provider"
	"github.com/JakeFAU/fitment-scraper/internal/storage"
	"github.com/JakeFAU/fitment-scraper/internal/storage/postgres"
)

// newServeCmd creates the 'serve' subcommand.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the Control API",
		Long: `Serves /scraper/start, /scraper/stop, /scraper/stop-all and /scraper/status,
which launch and stop detached 'crawl' processes tracked in the process
registry, plus read-only /fitment queries over the crawled data.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), env)
		},
	}
}

func runServe(ctx context.Context, env *Env) error {
	cfg := env.Config
	logger := env.Logger
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	argv := []string{self}
	if env.ConfigPath != "" {
		argv = append(argv, "--config", env.ConfigPath)
	}
	manager := processreg.NewManager(processreg.NewRegistry(cfg.Paths.ProcessRegistry), processreg.ManagerConfig{
		Self: argv,
	}, logger)

	fitment, closeReaders, err := openReaders(ctx, env)
	if err != nil {
		return err
	}
	defer closeReaders()

	apiServer := api.NewServer(manager, fitment, cfg, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}

// openReaders opens one read store per configured provider. Postgres stores
// share a single pool. The handler is nil when no database is configured.
func openReaders(ctx context.Context, env *Env) (*api.FitmentHandler, func(), error) {
	cfg := env.Config
	logger := env.Logger
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var pool *pgxpool.Pool
	if cfg.DB.Driver == "postgres" {
		if cfg.DB.DSN == "" {
			logger.Warn("db.dsn is empty; fitment queries disabled")
			return nil, closeAll, nil
		}
		p, err := postgres.Connect(ctx, postgresConfig(cfg, storage.Schema{}))
		if err != nil {
			return nil, nil, err
		}
		pool = p
		closers = append(closers, pool.Close)
	}

	sources := make(map[string]api.FitmentSource, len(cfg.Providers))
	for _, name := range cfg.ProviderNames() {
		pcfg := cfg.Providers[name]
		// Only the table layout is needed; leaves are never fetched here.
		pcfg.Headless = false
		def, err := provider.New(name, pcfg, provider.Deps{Logger: logger})
		if err != nil {
			logger.Warn("fitment queries disabled for provider", zap.String("provider", name), zap.Error(err))
			continue
		}
		store, err := openReader(ctx, env, def.Schema(cfg.DB.ErrorLogTable), pool)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		if pool == nil {
			closers = append(closers, store.Close)
		}
		sources[name] = api.FitmentSource{Levels: def.Provider.Levels(), Reader: store}
	}
	return api.NewFitmentHandler(sources, logger), closeAll, nil
}

func openReader(ctx context.Context, env *Env, schema storage.Schema, pool *pgxpool.Pool) (fitmentStore, error) {
	if pool == nil {
		return openStore(ctx, env.Config, schema, env.Logger)
	}
	store, err := postgres.NewStoreWithPool(pool, schema, env.Logger)
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}
