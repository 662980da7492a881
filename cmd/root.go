// Package cmd defines the fitment-scraper command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fitment-scraper/internal/config"
	"github.com/JakeFAU/fitment-scraper/internal/logging"
	"github.com/JakeFAU/fitment-scraper/internal/metrics"
)

var cfgFile string

type envKeyType string

const envKey envKeyType = "env"

// Env is the configuration and base logger shared by every subcommand.
type Env struct {
	Config     config.Config
	ConfigPath string
	Logger     *zap.Logger
}

// newEnv loads .env, the config file and the logger. It's a variable so tests
// can inject a fixed configuration.
var newEnv = func(path string) (*Env, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()
	return &Env{Config: cfg, ConfigPath: path, Logger: logger}, nil
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fitment-scraper",
		Short: "Scrapes vehicle fitment data from upstream catalog sites.",
		Long: `fitment-scraper walks each provider's year/make/model taxonomy, fetches the
wheel and tire fitment of every vehicle and stores it in Postgres or SQLite.
Crawls run one process per provider and restart themselves on fatal errors.`,
		SilenceUsage: true,

		// Runs before every subcommand and stores the Env in the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			env, err := newEnv(cfgFile)
			if err != nil {
				return fmt.Errorf("initialize: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), envKey, env))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if env, ok := cmd.Context().Value(envKey).(*Env); ok && env != nil && env.Logger != nil {
				_ = env.Logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON); FITMENT_* env vars override it")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

func resolveEnv(ctx context.Context) (*Env, error) {
	env, ok := ctx.Value(envKey).(*Env)
	if !ok || env == nil {
		return nil, errors.New("configuration not initialized")
	}
	return env, nil
}

// Execute is the main entry point.
func Execute() {
	ctx := context.Background()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
