package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fitment-scraper/internal/captcha/twocaptcha"
	"github.com/JakeFAU/fitment-scraper/internal/config"
	"github.com/JakeFAU/fitment-scraper/internal/coordinator"
	collyfetcher "github.com/JakeFAU/fitment-scraper/internal/fetcher/colly"
	"github.com/JakeFAU/fitment-scraper/internal/fetcher/headless"
	"github.com/JakeFAU/fitment-scraper/internal/gate"
	"github.com/JakeFAU/fitment-scraper/internal/id/uuid"
	"github.com/JakeFAU/fitment-scraper/internal/logging"
	"github.com/JakeFAU/fitment-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/fitment-scraper/internal/processreg"
	"github.com/JakeFAU/fitment-scraper/internal/provider"
	"github.com/JakeFAU/fitment-scraper/internal/proxy"
	"github.com/JakeFAU/fitment-scraper/internal/session"
	"github.com/JakeFAU/fitment-scraper/internal/supervisor"
	"github.com/JakeFAU/fitment-scraper/internal/taxonomy"
	"github.com/JakeFAU/fitment-scraper/internal/tokencache"
)

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	var providerName string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls one provider into the database",
		Long: `Resumes the provider's taxonomy walk after the last persisted vehicle and
stores the fitment of every remaining vehicle. Fatal errors restart the crawl,
either in process or by spawning a replacement (supervisor.respawn).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runCrawl(ctx, env, providerName)
		},
	}
	cmd.Flags().StringVarP(&providerName, "provider", "p", "", "provider to crawl: "+strings.Join(provider.Names(), ", "))
	_ = cmd.MarkFlagRequired("provider") //nolint:errcheck // flag is defined above
	return cmd
}

func runCrawl(ctx context.Context, env *Env, name string) error {
	cfg := env.Config
	name = config.NormalizeProvider(name)
	pcfg, err := cfg.Provider(name)
	if err != nil {
		return err
	}

	ids := uuid.New()
	logger := logging.ForRun(env.Logger, name, ids.MustNewID())
	tokens := tokencache.New(cfg.Paths.TokenCache)

	var solver gate.Solver
	if cfg.Captcha.APIKey != "" {
		solver = twocaptcha.New(twocaptcha.Config{
			APIKey:       cfg.Captcha.APIKey,
			BaseURL:      cfg.Captcha.BaseURL,
			PollInterval: time.Duration(cfg.Captcha.PollIntervalMs) * time.Millisecond,
			MaxPolls:     cfg.Captcha.MaxPolls,
		}, nil, logger)
	} else {
		logger.Warn("captcha.api_key is empty; verification walls cannot be cleared")
	}
	exchanger := &gate.VoucherExchanger{UserAgent: cfg.HTTP.UserAgent, Timeout: cfg.Timeout()}
	attempt := &attemptState{}

	deps := provider.Deps{Tokens: tokens, Logger: logger}
	if pcfg.Headless {
		hf, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: time.Duration(cfg.Headless.NavTimeoutSec) * time.Second,
			Headers:           cfg.HTTP.Headers,
		}, attempt, logger)
		if err != nil {
			return fmt.Errorf("init headless fetcher: %w", err)
		}
		defer hf.Close()
		deps.Headless = gate.New(hf, solver, exchanger, tokens, cfg.Captcha.MaxAttempts, logger)
	}
	def, err := provider.New(name, pcfg, deps)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, cfg, def.Schema(cfg.DB.ErrorLogTable), logger)
	if err != nil {
		return err
	}
	defer store.Close()

	rotation, err := proxy.NewRotation(cfg.Proxy.Endpoints, cfg.Proxy.User, cfg.Proxy.Password, cfg.Proxy.RetriesPerEndpoint)
	if err != nil {
		return fmt.Errorf("init proxy rotation: %w", err)
	}
	pacer := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.HTTP.RequestsPerSecond,
		DefaultBurst: cfg.HTTP.Burst,
		MinDelay:     time.Duration(cfg.HTTP.DelayMinMs) * time.Millisecond,
		MaxDelay:     time.Duration(cfg.HTTP.DelayMaxMs) * time.Millisecond,
	})
	sessions := session.NewStore(ids, logger, session.WithTokenSource(tokens, pcfg.BaseURL))

	classifier := supervisor.NewClassifier(cfg.Supervisor.FatalKeywords...)

	var spawner supervisor.Spawner
	if cfg.Supervisor.Respawn == config.RespawnExec {
		spawner, err = processreg.NewExecSpawner(name, processreg.NewRegistry(cfg.Paths.ProcessRegistry), nil, logger)
		if err != nil {
			return err
		}
	}
	respawner := supervisor.NewRespawner(name, cfg.Supervisor.Respawn, cfg.Supervisor.MaxRestarts, spawner, logger)

	// Every attempt gets a fresh stop flag; sessions, tokens and the store
	// outlive restarts.
	err = respawner.Run(ctx, func(ctx context.Context) error {
		state := supervisor.NewState()
		attempt.set(state)
		sup := supervisor.New(name, state, classifier, sessions, tokens, store, cfg.GracePeriod(), logger)
		client := collyfetcher.New(collyfetcher.Config{
			Source:    name,
			UserAgent: cfg.HTTP.UserAgent,
			Timeout:   cfg.Timeout(),
			Headers:   cfg.HTTP.Headers,
		}, rotation, pacer, state, store, logger)
		fetcher := gate.New(client, solver, exchanger, tokens, cfg.Captcha.MaxAttempts, logger)
		walker := taxonomy.New(def.Provider, fetcher, taxonomy.Config{
			LevelOrder: pcfg.LevelOrder,
			StartYear:  pcfg.StartYear,
			EndYear:    pcfg.EndYear,
		}, state, store, logger)
		dist := coordinator.New(coordinator.Config{
			Workers:        pcfg.Workers,
			QueueDepth:     pcfg.QueueDepth,
			MaxItemRetries: cfg.Supervisor.MaxItemRetries,
		}, def.Provider, fetcher, store, sessions, sup, logger)

		report, err := coordinator.NewCrawl(walker, dist, store, sessions, logger).Run(ctx)
		logReport(logger, report)
		return err
	})

	switch {
	case errors.Is(err, supervisor.ErrReplaced):
		logger.Info("handed over to replacement process")
		return nil
	case errors.Is(err, context.Canceled):
		logger.Info("crawl interrupted")
		return nil
	case err != nil:
		return fmt.Errorf("crawl %s: %w", name, err)
	}
	logger.Info("crawl finished")
	return nil
}

// attemptState exposes the stop flag of the running attempt to components
// that outlive restarts.
type attemptState struct {
	current atomic.Pointer[supervisor.State]
}

func (a *attemptState) set(state *supervisor.State) {
	a.current.Store(state)
}

// Stopped implements headless.Stopper.
func (a *attemptState) Stopped() bool {
	state := a.current.Load()
	return state != nil && state.Stopped()
}

func logReport(logger *zap.Logger, r coordinator.Report) {
	logger.Info("run report",
		zap.Int("persisted", r.Persisted),
		zap.Int("duplicate", r.Duplicate),
		zap.Int("exists", r.Exists),
		zap.Int("skipped", r.Skipped),
		zap.Int("failed", r.Failed),
		zap.Int("not_attempted", r.NotAttempted),
		zap.Int("retried", r.Retried),
		zap.Strings("failed_keys", r.FailedKeys),
	)
}
