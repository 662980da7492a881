package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fitment-scraper/internal/metrics"
	"github.com/JakeFAU/fitment-scraper/internal/scraper"
)

// SessionResetter drops every worker session.
type SessionResetter interface {
	ResetAll()
}

// TokenClearer wipes the on-disk token cache.
type TokenClearer interface {
	Clear() error
}

// Supervisor runs the restart sequence for one crawl run.
type Supervisor struct {
	provider   string
	state      *State
	classifier *Classifier
	sessions   SessionResetter
	tokens     TokenClearer
	errLog     scraper.ErrorLogger
	grace      time.Duration
	logger     *zap.Logger
}

// New builds a Supervisor. sessions, tokens and errLog may be nil.
func New(
	provider string,
	state *State,
	classifier *Classifier,
	sessions SessionResetter,
	tokens TokenClearer,
	errLog scraper.ErrorLogger,
	grace time.Duration,
	logger *zap.Logger,
) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if classifier == nil {
		classifier = NewClassifier()
	}
	return &Supervisor{
		provider:   provider,
		state:      state,
		classifier: classifier,
		sessions:   sessions,
		tokens:     tokens,
		errLog:     errLog,
		grace:      grace,
		logger:     logger.Named("supervisor"),
	}
}

// State returns the shared run state.
func (s *Supervisor) State() *State { return s.state }

// Classify delegates to the classifier.
func (s *Supervisor) Classify(err error) Kind { return s.classifier.Classify(err) }

// HandleFatal runs the restart sequence for the first caller and returns
// *scraper.NeedsRestartError. Every later caller gets
// scraper.ErrRestartInProgress and must exit its loop.
func (s *Supervisor) HandleFatal(ctx context.Context, cause error, details map[string]any) error {
	if !s.state.TryBeginRestart() {
		return scraper.ErrRestartInProgress
	}
	kind := s.classifier.Classify(cause)
	s.logger.Error("fatal error, restarting",
		zap.String("provider", s.provider),
		zap.Stringer("kind", kind),
		zap.Error(cause),
	)
	s.record(ctx, cause, kind, details)

	s.state.Stop()
	if s.sessions != nil {
		s.sessions.ResetAll()
	}
	if s.tokens != nil {
		if err := s.tokens.Clear(); err != nil {
			s.logger.Warn("clear token cache", zap.Error(err))
		}
	}
	drained := s.state.WaitIdle(ctx, s.grace)
	s.logger.Info("workers stopped", zap.Bool("drained", drained), zap.Int("active", s.state.Active()))
	metrics.ObserveRestart(s.provider)
	return &scraper.NeedsRestartError{Cause: cause}
}

// Fail records a data-integrity failure and stops the run without a restart.
func (s *Supervisor) Fail(ctx context.Context, cause error, details map[string]any) error {
	s.record(ctx, cause, s.classifier.Classify(cause), details)
	s.state.Stop()
	return cause
}

func (s *Supervisor) record(ctx context.Context, cause error, kind Kind, details map[string]any) {
	if s.errLog == nil {
		return
	}
	payload := make(map[string]any, len(details)+1)
	for k, v := range details {
		payload[k] = v
	}
	payload["kind"] = kind.String()
	if err := s.errLog.LogError(context.WithoutCancel(ctx), s.provider, payload, cause.Error()); err != nil {
		s.logger.Error("record fatal error", zap.Error(err))
	}
}

// Respawn modes.
const (
	ModeExec = "exec"
	ModeLoop = "loop"
)

// ErrReplaced is returned by Respawner.Run after a replacement process started.
var ErrReplaced = errors.New("replaced by a new process")

// Spawner starts a replacement process with the current invocation.
type Spawner interface {
	Respawn(ctx context.Context) (int, error)
}

// Respawner is the outer loop that owns restart mechanics.
type Respawner struct {
	mode        string
	maxRestarts int
	spawner     Spawner
	provider    string
	logger      *zap.Logger
}

// NewRespawner builds a Respawner. maxRestarts <= 0 means unlimited.
func NewRespawner(provider, mode string, maxRestarts int, spawner Spawner, logger *zap.Logger) *Respawner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Respawner{
		mode:        mode,
		maxRestarts: maxRestarts,
		spawner:     spawner,
		provider:    provider,
		logger:      logger.Named("respawn"),
	}
}

// Run calls run until it returns something other than NeedsRestartError.
func (r *Respawner) Run(ctx context.Context, run func(ctx context.Context) error) error {
	restarts := 0
	for {
		err := run(ctx)
		var needs *scraper.NeedsRestartError
		if !errors.As(err, &needs) {
			return err
		}
		restarts++
		if r.maxRestarts > 0 && restarts > r.maxRestarts {
			return fmt.Errorf("restart limit %d reached: %w", r.maxRestarts, err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("restart aborted: %w", ctx.Err())
		}

		switch r.mode {
		case ModeExec:
			if r.spawner == nil {
				return fmt.Errorf("respawn: no spawner configured: %w", err)
			}
			pid, spawnErr := r.spawner.Respawn(ctx)
			if spawnErr != nil {
				return fmt.Errorf("respawn %s: %w", r.provider, spawnErr)
			}
			r.logger.Info("replacement process started", zap.String("provider", r.provider), zap.Int("pid", pid))
			return ErrReplaced
		default:
			r.logger.Info("restarting crawl in process",
				zap.String("provider", r.provider),
				zap.Int("restart", restarts),
				zap.Error(needs.Cause),
			)
		}
	}
}
