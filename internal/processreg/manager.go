package processreg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Status is the outcome of a start or stop request.
type Status string

// Start and stop outcomes.
const (
	StatusStarted        Status = "started"
	StatusAlreadyRunning Status = "already_running"
	StatusStoppedByPID   Status = "stopped_by_pid"
	StatusKilledByPID    Status = "killed_by_pid"
	StatusNotRunningPID  Status = "not_running_pid"
	StatusErrorPID       Status = "error_pid"
	StatusNotFound       Status = "not_found"
	StatusRunning        Status = "running"
	StatusStale          Status = "stale"
	StatusError          Status = "error"
)

// Result describes one provider's process after a request.
type Result struct {
	Provider  string    `json:"provider"`
	Status    Status    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	Cmd       string    `json:"cmd,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
	Error     string    `json:"error,omitempty"`
}

// ManagerConfig wires a Manager.
type ManagerConfig struct {
	// Self is the argv prefix of this binary, used for the default
	// "<self> crawl --provider <p>" command.
	Self []string
	// WorkDir is the working directory of spawned crawls.
	WorkDir string
	// Getenv resolves command overrides; nil means os.Getenv.
	Getenv func(string) string
	// PollInterval is how often Stop checks for exit after SIGTERM.
	PollInterval time.Duration
}

// Manager starts and stops provider crawls by PID.
type Manager struct {
	reg    *Registry
	cfg    ManagerConfig
	logger *zap.Logger
	mu     sync.Mutex
}

// NewManager builds a Manager over reg.
func NewManager(reg *Registry, cfg ManagerConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Getenv == nil {
		cfg.Getenv = os.Getenv
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Manager{reg: reg, cfg: cfg, logger: logger.Named("processes")}
}

// EnvNames lists the override variables for provider in lookup order.
func EnvNames(provider string) []string {
	p := strings.ToUpper(strings.ReplaceAll(Normalize(provider), "-", "_"))
	return []string{
		"SCRAPER_CMD_" + p,
		"APP_SCRAPER_CMD_" + p,
		"SCRAPER_CMD",
		"APP_SCRAPER_CMD",
	}
}

// Command resolves the command line for provider: environment overrides,
// then the registered command, then the default crawl invocation.
func (m *Manager) Command(provider string) ([]string, error) {
	name := Normalize(provider)
	for _, key := range EnvNames(name) {
		if v := strings.TrimSpace(m.cfg.Getenv(key)); v != "" {
			return splitCommand(v), nil
		}
	}
	entry, ok, err := m.reg.Get(name)
	if err != nil {
		return nil, err
	}
	if ok && strings.TrimSpace(entry.Cmd) != "" {
		return splitCommand(entry.Cmd), nil
	}
	if len(m.cfg.Self) == 0 {
		return nil, fmt.Errorf("no command configured for provider %q, set one of %s",
			name, strings.Join(EnvNames(name), ", "))
	}
	argv := append([]string(nil), m.cfg.Self...)
	return append(argv, "crawl", "--provider", name), nil
}

// Start launches the provider crawl unless its registered PID is alive.
func (m *Manager) Start(provider string) (Result, error) {
	name := Normalize(provider)
	if name == "" {
		return Result{}, errors.New("provider is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok, err := m.reg.Get(name)
	if err != nil {
		return Result{}, err
	}
	if ok && alive(entry.PID) {
		return Result{Provider: name, Status: StatusAlreadyRunning, PID: entry.PID, Cmd: entry.Cmd}, nil
	}

	argv, err := m.Command(name)
	if err != nil {
		return Result{}, err
	}
	pid, err := spawn(argv, m.cfg.WorkDir)
	if err != nil {
		return Result{}, fmt.Errorf("spawn %s: %w", name, err)
	}
	cmd := strings.Join(argv, " ")
	if err := m.reg.Put(name, pid, cmd); err != nil {
		return Result{}, fmt.Errorf("register %s: %w", name, err)
	}
	m.logger.Info("crawl started", zap.String("provider", name), zap.Int("pid", pid), zap.String("cmd", cmd))
	return Result{Provider: name, Status: StatusStarted, PID: pid, Cmd: cmd}, nil
}

// Stop terminates the registered process: SIGTERM, wait up to timeout, then SIGKILL.
func (m *Manager) Stop(ctx context.Context, provider string, timeout time.Duration) (Result, error) {
	name := Normalize(provider)
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok, err := m.reg.Get(name)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{Provider: name, Status: StatusNotFound}, nil
	}
	res := m.stopPID(ctx, entry.PID, timeout)
	res.Provider = name
	res.Cmd = entry.Cmd
	if res.Status != StatusErrorPID {
		if err := m.reg.Remove(name); err != nil {
			return res, fmt.Errorf("unregister %s: %w", name, err)
		}
	}
	m.logger.Info("crawl stop requested",
		zap.String("provider", name),
		zap.Int("pid", entry.PID),
		zap.String("status", string(res.Status)),
	)
	return res, nil
}

// StopAll stops every registered provider.
func (m *Manager) StopAll(ctx context.Context, timeout time.Duration) (map[string]Result, error) {
	names, err := m.reg.Providers()
	if err != nil {
		return nil, err
	}
	results := make(map[string]Result, len(names))
	for _, name := range names {
		res, err := m.Stop(ctx, name, timeout)
		if err != nil {
			res = Result{Provider: name, Status: StatusError, Error: err.Error()}
		}
		results[name] = res
	}
	return results, nil
}

// Status reports every registered provider as running or stale.
func (m *Manager) Status() ([]Result, error) {
	entries, err := m.reg.Load()
	if err != nil {
		return nil, err
	}
	names, err := m.reg.Providers()
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(names))
	for _, name := range names {
		e := entries[name]
		status := StatusStale
		if alive(e.PID) {
			status = StatusRunning
		}
		out = append(out, Result{Provider: name, Status: status, PID: e.PID, Cmd: e.Cmd, UpdatedAt: e.UpdatedAt})
	}
	return out, nil
}

func (m *Manager) stopPID(ctx context.Context, pid int, timeout time.Duration) Result {
	if !alive(pid) {
		return Result{Status: StatusNotRunningPID, PID: pid}
	}
	if err := signal(pid, syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return Result{Status: StatusNotRunningPID, PID: pid}
		}
		return Result{Status: StatusErrorPID, PID: pid, Error: err.Error()}
	}
	if m.waitExit(ctx, pid, timeout) {
		return Result{Status: StatusStoppedByPID, PID: pid}
	}
	if err := signal(pid, syscall.SIGKILL); err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return Result{Status: StatusStoppedByPID, PID: pid}
		}
		return Result{Status: StatusErrorPID, PID: pid, Error: err.Error()}
	}
	return Result{Status: StatusKilledByPID, PID: pid}
}

func (m *Manager) waitExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(m.cfg.PollInterval)
	defer tick.Stop()
	for {
		if !alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return !alive(pid)
		case <-tick.C:
		}
	}
}
