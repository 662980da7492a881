package processreg

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
)

// ExecSpawner starts a replacement of the current process with the same
// arguments and records it in the registry under provider.
type ExecSpawner struct {
	provider string
	reg      *Registry
	argv     []string
	dir      string
	logger   *zap.Logger
}

// NewExecSpawner builds an ExecSpawner. argv nil means the current executable
// with os.Args[1:].
func NewExecSpawner(provider string, reg *Registry, argv []string, logger *zap.Logger) (*ExecSpawner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		argv = append([]string{exe}, os.Args[1:]...)
	}
	dir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve working dir: %w", err)
	}
	return &ExecSpawner{
		provider: Normalize(provider),
		reg:      reg,
		argv:     argv,
		dir:      dir,
		logger:   logger.Named("spawner"),
	}, nil
}

// Respawn starts the replacement and returns its PID.
func (s *ExecSpawner) Respawn(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	pid, err := spawn(s.argv, s.dir)
	if err != nil {
		return 0, err
	}
	if s.reg != nil {
		if err := s.reg.Put(s.provider, pid, strings.Join(s.argv, " ")); err != nil {
			s.logger.Error("register replacement", zap.Int("pid", pid), zap.Error(err))
		}
	}
	return pid, nil
}
