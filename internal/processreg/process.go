package processreg

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
)

// spawn starts argv in its own session so it outlives the caller. The child
// is reaped in the background so a finished process does not linger as a zombie.
func spawn(argv []string, dir string) (int, error) {
	if len(argv) == 0 {
		return 0, errors.New("empty command")
	}
	cmd := exec.Command(argv[0], argv[1:]...) //nolint:gosec // commands come from operator configuration
	cmd.Dir = dir
	cmd.Env = os.Environ()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", argv[0], err)
	}
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}

// alive reports whether pid exists. EPERM means it exists under another user.
func alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// signal delivers sig to the process group led by pid, falling back to pid alone.
func signal(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

// splitCommand splits a configured command line on whitespace and strips
// quotes wrapping the executable.
func splitCommand(cmd string) []string {
	argv := strings.Fields(cmd)
	if len(argv) > 0 {
		first := argv[0]
		if len(first) >= 2 && (first[0] == '"' || first[0] == '\'') && first[len(first)-1] == first[0] {
			argv[0] = first[1 : len(first)-1]
		}
	}
	return argv
}
