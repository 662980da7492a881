// Package supervisor owns the shared stop/restart flags, classifies worker
// failures and drives the single-winner restart sequence.
package supervisor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// State is shared by every worker of one run. It is passed in at
// construction; nothing reads it from package globals.
type State struct {
	stop    atomic.Bool
	restart atomic.Bool

	mu     sync.Mutex
	cond   *sync.Cond
	active int
}

// NewState returns a running State.
func NewState() *State {
	s := &State{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Stop sets the process-wide stop flag.
func (s *State) Stop() {
	s.stop.Store(true)
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Stopped reports whether Stop was called.
func (s *State) Stopped() bool {
	return s.stop.Load()
}

// TryBeginRestart returns true for exactly one caller.
func (s *State) TryBeginRestart() bool {
	return s.restart.CompareAndSwap(false, true)
}

// Restarting reports whether a restart has been claimed.
func (s *State) Restarting() bool {
	return s.restart.Load()
}

// Enter marks a worker busy. It returns false once stopped.
func (s *State) Enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop.Load() {
		return false
	}
	s.active++
	return true
}

// Exit marks a worker idle.
func (s *State) Exit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active > 0 {
		s.active--
	}
	if s.active == 0 {
		s.cond.Broadcast()
	}
}

// Active returns the number of busy workers.
func (s *State) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// WaitIdle blocks until no worker is busy, the timeout elapses or ctx ends.
// It reports whether the workers drained.
func (s *State) WaitIdle(ctx context.Context, timeout time.Duration) bool {
	var expired atomic.Bool
	wake := func() {
		expired.Store(true)
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	}
	timer := time.AfterFunc(timeout, wake)
	defer timer.Stop()
	stop := context.AfterFunc(ctx, wake)
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.active > 0 && !expired.Load() {
		s.cond.Wait()
	}
	return s.active == 0
}
