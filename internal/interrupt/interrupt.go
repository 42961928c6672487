// Package interrupt carries the cooperative stop flag a sync run polls at its
// safe points. An interrupted run finishes the page it is writing, runs its
// registered cleanup hooks and exits; the next run re-detects whatever was
// left unfilled.
package interrupt

import (
	"errors"
	"sync"
)

// ErrInterrupted is returned by sync stages that stopped at a safe point
// because the run's signal fired.
var ErrInterrupted = errors.New("sync interrupted")

// Signal is a one-shot, latching stop flag. A fresh Signal is created per sync
// run; once fired it stays fired.
type Signal struct {
	mu    sync.Mutex
	fired bool
	hooks []func()
}

// NewSignal returns an unfired signal.
func NewSignal() *Signal {
	return &Signal{}
}

// Interrupt fires the signal and runs the registered hooks once, in
// registration order. Subsequent calls are no-ops.
func (s *Signal) Interrupt() {
	s.mu.Lock()
	if s.fired {
		s.mu.Unlock()
		return
	}
	s.fired = true
	hooks := s.hooks
	s.hooks = nil
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// Interrupted reports whether the signal has fired. Loops call this at page
// boundaries and between collections.
func (s *Signal) Interrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// OnInterrupt registers fn to run when the signal fires. If the signal has
// already fired, fn runs immediately.
func (s *Signal) OnInterrupt(fn func()) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	if s.fired {
		s.mu.Unlock()
		fn()
		return
	}
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}
