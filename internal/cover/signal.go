package cover

import "sync"

// signal is a re-armable broadcast event.
//
// Set releases every waiter currently selecting on Wait's channel and
// leaves the signal raised until Clear re-arms it. This is the
// interruption mechanism for in-flight convergence waits: a newer
// target raises the signal, stale waiters wake, re-check their
// snapshot, and bow out. Clear is only called at the start of a fresh
// wait, never mid-flight.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

// Set raises the signal, waking all current waiters.
// Idempotent while raised.
func (s *signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ch:
		// already raised
	default:
		close(s.ch)
	}
}

// Clear re-arms the signal so future Wait channels block again.
func (s *signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.ch:
		s.ch = make(chan struct{})
	default:
		// not raised, nothing to re-arm
	}
}

// Wait returns a channel that is closed when the signal is raised.
// Callers must re-fetch the channel after each Clear.
func (s *signal) Wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}
