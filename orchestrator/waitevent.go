package orchestrator

import (
	"sync"
	"time"
)

// WaitEvent is a manual-reset signal. Signal latches it; waiters return
// immediately while it is latched, until some Reset (or a *AndReset wait
// variant) clears it. The orchestrator's main loop parks on
// WaitUntilAndReset between scheduling rounds.
//
// Implemented over a regenerated closed channel so waits can carry an
// absolute deadline; spurious wakeups are impossible by construction but
// callers re-check their predicates anyway.
type WaitEvent struct {
	mu        sync.Mutex
	signalled bool
	ch        chan struct{}
}

// NewWaitEvent creates an unsignalled event.
func NewWaitEvent() *WaitEvent {
	return &WaitEvent{ch: make(chan struct{})}
}

// Signal latches the event and releases all current waiters.
func (e *WaitEvent) Signal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.signalled {
		e.signalled = true
		close(e.ch)
	}
}

// Reset clears the latch.
func (e *WaitEvent) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.signalled {
		e.signalled = false
		e.ch = make(chan struct{})
	}
}

// Wait blocks until the event is signalled.
func (e *WaitEvent) Wait() {
	e.mu.Lock()
	ch := e.ch
	e.mu.Unlock()
	<-ch
}

// TryWait reports whether the event is currently signalled, without
// blocking.
func (e *WaitEvent) TryWait() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signalled
}

// WaitUntil blocks until the event is signalled or the deadline passes.
// Returns true if the event was signalled.
func (e *WaitEvent) WaitUntil(deadline time.Time) bool {
	e.mu.Lock()
	if e.signalled {
		e.mu.Unlock()
		return true
	}
	ch := e.ch
	e.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-ch:
		return true
	case <-timer.C:
		// The signal may have raced the timer.
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.signalled
	}
}

// WaitAndReset blocks until the event is signalled, then clears it.
func (e *WaitEvent) WaitAndReset() {
	e.Wait()
	e.Reset()
}

// WaitUntilAndReset blocks until the event is signalled or the deadline
// passes; if signalled, clears the latch. Returns true if the event was
// signalled.
func (e *WaitEvent) WaitUntilAndReset(deadline time.Time) bool {
	if e.WaitUntil(deadline) {
		e.Reset()
		return true
	}
	return false
}
