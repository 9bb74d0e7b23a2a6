package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrTimedOut is returned when a resume operation's pause-listener does
// not fire before its deadline.
var ErrTimedOut = errors.New("Timed out waiting for debugger to stop")

// DefaultStepTimeout is the §4.6.1 mandated bound on continue/step
// operations.
const DefaultStepTimeout = 30 * time.Second

// StopWaiter implements the stop/resume synchronization protocol shared by
// both adapters (§4.6.1): a listener must be registered before the resume
// command is written to the wire, so that a "paused" event racing the
// write is never lost. Exactly one listener should normally be armed at a
// time (callers serialize their own step/continue calls), but FireAll
// fans a pause out to every listener currently armed as a defensive
// measure against misuse.
type StopWaiter struct {
	mu        sync.Mutex
	nextID    int64
	listeners map[int64]chan StopResult
}

// NewStopWaiter returns a ready-to-use StopWaiter.
func NewStopWaiter() *StopWaiter {
	return &StopWaiter{listeners: make(map[int64]chan StopResult)}
}

// Arm registers a new one-shot pause listener. Call this before writing
// the resume (or launch) command that may cause the debuggee to pause.
func (w *StopWaiter) Arm() (id int64, ch chan StopResult) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	id = w.nextID
	ch = make(chan StopResult, 1)
	w.listeners[id] = ch
	return id, ch
}

// Disarm removes a listener without firing it. Safe to call after the
// listener has already fired or been removed.
func (w *StopWaiter) Disarm(id int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.listeners, id)
}

// FireAll delivers result to every currently-armed listener (there is
// normally exactly one) and clears them.
func (w *StopWaiter) FireAll(result StopResult) {
	w.mu.Lock()
	listeners := w.listeners
	w.listeners = make(map[int64]chan StopResult)
	w.mu.Unlock()

	for _, ch := range listeners {
		ch <- result
		close(ch)
	}
}

// Wait blocks on the channel returned by Arm, racing it against the
// child-process exit signal and a timeout. On every return path the
// listener is disarmed so a late pause event cannot leak into a future
// wait.
func (w *StopWaiter) Wait(ctx context.Context, id int64, ch chan StopResult, exited <-chan struct{}, timeout time.Duration) (StopResult, error) {
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	defer w.Disarm(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		return result, nil
	case <-exited:
		return StopResult{Terminated: true, Reason: "terminated"}, nil
	case <-timer.C:
		return StopResult{}, ErrTimedOut
	case <-ctx.Done():
		return StopResult{}, context.Cause(ctx)
	}
}
