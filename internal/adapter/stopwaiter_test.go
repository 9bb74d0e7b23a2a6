package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopWaiterResolvesOnFire(t *testing.T) {
	w := NewStopWaiter()
	id, ch := w.Arm()

	want := StopResult{Reason: "breakpoint", ThreadID: 1, HasThread: true}
	go w.FireAll(want)

	got, err := w.Wait(context.Background(), id, ch, make(chan struct{}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStopWaiterResolvesOnExit(t *testing.T) {
	w := NewStopWaiter()
	id, ch := w.Arm()

	exited := make(chan struct{})
	close(exited)

	got, err := w.Wait(context.Background(), id, ch, exited, time.Second)
	require.NoError(t, err)
	assert.True(t, got.Terminated)
}

func TestStopWaiterTimesOut(t *testing.T) {
	w := NewStopWaiter()
	id, ch := w.Arm()

	_, err := w.Wait(context.Background(), id, ch, make(chan struct{}), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestStopWaiterDisarmIsIdempotent(t *testing.T) {
	w := NewStopWaiter()
	id, _ := w.Arm()
	w.Disarm(id)
	w.Disarm(id)
}

// TestStopWaiterArmBeforeSend is a narrow regression test for the
// listener-before-write invariant (§4.6.1): a FireAll that races the
// caller's own send must still be observed once Arm has returned.
func TestStopWaiterArmBeforeSend(t *testing.T) {
	w := NewStopWaiter()

	id, ch := w.Arm()
	// Simulate "writing the resume command to the wire" happening after
	// Arm: the pause event fires immediately afterward on another
	// goroutine, as a real transport's read loop would.
	fired := make(chan struct{})
	go func() {
		w.FireAll(StopResult{Reason: "step"})
		close(fired)
	}()

	got, err := w.Wait(context.Background(), id, ch, make(chan struct{}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "step", got.Reason)
	<-fired
}
