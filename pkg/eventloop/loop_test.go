package eventloop

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLoop(t *testing.T, opts ...Option) *Loop {
	t.Helper()
	l, err := New(opts...)
	require.NoError(t, err)
	return l
}

func runLoop(t *testing.T, l *Loop) <-chan error {
	t.Helper()
	errCh := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		<-l.Stopped()
	})
	go func() { errCh <- l.Run(ctx) }()
	return errCh
}

func TestPostRunsJobsInOrder(t *testing.T) {
	l := newLoop(t)
	var got []int
	done := make(chan struct{})
	for i := 0; i < 5; i++ {
		i := i
		require.NoError(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Post(func() { close(done) }))
	runLoop(t, l)

	<-done
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)
}

func TestTimersFireByDeadlineThenCreationOrder(t *testing.T) {
	l := newLoop(t)
	var mu sync.Mutex
	var got []string
	record := func(s string) func() {
		return func() {
			mu.Lock()
			got = append(got, s)
			mu.Unlock()
		}
	}
	done := make(chan struct{})
	l.SetTimeout(30*time.Millisecond, record("late"))
	l.SetTimeout(5*time.Millisecond, record("early-a"))
	l.SetTimeout(5*time.Millisecond, record("early-b"))
	l.SetImmediate(record("immediate"))
	l.SetTimeout(40*time.Millisecond, func() { close(done) })
	runLoop(t, l)

	<-done
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"immediate", "early-a", "early-b", "late"}, got)
}

func TestFiredTimerLeavesSnapshotBeforeCallback(t *testing.T) {
	l := newLoop(t)
	seen := make(chan Snapshot, 1)
	timer := l.SetTimeout(time.Millisecond, func() {})
	l.SetTimeout(2*time.Millisecond, func() {})
	timer.fn = func() { seen <- l.Snapshot() }
	runLoop(t, l)

	snap := <-seen
	_, stillThere := snap[timer.ID()]
	assert.False(t, stillThere)
	assert.Len(t, snap, 1)
}

func TestClearRemovesHandleAndSkipsCallback(t *testing.T) {
	l := newLoop(t)
	fired := make(chan struct{}, 1)
	timer := l.SetTimeout(5*time.Millisecond, func() { fired <- struct{}{} })
	require.Equal(t, 1, l.Pending())
	timer.Clear()
	timer.Clear()
	assert.Equal(t, 0, l.Pending())

	done := make(chan struct{})
	l.SetTimeout(20*time.Millisecond, func() { close(done) })
	runLoop(t, l)
	<-done
	select {
	case <-fired:
		t.Fatal("cleared timer fired")
	default:
	}
}

func TestIntervalRepeatsUntilCleared(t *testing.T) {
	l := newLoop(t)
	count := 0
	done := make(chan struct{})
	var iv *Timer
	iv = l.SetInterval(2*time.Millisecond, func() {
		count++
		if count == 3 {
			iv.Clear()
			close(done)
		}
	})
	runLoop(t, l)
	<-done
	assert.Equal(t, 3, count)
	assert.Equal(t, 0, l.Pending())
}

func TestInternalTimersAreInvisible(t *testing.T) {
	l := newLoop(t)
	t.Cleanup(l.Close)
	l.SetInternalTimeout(time.Hour, func() {})
	assert.Equal(t, 0, l.Pending())
	assert.Empty(t, l.Snapshot())
}

func TestDrainReturnsWhenNothingIsPending(t *testing.T) {
	l := newLoop(t)
	l.SetInternalTimeout(time.Hour, func() {})
	fired := false
	l.SetTimeout(5*time.Millisecond, func() { fired = true })
	l.Drain()

	err := l.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, fired)
}

func TestHoldAndRelease(t *testing.T) {
	l := newLoop(t)
	t.Cleanup(l.Close)
	before := l.Snapshot()
	h := l.Hold("Socket", map[string]any{"addr": "127.0.0.1:9"})
	after := l.Snapshot()

	leaked := after.Diff(before)
	require.Len(t, leaked, 1)
	assert.Equal(t, "Socket", leaked[0].Kind)
	assert.Equal(t, "127.0.0.1:9", leaked[0].Metadata["addr"])

	h.Release()
	assert.Empty(t, l.Snapshot().Diff(before))
}

func TestDiffIgnoresHandlesFromBefore(t *testing.T) {
	l := newLoop(t)
	t.Cleanup(l.Close)
	l.SetTimeout(time.Hour, func() {})
	before := l.Snapshot()
	second := l.SetTimeout(100*time.Millisecond, func() {})

	leaked := l.Snapshot().Diff(before)
	require.Len(t, leaked, 1)
	assert.Equal(t, second.ID(), leaked[0].ID)
	assert.EqualValues(t, 100, leaked[0].DelayMS)
	assert.Equal(t, string(KindTimeout), leaked[0].Kind)
}

func TestPanicGoesToErrorHandler(t *testing.T) {
	recovered := make(chan any, 1)
	l := newLoop(t, WithErrorHandler(func(r any) { recovered <- r }))
	done := make(chan struct{})
	require.NoError(t, l.Post(func() { panic("boom") }))
	require.NoError(t, l.Post(func() { close(done) }))
	runLoop(t, l)

	<-done
	assert.Equal(t, "boom", <-recovered)
}

func TestCloseStopsRunAndRejectsPosts(t *testing.T) {
	l := newLoop(t)
	errCh := runLoop(t, l)
	l.Close()
	require.NoError(t, <-errCh)
	assert.ErrorIs(t, l.Post(func() {}), ErrClosed)
}

func TestRunTwiceFails(t *testing.T) {
	l := newLoop(t)
	started := make(chan struct{})
	require.NoError(t, l.Post(func() { close(started) }))
	runLoop(t, l)
	<-started
	assert.Error(t, l.Run(context.Background()))
}

func TestAfterDueWaitsForImmediateCleanup(t *testing.T) {
	l := newLoop(t)
	runLoop(t, l)

	seen := make(chan Snapshot, 1)
	require.NoError(t, l.Post(func() {
		long := l.SetTimeout(time.Hour, func() {})
		l.SetImmediate(func() { long.Clear() })
		l.SetTimeout(0, func() {})
		require.NoError(t, l.AfterDue(func() { seen <- l.Snapshot() }))
	}))

	select {
	case snap := <-seen:
		assert.Empty(t, snap)
	case <-time.After(2 * time.Second):
		t.Fatal("AfterDue callback never ran")
	}
}

func TestAfterDueIgnoresTimersDueLater(t *testing.T) {
	l := newLoop(t)
	runLoop(t, l)

	seen := make(chan Snapshot, 1)
	var later *Timer
	require.NoError(t, l.Post(func() {
		later = l.SetTimeout(time.Hour, func() {})
		require.NoError(t, l.AfterDue(func() { seen <- l.Snapshot() }))
	}))

	select {
	case snap := <-seen:
		require.Len(t, snap, 1)
		_, ok := snap[later.ID()]
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("AfterDue callback never ran")
	}
}

func TestClosedBeforeRunReturnsImmediately(t *testing.T) {
	l := newLoop(t)
	l.Close()
	require.NoError(t, l.Run(context.Background()))
	<-l.Stopped()
	assert.ErrorIs(t, l.Post(func() {}), ErrClosed)
}
