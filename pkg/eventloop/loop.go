// Package eventloop provides the single-threaded scheduler a handler
// invocation runs on. Scheduling is delegated to go-eventloop; this package
// adds the handle registry on top of it so callers can snapshot every live
// asynchronous resource at any point, plus a drain mode that stops the loop
// once nothing user-visible is pending.
package eventloop

import (
	"context"
	"errors"
	"sync"
	"time"

	goeventloop "github.com/joeycumines/go-eventloop"
)

var ErrClosed = errors.New("eventloop: loop is closed")

type Kind string

const (
	KindTimeout   Kind = "Timeout"
	KindInterval  Kind = "Interval"
	KindImmediate Kind = "Immediate"
)

type Option func(*Loop)

// WithErrorHandler installs the callback used when a job panics. The loop
// keeps running after the handler returns.
func WithErrorHandler(fn func(recovered any)) Option {
	return func(l *Loop) { l.onError = fn }
}

type Loop struct {
	inner *goeventloop.Loop

	mu      sync.Mutex
	handles map[uint64]*Handle
	nextID  uint64
	closed  bool
	drain   bool
	running bool
	cancel  context.CancelFunc

	stopped chan struct{}
	onError func(any)
}

func New(opts ...Option) (*Loop, error) {
	inner, err := goeventloop.New()
	if err != nil {
		return nil, err
	}
	l := &Loop{
		inner:   inner,
		handles: make(map[uint64]*Handle),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Run executes jobs until ctx is done, Close is called, or the loop is in
// drain mode and nothing user-visible is pending. Run may be called once.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return errors.New("eventloop: already running")
	}
	l.running = true
	if l.closed {
		l.mu.Unlock()
		l.inner.Close()
		close(l.stopped)
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.mu.Unlock()
	defer close(l.stopped)
	defer cancel()

	l.checkDrain()
	err := l.inner.Run(runCtx)
	l.shutdown()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, goeventloop.ErrLoopTerminated) {
		return err
	}
	return nil
}

// Stopped is closed once Run has returned.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}

// Post enqueues fn behind every job already queued. Safe for concurrent use.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := l.inner.Submit(func() { l.exec(fn) }); err != nil {
		return errors.Join(ErrClosed, err)
	}
	return nil
}

// Close stops the loop after the job currently executing, if any. Pending
// timers and handles are discarded without running.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	cancel, running := l.cancel, l.running
	l.mu.Unlock()
	switch {
	case cancel != nil:
		cancel()
	case !running:
		l.inner.Close()
	}
}

// Drain switches the loop into drain mode: Run returns as soon as the jobs
// already queued have run and no user handle remains. Internal timers do not
// keep it alive.
func (l *Loop) Drain() {
	l.mu.Lock()
	l.drain = true
	l.mu.Unlock()
	l.checkDrain()
}

// Pending reports the number of live user handles.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handles)
}

// Now returns the clock timer deadlines are computed against.
func (l *Loop) Now() time.Time {
	return time.Now()
}

func (l *Loop) SetTimeout(delay time.Duration, fn func()) *Timer {
	return l.schedule(KindTimeout, delay, false, false, fn)
}

func (l *Loop) SetInterval(delay time.Duration, fn func()) *Timer {
	return l.schedule(KindInterval, delay, true, false, fn)
}

// SetImmediate runs fn after the jobs already queued and the timers already
// due, which is one scheduling tick from now.
func (l *Loop) SetImmediate(fn func()) *Timer {
	return l.schedule(KindImmediate, 0, false, false, fn)
}

// SetInternalTimeout schedules a timer that never appears in snapshots and
// never keeps a draining loop alive.
func (l *Loop) SetInternalTimeout(delay time.Duration, fn func()) *Timer {
	return l.schedule(KindTimeout, delay, false, true, fn)
}

// AfterDue runs fn on the loop once the jobs already queued have run and
// every user timer due by now has fired or been cleared. Immediates and
// zero-delay timers scheduled before the call therefore run first.
func (l *Loop) AfterDue(fn func()) error {
	cutoff := time.Now()
	var check func()
	check = func() {
		if l.dueBy(cutoff) {
			l.SetInternalTimeout(0, check)
			return
		}
		fn()
	}
	return l.Post(func() { l.SetInternalTimeout(0, check) })
}

// Hold registers an arbitrary asynchronous resource, for instance an open
// socket. The resource stays pending until Release is called.
func (l *Loop) Hold(kind string, metadata map[string]any) *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	h := &Handle{loop: l, info: HandleInfo{ID: l.nextID, Kind: kind, Metadata: copyMetadata(metadata)}}
	if !l.closed {
		l.handles[h.info.ID] = h
	}
	return h
}

// Snapshot captures the user handles alive right now.
func (l *Loop) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	snap := make(Snapshot, len(l.handles))
	for id, h := range l.handles {
		snap[id] = h.info
	}
	return snap
}

func (l *Loop) schedule(kind Kind, delay time.Duration, repeat, internal bool, fn func()) *Timer {
	if delay < 0 {
		delay = 0
	}
	l.mu.Lock()
	l.nextID++
	t := &Timer{
		loop:     l,
		fn:       fn,
		interval: delay,
		repeat:   repeat,
		internal: internal,
		handle: &Handle{loop: l, info: HandleInfo{
			ID:      l.nextID,
			Kind:    string(kind),
			DelayMS: delay.Milliseconds(),
		}},
	}
	t.handle.timer = t
	if l.closed {
		t.cleared = true
		l.mu.Unlock()
		return t
	}
	if !internal {
		l.handles[t.handle.info.ID] = t.handle
	}
	l.mu.Unlock()
	l.arm(t, delay)
	return t
}

// arm hands t to the underlying scheduler. A timer that cannot be scheduled
// is dropped from the registry, since it will never fire.
func (l *Loop) arm(t *Timer, delay time.Duration) {
	l.mu.Lock()
	t.due = time.Now().Add(delay)
	l.mu.Unlock()

	id, err := l.inner.ScheduleTimer(delay, func() { l.fire(t) })

	l.mu.Lock()
	if err != nil {
		t.cleared = true
		delete(l.handles, t.handle.info.ID)
		l.mu.Unlock()
		l.checkDrain()
		return
	}
	t.id, t.armed = id, true
	cleared := t.cleared
	l.mu.Unlock()
	if cleared {
		l.cancelTimer(id)
	}
}

// cancelTimer releases the scheduler's slot from the loop goroutine, so Clear
// never waits on a loop that is busy. The cleared flag already keeps the
// callback from running.
func (l *Loop) cancelTimer(id goeventloop.TimerID) {
	_ = l.inner.Submit(func() { _ = l.inner.CancelTimer(id) })
}

func (l *Loop) fire(t *Timer) {
	l.mu.Lock()
	if t.cleared || l.closed {
		l.mu.Unlock()
		return
	}
	if !t.repeat {
		t.cleared = true
		delete(l.handles, t.handle.info.ID)
	}
	fn := t.fn
	l.mu.Unlock()

	if t.repeat {
		l.arm(t, t.interval)
	}
	l.exec(fn)
	if !t.repeat {
		l.checkDrain()
	}
}

// dueBy reports whether a live user timer was due at or before cutoff.
func (l *Loop) dueBy(cutoff time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, h := range l.handles {
		if h.timer != nil && !h.timer.due.After(cutoff) {
			return true
		}
	}
	return false
}

// checkDrain queues a stop behind the jobs already queued when the loop is
// draining and idle. The stop job re-checks, since work may have arrived in
// between.
func (l *Loop) checkDrain() {
	l.mu.Lock()
	ready := l.drain && !l.closed && l.cancel != nil && len(l.handles) == 0
	l.mu.Unlock()
	if !ready {
		return
	}
	_ = l.inner.Submit(func() {
		l.mu.Lock()
		idle := l.drain && len(l.handles) == 0
		cancel := l.cancel
		l.mu.Unlock()
		if idle && cancel != nil {
			cancel()
		}
	})
}

func (l *Loop) exec(job func()) {
	defer func() {
		if r := recover(); r != nil {
			if l.onError != nil {
				l.onError(r)
			}
		}
	}()
	job()
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.inner.Close()
}

func (l *Loop) release(h *Handle) {
	l.mu.Lock()
	delete(l.handles, h.info.ID)
	l.mu.Unlock()
	l.checkDrain()
}

type Timer struct {
	loop     *Loop
	fn       func()
	interval time.Duration
	repeat   bool
	internal bool
	handle   *Handle

	// guarded by loop.mu
	id      goeventloop.TimerID
	armed   bool
	due     time.Time
	cleared bool
}

// Clear cancels the timer. Clearing a fired or cleared timer is a no-op.
func (t *Timer) Clear() {
	if t == nil {
		return
	}
	l := t.loop
	l.mu.Lock()
	if t.cleared {
		l.mu.Unlock()
		return
	}
	t.cleared = true
	delete(l.handles, t.handle.info.ID)
	id, armed := t.id, t.armed
	l.mu.Unlock()
	if armed {
		l.cancelTimer(id)
	}
	l.checkDrain()
}

func (t *Timer) ID() uint64 {
	return t.handle.info.ID
}

func (t *Timer) Info() HandleInfo {
	return t.handle.info
}
