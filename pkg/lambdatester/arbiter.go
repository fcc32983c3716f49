package lambdatester

import (
	"sync"
	"time"
)

// arbiter accepts the first terminal signal of an invocation and discards the
// rest. It is safe to call settle from the loop goroutine and from the
// timeout watchdog at the same time.
type arbiter struct {
	mu      sync.Mutex
	settled bool
	outcome Outcome
	start   time.Time
	now     func() time.Time
	hooks   []func(Outcome)
	late    func(Outcome)
	done    chan struct{}
}

func newArbiter(now func() time.Time) *arbiter {
	if now == nil {
		now = time.Now
	}
	return &arbiter{now: now, start: now(), done: make(chan struct{})}
}

// begin resets the elapsed-time origin. Signals before begin still count.
func (a *arbiter) begin(at time.Time) {
	a.mu.Lock()
	a.start = at
	a.mu.Unlock()
}

// onSettle registers fn to run once, on the goroutine that wins the race,
// before Done is closed.
func (a *arbiter) onSettle(fn func(Outcome)) {
	a.mu.Lock()
	a.hooks = append(a.hooks, fn)
	a.mu.Unlock()
}

// onLate registers fn to observe signals that arrive after settlement.
func (a *arbiter) onLate(fn func(Outcome)) {
	a.mu.Lock()
	a.late = fn
	a.mu.Unlock()
}

func (a *arbiter) settle(o Outcome) bool {
	a.mu.Lock()
	if a.settled {
		late := a.late
		a.mu.Unlock()
		if late != nil {
			late(o)
		}
		return false
	}
	if o.Elapsed == 0 {
		o.Elapsed = a.now().Sub(a.start)
	}
	a.settled = true
	a.outcome = o
	hooks := a.hooks
	a.mu.Unlock()

	for _, fn := range hooks {
		fn(o)
	}
	close(a.done)
	return true
}

func (a *arbiter) Done() <-chan struct{} {
	return a.done
}

func (a *arbiter) isSettled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settled
}

// result blocks until settlement.
func (a *arbiter) result() Outcome {
	<-a.done
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outcome
}
