package lambdatester

import (
	"sync"
	"time"

	"github.com/osvaldoandrade/lambda-tester/pkg/eventloop"
)

const (
	DefaultTimeout    = 3 * time.Second
	DefaultDrainLimit = 30 * time.Second

	// watchdogGrace is how long past the deadline the loop may stay busy
	// before the outcome is forced from outside it.
	watchdogGrace = 250 * time.Millisecond
)

type timeoutGuard struct {
	loop    *eventloop.Loop
	arb     *arbiter
	timeout time.Duration

	mu        sync.Mutex
	armed     bool
	start     time.Time
	deadline  time.Time
	timer     *eventloop.Timer
	watchdog  *time.Timer
	interrupt func(reason string)
}

func newTimeoutGuard(loop *eventloop.Loop, arb *arbiter, timeout time.Duration) *timeoutGuard {
	return &timeoutGuard{loop: loop, arb: arb, timeout: timeout}
}

// arm starts the countdown. The loop timer settles TimedOut in order with
// other loop work; the watchdog covers handlers that never yield.
func (g *timeoutGuard) arm(interrupt func(reason string)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.armed || g.arb.isSettled() {
		return
	}
	g.armed = true
	g.interrupt = interrupt
	g.start = g.loop.Now()
	g.deadline = g.start.Add(g.timeout)
	g.arb.begin(g.start)
	g.timer = g.loop.SetInternalTimeout(g.timeout, g.fire)
	g.watchdog = time.AfterFunc(g.timeout+watchdogGrace, g.expire)
}

func (g *timeoutGuard) fire() {
	g.arb.settle(Outcome{Kind: OutcomeTimedOut, Elapsed: g.elapsed()})
}

func (g *timeoutGuard) expire() {
	if !g.arb.settle(Outcome{Kind: OutcomeTimedOut, Elapsed: g.elapsed()}) {
		return
	}
	g.mu.Lock()
	interrupt := g.interrupt
	g.mu.Unlock()
	if interrupt != nil {
		interrupt("handler timed out")
	}
}

func (g *timeoutGuard) elapsed() time.Duration {
	g.mu.Lock()
	start := g.start
	g.mu.Unlock()
	d := g.loop.Now().Sub(start)
	if d < g.timeout {
		d = g.timeout
	}
	return d
}

func (g *timeoutGuard) remaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.armed {
		return g.timeout
	}
	left := g.deadline.Sub(g.loop.Now())
	if left < 0 {
		return 0
	}
	return left
}

// stop cancels both timers once an outcome exists.
func (g *timeoutGuard) stop(Outcome) {
	g.mu.Lock()
	timer, watchdog := g.timer, g.watchdog
	g.mu.Unlock()
	timer.Clear()
	if watchdog != nil {
		watchdog.Stop()
	}
}
