package lambdatester

import (
	"time"

	"github.com/osvaldoandrade/lambda-tester/pkg/eventloop"
)

// leakDetector compares the handles alive before the handler ran with those
// alive one tick after it declared completion.
type leakDetector struct {
	loop    *eventloop.Loop
	enabled bool
	before  eventloop.Snapshot
	result  chan []eventloop.HandleInfo
}

func newLeakDetector(loop *eventloop.Loop, enabled bool) *leakDetector {
	return &leakDetector{loop: loop, enabled: enabled, result: make(chan []eventloop.HandleInfo, 1)}
}

// captureBefore runs on the loop right before the handler is called, so
// handles created while loading the handler never count as leaks.
func (d *leakDetector) captureBefore() {
	if !d.enabled {
		return
	}
	d.before = d.loop.Snapshot()
}

// afterSettle takes the second snapshot one tick later: after the jobs already
// queued and after every timer or immediate that was due when the outcome was
// declared. Cleanup done in those callbacks never counts as a leak.
func (d *leakDetector) afterSettle(o Outcome) {
	if !d.enabled || !o.Kind.leakCheckable() {
		return
	}
	err := d.loop.AfterDue(func() {
		d.result <- d.loop.Snapshot().Diff(d.before)
	})
	if err != nil {
		d.result <- nil
	}
}

// wait returns the leaked handles, or ok=false if the loop stayed busy past
// limit and no snapshot could be taken.
func (d *leakDetector) wait(limit time.Duration) (leaked []eventloop.HandleInfo, ok bool) {
	t := time.NewTimer(limit)
	defer t.Stop()
	select {
	case leaked = <-d.result:
		return leaked, true
	case <-t.C:
		return nil, false
	}
}
