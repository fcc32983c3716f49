package lambdatester

import (
	"context"
	"fmt"
	"time"

	"github.com/osvaldoandrade/lambda-tester/internal/observability"
	"github.com/osvaldoandrade/lambda-tester/pkg/eventloop"
)

type invocationConfig struct {
	handler       Handler
	event         any
	timeout       time.Duration
	overrides     map[string]any
	leakDetection bool
	drainLimit    time.Duration
	maxLogBytes   int
	logger        Logger
}

type invocationRun struct {
	outcome       Outcome
	leaks         []eventloop.HandleInfo
	logs          []string
	logsTruncated bool
	requestID     string
}

// invoke runs one handler call to settlement. The loop keeps draining in the
// background after invoke returns, bounded by drainLimit.
func invoke(cfg invocationConfig) invocationRun {
	logger := cfg.logger
	if logger == nil {
		logger = nopLogger{}
	}

	arb := newArbiter(time.Now)
	var logCtx context.Context = context.Background()
	loop, err := eventloop.New(eventloop.WithErrorHandler(func(r any) {
		err := recoveredError(r)
		if !arb.settle(Outcome{Kind: OutcomeThrown, Err: err}) {
			logger.Warn(logCtx, "uncaught handler error after completion: "+err.Error())
		}
	}))
	if err != nil {
		return invocationRun{outcome: Outcome{Kind: OutcomeThrown, Err: fmt.Errorf("start event loop: %w", err)}}
	}
	guard := newTimeoutGuard(loop, arb, cfg.timeout)
	detector := newLeakDetector(loop, cfg.leakDetection)
	lctx := newContext(cfg.overrides, arb, guard)
	logCtx = observability.WithRequestID(context.Background(), lctx.AwsRequestID)

	arb.onSettle(guard.stop)
	arb.onSettle(detector.afterSettle)
	arb.onLate(func(o Outcome) {
		logger.Info(logCtx, fmt.Sprintf("ignored %s signal after completion", o.Kind))
	})

	inv := &Invocation{
		event: cfg.event,
		ctx:   lctx,
		loop:  loop,
		arb:   arb,
		logs:  newLogCollector(cfg.maxLogBytes),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(runCtx) }()

	_ = loop.Post(func() {
		guard.arm(inv.interrupt)
		h := cfg.handler
		if init, ok := h.(Initializer); ok {
			scoped, err := callInit(init, inv)
			if err != nil {
				arb.settle(Outcome{Kind: OutcomeThrown, Err: err})
				return
			}
			h = scoped
		}
		detector.captureBefore()
		if err := callHandler(h, inv); err != nil {
			arb.settle(Outcome{Kind: OutcomeThrown, Err: err})
		}
	})

	out := arb.result()
	run := invocationRun{outcome: out, requestID: lctx.AwsRequestID}
	if detector.enabled && out.Kind.leakCheckable() {
		leaks, ok := detector.wait(cfg.timeout)
		if !ok {
			logger.Warn(logCtx, "resource leak check skipped: event loop stayed busy")
		}
		run.leaks = leaks
	}
	run.logs = inv.logs.Logs()
	run.logsTruncated = inv.logs.Truncated()

	loop.Drain()
	go func() {
		defer cancel()
		limit := time.NewTimer(cfg.drainLimit)
		defer limit.Stop()
		select {
		case <-loop.Stopped():
		case <-limit.C:
			logger.Warn(logCtx, "handler still busy after drain limit, stopping event loop")
			inv.interrupt("drain limit reached")
			loop.Close()
		}
	}()
	return run
}

func callInit(init Initializer, inv *Invocation) (h Handler, err error) {
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, recoveredError(r)
		}
	}()
	h, err = init.Init(inv)
	if err == nil && h == nil {
		err = fmt.Errorf("initializer returned no handler")
	}
	return h, err
}

func callHandler(h Handler, inv *Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoveredError(r)
		}
	}()
	return h.Handle(inv)
}
