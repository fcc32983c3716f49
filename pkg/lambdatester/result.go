package lambdatester

import (
	"sync"
	"testing"
	"time"

	"github.com/osvaldoandrade/lambda-tester/pkg/eventloop"
)

// Result is the pending settlement of one expectation call.
type Result struct {
	kind ExpectationKind
	done chan struct{}

	mu        sync.Mutex
	settled   bool
	err       error
	run       invocationRun
	callbacks []func(error)
}

func newResult(kind ExpectationKind) *Result {
	return &Result{kind: kind, done: make(chan struct{})}
}

func (r *Result) settle(run invocationRun, err error) {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return
	}
	r.settled = true
	r.run = run
	r.err = err
	callbacks := r.callbacks
	r.callbacks = nil
	r.mu.Unlock()
	close(r.done)

	// Each callback gets its own goroutine: one that blocks on the Result or
	// exits its goroutine must not hold up Done or the other callbacks.
	for _, cb := range callbacks {
		go cb(err)
	}
}

// Wait blocks until the expectation settles and returns its error.
func (r *Result) Wait() error {
	<-r.done
	return r.Err()
}

func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Err is nil while the expectation is pending.
func (r *Result) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Verify subscribes a node-style completion callback: done(nil) on success,
// done(err) on failure. Callbacks registered after settlement run right away.
func (r *Result) Verify(done func(error)) *Result {
	if done == nil {
		return r
	}
	r.mu.Lock()
	if r.settled {
		err := r.err
		r.mu.Unlock()
		done(err)
		return r
	}
	r.callbacks = append(r.callbacks, done)
	r.mu.Unlock()
	return r
}

// Require fails t if the expectation settles with an error.
func (r *Result) Require(t testing.TB) {
	t.Helper()
	if err := r.Wait(); err != nil {
		t.Fatalf("expect %s: %v", r.kind, err)
	}
}

func (r *Result) Kind() ExpectationKind {
	return r.kind
}

// Outcome returns the classified invocation outcome. The zero Outcome is
// returned when the expectation failed before the handler ran.
func (r *Result) Outcome() Outcome {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run.outcome
}

func (r *Result) Elapsed() time.Duration {
	return r.Outcome().Elapsed
}

func (r *Result) Leaks() []eventloop.HandleInfo {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run.leaks
}

// Logs returns the lines the handler logged during the invocation.
func (r *Result) Logs() []string {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run.logs
}

func (r *Result) LogsTruncated() bool {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run.logsTruncated
}

// RequestID is the awsRequestId the simulated context carried.
func (r *Result) RequestID() string {
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.run.requestID
}
