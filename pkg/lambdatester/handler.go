package lambdatester

import (
	"context"
	"sync"

	"github.com/osvaldoandrade/lambda-tester/pkg/eventloop"
)

// Handler is the code under test. Handle runs on the invocation's event loop
// and signals completion through the Context, the Invocation callback, a
// returned error, or a panic.
type Handler interface {
	Handle(inv *Invocation) error
}

type HandlerFunc func(inv *Invocation) error

func (f HandlerFunc) Handle(inv *Invocation) error {
	return f(inv)
}

// Initializer is implemented by handlers that must do per-invocation setup
// before the leak baseline is taken, such as evaluating a script. An error
// from Init is classified like a thrown exception.
type Initializer interface {
	Init(inv *Invocation) (Handler, error)
}

// Logger receives diagnostic messages from the tester. observability.Logger
// satisfies it.
type Logger interface {
	Info(ctx context.Context, message string)
	Warn(ctx context.Context, message string)
	Error(ctx context.Context, message string)
}

type nopLogger struct{}

func (nopLogger) Info(context.Context, string)  {}
func (nopLogger) Warn(context.Context, string)  {}
func (nopLogger) Error(context.Context, string) {}

// Invocation is everything one handler call can see.
type Invocation struct {
	event any
	ctx   *Context
	loop  *eventloop.Loop
	arb   *arbiter
	logs  *logCollector

	mu         sync.Mutex
	interrupts []func(reason string)
}

func (i *Invocation) Event() any {
	return i.event
}

func (i *Invocation) Context() *Context {
	return i.ctx
}

// Loop is the event loop the handler runs on. Timers and held resources
// created through it are what leak detection inspects.
func (i *Invocation) Loop() *eventloop.Loop {
	return i.loop
}

// Callback is the node-style completion function.
func (i *Invocation) Callback(err error, result any) {
	if err != nil {
		i.arb.settle(Outcome{Kind: OutcomeCallbackError, Err: err})
		return
	}
	i.arb.settle(Outcome{Kind: OutcomeCallbackResult, Result: result})
}

// Log appends a line to the invocation's captured output.
func (i *Invocation) Log(level string, value any) {
	i.logs.Append(level, value)
}

// OnInterrupt registers fn to be called when the tester needs the handler to
// stop executing, after a timeout or when draining takes too long.
func (i *Invocation) OnInterrupt(fn func(reason string)) {
	i.mu.Lock()
	i.interrupts = append(i.interrupts, fn)
	i.mu.Unlock()
}

func (i *Invocation) interrupt(reason string) {
	i.mu.Lock()
	fns := append([]func(string){}, i.interrupts...)
	i.mu.Unlock()
	for _, fn := range fns {
		fn(reason)
	}
}
