// Package lambdatester invokes serverless-style handlers the way the hosting
// runtime would and asserts on how they completed.
//
// A Tester is a builder. Each Expect call snapshots the configuration, runs
// the handler once on a fresh event loop and returns a Result that settles
// with nil when the handler completed the expected way, or with the error
// explaining why it did not:
//
//	err := lambdatester.New(handler).
//		Event(map[string]any{"name": "world"}).
//		Timeout(time.Second).
//		ExpectResult(func(result any) error {
//			if result != "hello world" {
//				return fmt.Errorf("unexpected result %v", result)
//			}
//			return nil
//		}).
//		Wait()
package lambdatester

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Loader resolves a handler lazily, once per expectation call.
type Loader func() (Handler, error)

type Tester struct {
	mu            sync.Mutex
	handler       Handler
	loader        Loader
	event         any
	timeout       time.Duration
	overrides     map[string]any
	leakDetection bool
	drainLimit    time.Duration
	maxLogBytes   int
	after         Hook
	schema        *jsonschema.Schema
	logger        Logger
	err           error
}

// New creates a tester from the current process defaults. handler may be nil
// when it is supplied later through LoadHandler.
func New(handler Handler) *Tester {
	return NewWithDefaults(handler, CurrentDefaults())
}

func NewWithDefaults(handler Handler, d Defaults) *Tester {
	d = d.normalize()
	return &Tester{
		handler:       handler,
		event:         map[string]any{},
		timeout:       d.Timeout,
		overrides:     map[string]any{},
		leakDetection: d.CheckForResourceLeak,
		drainLimit:    d.DrainLimit,
		maxLogBytes:   d.MaxLogBytes,
		logger:        d.Logger,
	}
}

// fail records the first configuration error. It is reported by Err and by
// every later expectation call.
func (t *Tester) fail(msg string) *Tester {
	if t.err == nil {
		t.err = &ConfigurationError{Message: msg}
	}
	return t
}

// Err returns the first configuration error, if any.
func (t *Tester) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Event sets the payload passed to the handler. Exactly one value is
// required.
func (t *Tester) Event(event ...any) *Tester {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(event) == 0 || event[0] == nil {
		return t.fail("missing event")
	}
	if len(event) > 1 {
		return t.fail("event takes a single payload")
	}
	t.event = event[0]
	return t
}

func (t *Tester) Timeout(d time.Duration) *Tester {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d <= 0 {
		return t.fail(fmt.Sprintf("invalid timeout %s", d))
	}
	t.timeout = d
	return t
}

// Context merges overrides into the simulated context. Keys are the
// camelCase property names (functionName, awsRequestId, ...); unknown keys
// become extra properties.
func (t *Tester) Context(overrides map[string]any) *Tester {
	t.mu.Lock()
	defer t.mu.Unlock()
	if overrides == nil {
		return t.fail("missing context overrides")
	}
	for k, v := range overrides {
		t.overrides[k] = v
	}
	return t
}

func (t *Tester) LoadHandler(loader Loader) *Tester {
	t.mu.Lock()
	defer t.mu.Unlock()
	if loader == nil {
		return t.fail("missing handler loader")
	}
	t.loader = loader
	return t
}

func (t *Tester) After(hook Hook) *Tester {
	t.mu.Lock()
	defer t.mu.Unlock()
	if hook == nil {
		return t.fail("missing after hook")
	}
	t.after = hook
	return t
}

// LeakDetection overrides the process default for this tester.
func (t *Tester) LeakDetection(enabled bool) *Tester {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leakDetection = enabled
	return t
}

// EventSchema makes every expectation validate the event against schema
// before invoking the handler.
func (t *Tester) EventSchema(schema *jsonschema.Schema) *Tester {
	t.mu.Lock()
	defer t.mu.Unlock()
	if schema == nil {
		return t.fail("missing event schema")
	}
	t.schema = schema
	return t
}

func (t *Tester) Logger(l Logger) *Tester {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.logger = l
	return t
}

func (t *Tester) ExpectSucceed(verifiers ...ResultVerifier) *Result {
	return t.expect(KindSucceed, resultVerifiers(verifiers))
}

func (t *Tester) ExpectFail(verifiers ...ErrorVerifier) *Result {
	return t.expect(KindFail, errorVerifiers(verifiers))
}

func (t *Tester) ExpectError(verifiers ...ErrorVerifier) *Result {
	return t.expect(KindError, errorVerifiers(verifiers))
}

func (t *Tester) ExpectResult(verifiers ...ResultVerifier) *Result {
	return t.expect(KindResult, resultVerifiers(verifiers))
}

// Expect runs an expectation chosen at runtime. Verifiers receive the raw
// payload: the result for succeed and result, the error for fail and error.
func (t *Tester) Expect(kind ExpectationKind, verifiers ...func(payload any) error) *Result {
	vs := make([]verifier, 0, len(verifiers))
	for _, v := range verifiers {
		if v != nil {
			vs = append(vs, v)
		}
	}
	return t.expect(kind, vs)
}

type snapshot struct {
	cfg    invocationConfig
	loader Loader
	after  Hook
	schema *jsonschema.Schema
}

func (t *Tester) snapshot() (snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return snapshot{}, t.err
	}
	overrides := make(map[string]any, len(t.overrides))
	for k, v := range t.overrides {
		overrides[k] = v
	}
	return snapshot{
		cfg: invocationConfig{
			handler:       t.handler,
			event:         t.event,
			timeout:       t.timeout,
			overrides:     overrides,
			leakDetection: t.leakDetection,
			drainLimit:    t.drainLimit,
			maxLogBytes:   t.maxLogBytes,
			logger:        t.logger,
		},
		loader: t.loader,
		after:  t.after,
		schema: t.schema,
	}, nil
}

func (t *Tester) expect(kind ExpectationKind, verifiers []verifier) *Result {
	res := newResult(kind)
	snap, err := t.snapshot()
	if err != nil {
		go res.settle(invocationRun{}, err)
		return res
	}
	go func() {
		if err := snap.prepare(); err != nil {
			res.settle(invocationRun{}, err)
			return
		}
		run := invoke(snap.cfg)
		res.settle(run, evaluate(kind, run, verifiers, snap.after))
	}()
	return res
}

// prepare resolves the handler and validates the event.
func (s *snapshot) prepare() error {
	if s.loader != nil {
		h, err := callLoader(s.loader)
		if err != nil {
			return err
		}
		s.cfg.handler = h
	}
	if s.cfg.handler == nil {
		return &ConfigurationError{Message: "missing handler"}
	}
	if s.schema != nil {
		if err := validateEvent(s.schema, s.cfg.event); err != nil {
			return err
		}
	}
	return nil
}

func callLoader(loader Loader) (h Handler, err error) {
	defer func() {
		if r := recover(); r != nil {
			h, err = nil, &ConfigurationError{Message: "handler loader panicked", Err: recoveredError(r)}
		}
	}()
	h, err = loader()
	if err != nil {
		return nil, &ConfigurationError{Message: "load handler", Err: err}
	}
	return h, nil
}

func validateEvent(schema *jsonschema.Schema, event any) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return &ConfigurationError{Message: "event is not JSON encodable", Err: err}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &ConfigurationError{Message: "event is not JSON encodable", Err: err}
	}
	if err := schema.Validate(doc); err != nil {
		return &ConfigurationError{Message: "event does not match schema", Err: err}
	}
	return nil
}
