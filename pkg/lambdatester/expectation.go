package lambdatester

import "fmt"

// ResultVerifier inspects the result of a matching succeed or result outcome.
type ResultVerifier func(result any) error

// ErrorVerifier inspects the error of a matching fail or error outcome.
type ErrorVerifier func(err error) error

// Hook runs once after the outcome matched and every verifier passed.
type Hook func() error

type mismatch struct {
	message    string
	withCause  bool
	withResult bool
}

// classification maps an expectation and the outcome kind that does not match
// it to the reported error. Matching kinds are absent.
var classification = map[ExpectationKind]map[OutcomeKind]mismatch{
	KindSucceed: {
		OutcomeFailed:         {message: "encountered error but expected the handler to succeed", withCause: true},
		OutcomeCallbackResult: {message: "callback called", withResult: true},
		OutcomeCallbackError:  {message: "callback called with error parameter", withCause: true},
	},
	KindFail: {
		OutcomeSucceeded:      {message: "encountered successful operation but expected failure", withResult: true},
		OutcomeCallbackResult: {message: "callback called", withResult: true},
		OutcomeCallbackError:  {message: "callback called with error parameter", withCause: true},
	},
	KindError: {
		OutcomeFailed:         {message: "context.fail() called before callback", withCause: true},
		OutcomeSucceeded:      {message: "context.succeed() called before callback", withResult: true},
		OutcomeCallbackResult: {message: "expecting error", withResult: true},
	},
	KindResult: {
		OutcomeFailed:        {message: "context.fail() called before callback", withCause: true},
		OutcomeSucceeded:     {message: "context.succeed() called before callback", withResult: true},
		OutcomeCallbackError: {message: "expecting result", withCause: true},
	},
}

var matching = map[ExpectationKind]OutcomeKind{
	KindSucceed: OutcomeSucceeded,
	KindFail:    OutcomeFailed,
	KindError:   OutcomeCallbackError,
	KindResult:  OutcomeCallbackResult,
}

// classify returns the verifier payload for a matching outcome, or the error
// the expectation settles with.
func classify(kind ExpectationKind, o Outcome) (any, error) {
	switch o.Kind {
	case OutcomeThrown:
		return nil, &HandlerError{Err: o.Err}
	case OutcomeTimedOut:
		return nil, &TimeoutError{Elapsed: o.Elapsed}
	}
	want, ok := matching[kind]
	if !ok {
		return nil, &ConfigurationError{Message: fmt.Sprintf("unknown expectation kind %d", int(kind))}
	}
	if o.Kind == want {
		switch o.Kind {
		case OutcomeFailed, OutcomeCallbackError:
			return o.Err, nil
		default:
			return o.Result, nil
		}
	}
	m, ok := classification[kind][o.Kind]
	if !ok {
		return nil, fmt.Errorf("unclassified outcome %s for expectation %s", o.Kind, kind)
	}
	err := &MismatchError{Message: m.message, Expected: kind, Outcome: o.Kind}
	if m.withCause {
		err.Cause = o.Err
	}
	if m.withResult {
		err.Result = o.Result
	}
	return nil, err
}

type verifier func(payload any) error

func resultVerifiers(vs []ResultVerifier) []verifier {
	out := make([]verifier, 0, len(vs))
	for _, v := range vs {
		if v == nil {
			continue
		}
		v := v
		out = append(out, func(payload any) error { return v(payload) })
	}
	return out
}

func errorVerifiers(vs []ErrorVerifier) []verifier {
	out := make([]verifier, 0, len(vs))
	for _, v := range vs {
		if v == nil {
			continue
		}
		v := v
		out = append(out, func(payload any) error {
			err, _ := payload.(error)
			return v(err)
		})
	}
	return out
}

// evaluate settles one expectation: leaks first, then classification, then
// verifiers in order, then the after hook.
func evaluate(kind ExpectationKind, run invocationRun, verifiers []verifier, after Hook) error {
	if len(run.leaks) > 0 {
		return &ResourceLeakError{Handles: run.leaks}
	}
	payload, err := classify(kind, run.outcome)
	if err != nil {
		return err
	}
	for _, v := range verifiers {
		if err := safeCall(func() error { return v(payload) }); err != nil {
			return err
		}
	}
	if after != nil {
		return safeCall(after)
	}
	return nil
}

// safeCall surfaces a panicking verifier or hook as its own error value.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recoveredError(r)
		}
	}()
	return fn()
}
