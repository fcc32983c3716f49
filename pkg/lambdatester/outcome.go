package lambdatester

import (
	"fmt"
	"strings"
	"time"
)

// OutcomeKind identifies which terminal signal ended an invocation.
type OutcomeKind int

const (
	OutcomeSucceeded OutcomeKind = iota + 1
	OutcomeFailed
	OutcomeCallbackResult
	OutcomeCallbackError
	OutcomeThrown
	OutcomeTimedOut
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSucceeded:
		return "Succeeded"
	case OutcomeFailed:
		return "Failed"
	case OutcomeCallbackResult:
		return "CallbackResult"
	case OutcomeCallbackError:
		return "CallbackError"
	case OutcomeThrown:
		return "Thrown"
	case OutcomeTimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// leakCheckable reports whether the handler declared completion itself, which
// is when leftover handles mean it did not clean up.
func (k OutcomeKind) leakCheckable() bool {
	return k != OutcomeThrown && k != OutcomeTimedOut
}

// Outcome is the single classified result of an invocation. It is never
// mutated once produced.
type Outcome struct {
	Kind    OutcomeKind
	Result  any
	Err     error
	Elapsed time.Duration
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeSucceeded, OutcomeCallbackResult:
		return fmt.Sprintf("%s(%v)", o.Kind, o.Result)
	case OutcomeTimedOut:
		return fmt.Sprintf("%s(%dms)", o.Kind, o.Elapsed.Milliseconds())
	default:
		return fmt.Sprintf("%s(%v)", o.Kind, o.Err)
	}
}

// ExpectationKind is what a test author asks the handler to do.
type ExpectationKind int

const (
	KindSucceed ExpectationKind = iota + 1
	KindFail
	KindError
	KindResult
)

func (k ExpectationKind) String() string {
	switch k {
	case KindSucceed:
		return "succeed"
	case KindFail:
		return "fail"
	case KindError:
		return "error"
	case KindResult:
		return "result"
	default:
		return "unknown"
	}
}

// ParseExpectationKind accepts the names returned by ExpectationKind.String.
func ParseExpectationKind(s string) (ExpectationKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "succeed", "success":
		return KindSucceed, nil
	case "fail", "failure":
		return KindFail, nil
	case "error":
		return KindError, nil
	case "result":
		return KindResult, nil
	default:
		return 0, &ConfigurationError{Message: fmt.Sprintf("unknown expectation %q", s)}
	}
}
