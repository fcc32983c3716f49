package lambdatester

import (
	"fmt"
	"time"

	"github.com/osvaldoandrade/lambda-tester/pkg/eventloop"
)

const leakMessage = "Potential handle leakage detected"

// ConfigurationError reports a missing or invalid builder argument.
type ConfigurationError struct {
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ConfigurationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// HandlerError carries an exception the handler raised. Its message is the
// handler's own, unwrapped.
type HandlerError struct {
	Err error
}

func (e *HandlerError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *HandlerError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// MismatchError is returned when the handler completed through a different
// path than the expectation asked for. Cause holds the handler's error and
// Result its result, whichever the completion carried.
type MismatchError struct {
	Message  string
	Expected ExpectationKind
	Outcome  OutcomeKind
	Cause    error
	Result   any
}

func (e *MismatchError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func (e *MismatchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

type TimeoutError struct {
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("handler timed out - execution time: %dms", e.Elapsed.Milliseconds())
}

// ResourceLeakError lists the asynchronous handles still pending one tick
// after the handler declared completion.
type ResourceLeakError struct {
	Handles []eventloop.HandleInfo
}

func (e *ResourceLeakError) Error() string {
	return leakMessage
}

func recoveredError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}
