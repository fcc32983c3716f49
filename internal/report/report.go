// Package report turns a settled expectation into a serialisable record and
// fans it out to the configured sinks.
package report

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	cserrors "github.com/osvaldoandrade/lambda-tester/internal/errors"
	"github.com/osvaldoandrade/lambda-tester/pkg/eventloop"
	"github.com/osvaldoandrade/lambda-tester/pkg/lambdatester"
)

const DefaultSuite = "default"

type Report struct {
	ID            string                 `json:"id"`
	Suite         string                 `json:"suite"`
	Name          string                 `json:"name,omitempty"`
	Handler       string                 `json:"handler,omitempty"`
	RequestID     string                 `json:"request_id,omitempty"`
	Expect        string                 `json:"expect"`
	Outcome       string                 `json:"outcome"`
	Passed        bool                   `json:"passed"`
	Code          cserrors.Code          `json:"code,omitempty"`
	Error         string                 `json:"error,omitempty"`
	Result        any                    `json:"result,omitempty"`
	ElapsedMS     int64                  `json:"elapsed_ms"`
	Leaks         []eventloop.HandleInfo `json:"leaks,omitempty"`
	Logs          []string               `json:"logs,omitempty"`
	LogsTruncated bool                   `json:"logs_truncated,omitempty"`
	CreatedAtMS   int64                  `json:"created_at_ms"`
}

// Meta names what was tested.
type Meta struct {
	Suite   string
	Name    string
	Handler string
}

// New waits for res to settle and records it.
func New(meta Meta, res *lambdatester.Result) Report {
	err := res.Wait()
	out := res.Outcome()
	r := Report{
		ID:            "rep_" + uuid.NewString(),
		Suite:         meta.Suite,
		Name:          meta.Name,
		Handler:       meta.Handler,
		RequestID:     res.RequestID(),
		Expect:        res.Kind().String(),
		Outcome:       outcomeName(out.Kind),
		Passed:        err == nil,
		Result:        out.Result,
		ElapsedMS:     res.Elapsed().Milliseconds(),
		Leaks:         res.Leaks(),
		Logs:          res.Logs(),
		LogsTruncated: res.LogsTruncated(),
		CreatedAtMS:   time.Now().UnixMilli(),
	}
	if r.Suite == "" {
		r.Suite = DefaultSuite
	}
	if err != nil {
		r.Code = CodeFor(err)
		r.Error = err.Error()
	}
	return r
}

func outcomeName(k lambdatester.OutcomeKind) string {
	if k == 0 {
		return "none"
	}
	return k.String()
}

// CodeFor maps an expectation error onto the shared error codes.
func CodeFor(err error) cserrors.Code {
	var (
		configErr   *lambdatester.ConfigurationError
		leakErr     *lambdatester.ResourceLeakError
		timeoutErr  *lambdatester.TimeoutError
		mismatchErr *lambdatester.MismatchError
		handlerErr  *lambdatester.HandlerError
		csErr       *cserrors.CSError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &configErr):
		if configErr.Message == "event does not match schema" {
			return cserrors.CSValidationEvent
		}
		return cserrors.CSConfigInvalid
	case errors.As(err, &leakErr):
		return cserrors.CSResourceLeak
	case errors.As(err, &timeoutErr):
		return cserrors.CSHandlerTimeout
	case errors.As(err, &mismatchErr):
		return cserrors.CSExpectationMismatch
	case errors.As(err, &handlerErr):
		return cserrors.CSHandlerException
	case errors.As(err, &csErr):
		return csErr.Code
	default:
		return cserrors.CSVerifierFailed
	}
}

// Sink receives finished reports.
type Sink interface {
	Name() string
	Store(ctx context.Context, r Report) error
}

// Reader serves stored reports. Lists are newest first.
type Reader interface {
	GetReport(ctx context.Context, id string) (Report, error)
	ListReports(ctx context.Context, suite string, limit int) ([]Report, error)
}

// NotFound is the error readers return for unknown or expired ids.
func NotFound(id string) error {
	return cserrors.New(cserrors.CSReportNotFound, "report not found: "+id)
}
