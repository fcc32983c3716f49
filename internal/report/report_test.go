package report_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"

	cserrors "github.com/osvaldoandrade/lambda-tester/internal/errors"
	"github.com/osvaldoandrade/lambda-tester/internal/observability"
	"github.com/osvaldoandrade/lambda-tester/internal/report"
	"github.com/osvaldoandrade/lambda-tester/internal/testutil"
	"github.com/osvaldoandrade/lambda-tester/pkg/lambdatester"
)

func TestNewFromPassingRun(t *testing.T) {
	h := lambdatester.HandlerFunc(func(inv *lambdatester.Invocation) error {
		inv.Log("info", "hi")
		inv.Context().Succeed(map[string]any{"ok": true})
		return nil
	})
	r := report.New(report.Meta{Name: "ok", Handler: "index.handler"}, lambdatester.New(h).ExpectSucceed())

	if !r.Passed || r.Code != "" || r.Error != "" {
		t.Fatalf("expected pass, got %+v", r)
	}
	if !strings.HasPrefix(r.ID, "rep_") || r.Suite != report.DefaultSuite {
		t.Fatalf("unexpected id/suite: %s %s", r.ID, r.Suite)
	}
	if r.Expect != "succeed" || r.Outcome != "Succeeded" {
		t.Fatalf("unexpected kind/outcome: %s %s", r.Expect, r.Outcome)
	}
	if r.CreatedAtMS == 0 || r.RequestID == "" {
		t.Fatalf("expected timestamps and request id: %+v", r)
	}
	if len(r.Logs) != 1 {
		t.Fatalf("expected captured log, got %v", r.Logs)
	}
}

func TestNewFromFailingRuns(t *testing.T) {
	cases := []struct {
		name    string
		handler lambdatester.HandlerFunc
		expect  lambdatester.ExpectationKind
		code    cserrors.Code
		message string
	}{
		{
			name: "mismatch",
			handler: func(inv *lambdatester.Invocation) error {
				inv.Context().Fail(errors.New("bad"))
				return nil
			},
			expect:  lambdatester.KindSucceed,
			code:    cserrors.CSExpectationMismatch,
			message: "encountered error but expected the handler to succeed",
		},
		{
			name: "thrown",
			handler: func(inv *lambdatester.Invocation) error {
				return errors.New("kaboom")
			},
			expect:  lambdatester.KindResult,
			code:    cserrors.CSHandlerException,
			message: "kaboom",
		},
		{
			name: "leak",
			handler: func(inv *lambdatester.Invocation) error {
				inv.Loop().SetTimeout(time.Second, func() {})
				inv.Callback(nil, "ok")
				return nil
			},
			expect:  lambdatester.KindResult,
			code:    cserrors.CSResourceLeak,
			message: "Potential handle leakage detected",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := report.New(report.Meta{Suite: "s"}, lambdatester.New(tc.handler).Expect(tc.expect))
			if r.Passed {
				t.Fatal("expected failure")
			}
			if r.Code != tc.code || r.Error != tc.message {
				t.Fatalf("got %s %q", r.Code, r.Error)
			}
		})
	}
}

func TestNewFromTimeout(t *testing.T) {
	never := lambdatester.HandlerFunc(func(*lambdatester.Invocation) error { return nil })
	r := report.New(report.Meta{}, lambdatester.New(never).Timeout(20*time.Millisecond).ExpectResult())
	if r.Code != cserrors.CSHandlerTimeout || r.Outcome != "TimedOut" {
		t.Fatalf("unexpected report: %+v", r)
	}
}

func TestCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want cserrors.Code
	}{
		{nil, ""},
		{&lambdatester.ConfigurationError{Message: "event does not match schema"}, cserrors.CSValidationEvent},
		{&lambdatester.ConfigurationError{Message: "missing handler"}, cserrors.CSConfigInvalid},
		{&lambdatester.MismatchError{Message: "x"}, cserrors.CSExpectationMismatch},
		{&lambdatester.HandlerError{Err: errors.New("x")}, cserrors.CSHandlerException},
		{cserrors.New(cserrors.CSKVUnavailable, "down"), cserrors.CSKVUnavailable},
		{errors.New("verifier said no"), cserrors.CSVerifierFailed},
	}
	for _, tc := range cases {
		if got := report.CodeFor(tc.err); got != tc.want {
			t.Fatalf("CodeFor(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestPublisherFansOutAndKeepsGoing(t *testing.T) {
	var logs bytes.Buffer
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	broken := testutil.NewFakeSink("broken")
	broken.StoreFn = func(context.Context, report.Report) error { return errors.New("disk full") }
	good := testutil.NewFakeSink("good")

	p := report.NewPublisher(observability.NewLoggerWithWriter("cs-tester", &logs), metrics, broken, good)
	err := p.Publish(context.Background(), report.Report{ID: "rep_1", Suite: "s", Expect: "succeed", Outcome: "Succeeded", Passed: true})
	if err == nil || !strings.Contains(err.Error(), "sink broken: disk full") {
		t.Fatalf("expected joined sink error, got %v", err)
	}
	if len(good.Reports()) != 1 {
		t.Fatal("second sink should still receive the report")
	}
	if !strings.Contains(logs.String(), "sink broken: disk full") || !strings.Contains(logs.String(), `"suite":"s"`) {
		t.Fatalf("expected error log with suite field, got %s", logs.String())
	}
	if n, err := promtestutil.GatherAndCount(reg, "cs_tester_sink_failures_total"); err != nil || n != 1 {
		t.Fatalf("sink failure metric: %d %v", n, err)
	}
	if n, err := promtestutil.GatherAndCount(reg, "cs_tester_expectations_total"); err != nil || n != 1 {
		t.Fatalf("expectation metric: %d %v", n, err)
	}

	reader, ok := p.Reader()
	if !ok {
		t.Fatal("expected a reader")
	}
	if _, err := reader.GetReport(context.Background(), "rep_1"); err != nil {
		t.Fatalf("reader get: %v", err)
	}
	if len(p.Sinks()) != 2 {
		t.Fatal("unexpected sink count")
	}
}

func TestPublisherWithoutReader(t *testing.T) {
	p := report.NewPublisher(nil, nil)
	if err := p.Publish(context.Background(), report.Report{ID: "x"}); err != nil {
		t.Fatalf("empty publisher: %v", err)
	}
	if _, ok := p.Reader(); ok {
		t.Fatal("no sinks means no reader")
	}
}
