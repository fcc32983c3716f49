package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRequestIDHelpersAndMiddleware(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req_1")
	if got := RequestIDFromContext(ctx); got != "req_1" {
		t.Fatalf("unexpected request id: %s", got)
	}

	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if RequestIDFromContext(r.Context()) == "" {
			t.Fatal("request id missing in context")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Fatalf("unexpected status: %d", w.Code)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected response request id")
	}
}

func TestLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("svc", &buf)
	ctx := WithRequestID(context.Background(), "req_1")
	logger.Info(ctx, "hello")
	if buf.Len() == 0 {
		t.Fatal("expected log output")
	}
	var entry Entry
	line := bytes.TrimSpace(buf.Bytes())
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("invalid json log: %v", err)
	}
	if entry.Service != "svc" || entry.RequestID != "req_1" || entry.Level != "info" {
		t.Fatalf("unexpected log entry: %+v", entry)
	}
}

func TestMetricsHandler(t *testing.T) {
	h := MetricsHandler(prometheus.NewRegistry())
	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", w.Code)
	}
}

func TestLoggerWarnErrorAndMetricsNilRegistry(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("svc", &buf)
	logger.Warn(context.Background(), "warn")
	logger.Error(context.Background(), "err")
	if buf.Len() == 0 {
		t.Fatal("expected warn/error log output")
	}

	// NewLogger should build a usable logger with stdout backend.
	stdoutLogger := NewLogger("svc-stdout")
	stdoutLogger.Info(context.Background(), "ok")

	// Nil registry branch.
	h := MetricsHandler(nil)
	r := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("unexpected status for nil-registry metrics handler: %d", w.Code)
	}
}

func TestLoggerIncludesExpectationFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter("cs-tester", &buf)
	ctx := WithFields(context.Background(), Fields{Suite: "orders", Handler: "function.handler"})
	ctx = WithFields(ctx, Fields{Kind: "result", Outcome: "callback_result"})
	logger.Info(ctx, "expectation passed")

	var entry Entry
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("invalid json log: %v", err)
	}
	if entry.Suite != "orders" || entry.Handler != "function.handler" || entry.Kind != "result" || entry.Outcome != "callback_result" {
		t.Fatalf("unexpected fields: %+v", entry)
	}
}

func TestExpectationMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.ObserveExpectation("succeed", "succeeded", true, 20*time.Millisecond, 0)
	m.ObserveExpectation("result", "callback_result", false, 5*time.Millisecond, 2)
	m.SinkFailed("kvrocks")

	if got := testutil.ToFloat64(m.expectations.WithLabelValues("succeed", "succeeded", "true")); got != 1 {
		t.Fatalf("expectations counter = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.leaks); got != 2 {
		t.Fatalf("leaks counter = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.sinkFailures.WithLabelValues("kvrocks")); got != 1 {
		t.Fatalf("sink failures = %v, want 1", got)
	}

	w := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(w.Body.String(), "cs_tester_expectations_total") {
		t.Fatalf("metrics output missing counter: %s", w.Body.String())
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveExpectation("fail", "failed", true, time.Millisecond, 1)
	nilMetrics.SinkFailed("log")
}
