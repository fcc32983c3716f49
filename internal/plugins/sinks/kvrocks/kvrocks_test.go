package kvrocks

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/osvaldoandrade/lambda-tester/internal/config"
	"github.com/osvaldoandrade/lambda-tester/internal/report"
)

func TestNewFromConfigValidation(t *testing.T) {
	cfg := config.Default()
	cfg.Plugins.Sinks.KVRocks.Addr = ""
	if _, err := NewFromConfig(cfg); err == nil {
		t.Fatal("expected required addr error")
	}
}

func TestSinkStoresAndReadsReports(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	cfg := config.Default()
	cfg.Plugins.Sinks.KVRocks.Addr = mr.Addr()
	provider, err := NewFromConfig(cfg)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	defer provider.Close()
	if provider.Name() != "kvrocks" {
		t.Fatalf("unexpected name: %s", provider.Name())
	}

	ctx := context.Background()
	if err := provider.Store(ctx, report.Report{ID: "rep_1", Suite: "orders", Passed: true, CreatedAtMS: 1}); err != nil {
		t.Fatalf("store: %v", err)
	}
	reader, ok := provider.(report.Reader)
	if !ok {
		t.Fatal("kvrocks sink should serve reads")
	}
	got, err := reader.GetReport(ctx, "rep_1")
	if err != nil || !got.Passed {
		t.Fatalf("get report = %+v, %v", got, err)
	}
	if mr.TTL("cs:tester:report:rep_1") <= 0 {
		t.Fatal("expected configured ttl on stored report")
	}
	suites, err := provider.(*Sink).ListSuites(ctx)
	if err != nil || len(suites) != 1 || suites[0] != "orders" {
		t.Fatalf("suites = %v, %v", suites, err)
	}
}
