package kv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	cserrors "github.com/osvaldoandrade/lambda-tester/internal/errors"
	"github.com/osvaldoandrade/lambda-tester/internal/report"
)

func newTestStore(t *testing.T, ttl time.Duration) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	store := NewStore(mr.Addr(), "", ttl)
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	return store, mr
}

func TestStoreSaveGetList(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, time.Hour)

	first := report.Report{ID: "rep_1", Suite: "orders", Expect: "result", Outcome: "CallbackResult", Passed: true, Result: "ok", CreatedAtMS: 10}
	second := report.Report{ID: "rep_2", Suite: "orders", Expect: "succeed", Outcome: "Failed", Error: "bang", Code: cserrors.CSExpectationMismatch, CreatedAtMS: 20}
	other := report.Report{ID: "rep_3", Suite: "billing", Expect: "fail", Outcome: "Failed", Passed: true, CreatedAtMS: 15}
	for _, r := range []report.Report{first, second, other} {
		if err := store.SaveReport(ctx, r); err != nil {
			t.Fatalf("save report: %v", err)
		}
	}

	got, err := store.GetReport(ctx, "rep_2")
	if err != nil {
		t.Fatalf("get report: %v", err)
	}
	if got.Error != "bang" || got.Code != cserrors.CSExpectationMismatch || got.Passed {
		t.Fatalf("unexpected report: %+v", got)
	}

	list, err := store.ListReports(ctx, "orders", 10)
	if err != nil {
		t.Fatalf("list reports: %v", err)
	}
	if len(list) != 2 || list[0].ID != "rep_2" || list[1].ID != "rep_1" {
		t.Fatalf("expected newest first, got %+v", list)
	}

	limited, err := store.ListReports(ctx, "orders", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("limited list = %v, %v", limited, err)
	}

	suites, err := store.ListSuites(ctx)
	if err != nil {
		t.Fatalf("list suites: %v", err)
	}
	if len(suites) != 2 || suites[0] != "billing" || suites[1] != "orders" {
		t.Fatalf("unexpected suites: %v", suites)
	}
}

func TestStoreNotFoundAndExpiry(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, time.Minute)

	_, err := store.GetReport(ctx, "missing")
	var csErr *cserrors.CSError
	if !errors.As(err, &csErr) || csErr.Code != cserrors.CSReportNotFound {
		t.Fatalf("expected not found, got %v", err)
	}

	if err := store.SaveReport(ctx, report.Report{ID: "rep_old", Suite: "orders", CreatedAtMS: 1}); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL(ReportKey("rep_old")); ttl != time.Minute {
		t.Fatalf("report ttl = %s, want 1m", ttl)
	}
	mr.Del(ReportKey("rep_old"))
	if err := store.SaveReport(ctx, report.Report{ID: "rep_new", Suite: "orders", CreatedAtMS: 2}); err != nil {
		t.Fatal(err)
	}

	list, err := store.ListReports(ctx, "orders", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != "rep_new" {
		t.Fatalf("expected expired entry skipped, got %+v", list)
	}
	members, err := mr.ZMembers(SuiteIndexKey("orders"))
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0] != "rep_new" {
		t.Fatalf("expired id should be pruned from index, got %v", members)
	}

	empty, err := store.ListReports(ctx, "nobody", 5)
	if err != nil || len(empty) != 0 {
		t.Fatalf("empty suite = %v, %v", empty, err)
	}
}

func TestStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t, time.Minute)
	mr.Close()

	var csErr *cserrors.CSError
	if err := store.Ping(ctx); !errors.As(err, &csErr) || csErr.Code != cserrors.CSKVUnavailable {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if err := store.SaveReport(ctx, report.Report{ID: "x", Suite: "s"}); !errors.As(err, &csErr) || csErr.Code != cserrors.CSKVWriteFailed {
		t.Fatalf("expected write failure, got %v", err)
	}
	if _, err := store.GetReport(ctx, "x"); !errors.As(err, &csErr) || csErr.Code != cserrors.CSKVReadFailed {
		t.Fatalf("expected read failure, got %v", err)
	}
	if _, err := store.ListReports(ctx, "s", 1); err == nil {
		t.Fatal("expected list failure")
	}
}
