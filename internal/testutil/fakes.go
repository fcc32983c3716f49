package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/osvaldoandrade/lambda-tester/internal/report"
)

// FakeSink keeps reports in memory and serves them back. StoreFn, when set,
// replaces the default store.
type FakeSink struct {
	mu sync.Mutex

	NameValue string
	StoreFn   func(context.Context, report.Report) error
	CloseFn   func() error

	reports map[string]report.Report
	order   []string
	closed  bool
}

func NewFakeSink(name string) *FakeSink {
	return &FakeSink{NameValue: name, reports: map[string]report.Report{}}
}

func (f *FakeSink) Name() string {
	if f.NameValue == "" {
		return "fake"
	}
	return f.NameValue
}

func (f *FakeSink) Store(ctx context.Context, r report.Report) error {
	if f.StoreFn != nil {
		return f.StoreFn(ctx, r)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reports == nil {
		f.reports = map[string]report.Report{}
	}
	if _, ok := f.reports[r.ID]; !ok {
		f.order = append(f.order, r.ID)
	}
	f.reports[r.ID] = r
	return nil
}

func (f *FakeSink) GetReport(_ context.Context, id string) (report.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reports[id]
	if !ok {
		return report.Report{}, report.NotFound(id)
	}
	return r, nil
}

func (f *FakeSink) ListReports(_ context.Context, suite string, limit int) ([]report.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []report.Report
	for _, id := range f.order {
		if r := f.reports[id]; r.Suite == suite {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAtMS > out[j].CreatedAtMS })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reports returns everything stored, in arrival order.
func (f *FakeSink) Reports() []report.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]report.Report, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.reports[id])
	}
	return out
}

func (f *FakeSink) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	if f.CloseFn != nil {
		return f.CloseFn()
	}
	return nil
}

func (f *FakeSink) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
