package kvrocks

import (
	"context"
	"fmt"
	"time"

	"github.com/osvaldoandrade/lambda-tester/internal/config"
	"github.com/osvaldoandrade/lambda-tester/internal/kv"
	"github.com/osvaldoandrade/lambda-tester/internal/plugins/registry"
	"github.com/osvaldoandrade/lambda-tester/internal/plugins/sinks"
	"github.com/osvaldoandrade/lambda-tester/internal/report"
)

// Sink stores reports in Redis or KVRocks and serves them back.
type Sink struct {
	reports *kv.Store
}

func init() {
	registry.RegisterSink(config.SinkKVRocks, NewFromConfig)
}

func NewFromConfig(cfg config.Config) (sinks.Provider, error) {
	kvCfg := cfg.Plugins.Sinks.KVRocks
	if kvCfg.Addr == "" {
		return nil, fmt.Errorf("plugins.sinks.kvrocks.addr is required")
	}
	ttl := time.Duration(kvCfg.TTLSeconds) * time.Second
	return &Sink{reports: kv.NewStore(kvCfg.Addr, kvCfg.Auth.Password, ttl)}, nil
}

func (s *Sink) Name() string {
	return config.SinkKVRocks
}

func (s *Sink) Store(ctx context.Context, r report.Report) error {
	return s.reports.SaveReport(ctx, r)
}

func (s *Sink) GetReport(ctx context.Context, id string) (report.Report, error) {
	return s.reports.GetReport(ctx, id)
}

func (s *Sink) ListReports(ctx context.Context, suite string, limit int) ([]report.Report, error) {
	return s.reports.ListReports(ctx, suite, limit)
}

func (s *Sink) ListSuites(ctx context.Context) ([]string, error) {
	return s.reports.ListSuites(ctx)
}

func (s *Sink) Ping(ctx context.Context) error {
	return s.reports.Ping(ctx)
}

func (s *Sink) Close() error {
	return s.reports.Close()
}
