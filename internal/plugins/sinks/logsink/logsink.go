// Package logsink writes one structured log line per report.
package logsink

import (
	"context"
	"fmt"

	"github.com/osvaldoandrade/lambda-tester/internal/config"
	"github.com/osvaldoandrade/lambda-tester/internal/observability"
	"github.com/osvaldoandrade/lambda-tester/internal/plugins/registry"
	"github.com/osvaldoandrade/lambda-tester/internal/plugins/sinks"
	"github.com/osvaldoandrade/lambda-tester/internal/report"
)

func init() {
	registry.RegisterSink(config.SinkLog, NewFromConfig)
}

type Sink struct {
	logger *observability.Logger
}

func NewFromConfig(_ config.Config) (sinks.Provider, error) {
	return New(observability.NewLogger("cs-tester")), nil
}

func New(logger *observability.Logger) *Sink {
	return &Sink{logger: logger}
}

func (s *Sink) Name() string {
	return config.SinkLog
}

func (s *Sink) Store(ctx context.Context, r report.Report) error {
	ctx = observability.WithFields(ctx, observability.Fields{
		Suite:   r.Suite,
		Handler: r.Handler,
		Kind:    r.Expect,
		Outcome: r.Outcome,
	})
	if r.Passed {
		s.logger.Info(ctx, fmt.Sprintf("expectation passed: %s (%dms)", r.ID, r.ElapsedMS))
		return nil
	}
	s.logger.Warn(ctx, fmt.Sprintf("expectation failed: %s: %s", r.Code, r.Error))
	return nil
}

func (s *Sink) Close() error { return nil }
