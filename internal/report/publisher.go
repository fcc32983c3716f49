package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/osvaldoandrade/lambda-tester/internal/observability"
)

// Publisher counts every report and hands it to each sink in order. A failing
// sink does not stop the others.
type Publisher struct {
	sinks   []Sink
	logger  *observability.Logger
	metrics *observability.Metrics
}

func NewPublisher(logger *observability.Logger, metrics *observability.Metrics, sinks ...Sink) *Publisher {
	return &Publisher{sinks: sinks, logger: logger, metrics: metrics}
}

func (p *Publisher) Publish(ctx context.Context, r Report) error {
	ctx = observability.WithFields(ctx, observability.Fields{
		Suite:   r.Suite,
		Handler: r.Handler,
		Kind:    r.Expect,
		Outcome: r.Outcome,
	})
	if r.RequestID != "" && observability.RequestIDFromContext(ctx) == "" {
		ctx = observability.WithRequestID(ctx, r.RequestID)
	}
	p.metrics.ObserveExpectation(r.Expect, r.Outcome, r.Passed, time.Duration(r.ElapsedMS)*time.Millisecond, len(r.Leaks))

	var errs []error
	for _, sink := range p.sinks {
		if err := sink.Store(ctx, r); err != nil {
			p.metrics.SinkFailed(sink.Name())
			if p.logger != nil {
				p.logger.Error(ctx, fmt.Sprintf("sink %s: %v", sink.Name(), err))
			}
			errs = append(errs, fmt.Errorf("sink %s: %w", sink.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) Sinks() []Sink {
	return append([]Sink(nil), p.sinks...)
}

// Reader returns the first sink that can serve stored reports.
func (p *Publisher) Reader() (Reader, bool) {
	for _, sink := range p.sinks {
		if r, ok := sink.(Reader); ok {
			return r, true
		}
	}
	return nil, false
}
