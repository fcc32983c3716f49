package codeq

import (
	"context"
	"fmt"

	internalcodeq "github.com/osvaldoandrade/lambda-tester/internal/codeq"
	"github.com/osvaldoandrade/lambda-tester/internal/config"
	"github.com/osvaldoandrade/lambda-tester/internal/plugins/registry"
	"github.com/osvaldoandrade/lambda-tester/internal/plugins/sinks"
	"github.com/osvaldoandrade/lambda-tester/internal/report"
)

type Sink struct {
	*internalcodeq.Kafka
}

func init() {
	registry.RegisterSink(config.SinkCodeQ, NewFromConfig)
}

func NewFromConfig(cfg config.Config) (sinks.Provider, error) {
	codeqCfg := cfg.Plugins.Sinks.CodeQ
	if len(codeqCfg.Brokers) == 0 {
		return nil, fmt.Errorf("plugins.sinks.codeq.brokers is required")
	}
	if codeqCfg.Topics.Reports == "" {
		return nil, fmt.Errorf("plugins.sinks.codeq.topics.reports is required")
	}
	k := internalcodeq.NewKafka(codeqCfg.Brokers, internalcodeq.Topics{Reports: codeqCfg.Topics.Reports})
	return &Sink{Kafka: k}, nil
}

func (s *Sink) Name() string {
	return config.SinkCodeQ
}

func (s *Sink) Store(ctx context.Context, r report.Report) error {
	return s.PublishReport(ctx, r)
}
