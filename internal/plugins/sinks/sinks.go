package sinks

import "github.com/osvaldoandrade/lambda-tester/internal/report"

// Provider is a report sink owned by the process that opened it.
type Provider interface {
	report.Sink
	Close() error
}
