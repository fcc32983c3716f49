package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/osvaldoandrade/lambda-tester/internal/config"
	"github.com/osvaldoandrade/lambda-tester/internal/plugins/sinks"
)

type SinkFactory func(cfg config.Config) (sinks.Provider, error)

var (
	sinkMu      sync.RWMutex
	sinkDrivers = map[string]SinkFactory{}
)

func RegisterSink(driver string, factory SinkFactory) {
	sinkMu.Lock()
	defer sinkMu.Unlock()
	sinkDrivers[driver] = factory
}

func Drivers() []string {
	sinkMu.RLock()
	defer sinkMu.RUnlock()
	out := make([]string, 0, len(sinkDrivers))
	for name := range sinkDrivers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func NewSink(cfg config.Config, driver string) (sinks.Provider, error) {
	sinkMu.RLock()
	factory, ok := sinkDrivers[driver]
	sinkMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sink plugin not found: %s", driver)
	}
	return factory(cfg)
}

// NewSinks opens every driver listed in the config, in order. Sinks already
// opened are closed when a later one fails.
func NewSinks(cfg config.Config) ([]sinks.Provider, error) {
	out := make([]sinks.Provider, 0, len(cfg.Plugins.Sinks.Drivers))
	for _, driver := range cfg.Plugins.Sinks.Drivers {
		sink, err := NewSink(cfg, driver)
		if err != nil {
			_ = CloseAll(out)
			return nil, err
		}
		out = append(out, sink)
	}
	return out, nil
}

func CloseAll(list []sinks.Provider) error {
	var errs []error
	for _, s := range list {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
