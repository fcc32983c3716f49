package lambdatester

import (
	"sync"
	"time"
)

// Defaults is the per-process configuration every new Tester starts from.
type Defaults struct {
	Timeout              time.Duration
	CheckForResourceLeak bool
	DrainLimit           time.Duration
	MaxLogBytes          int
	Logger               Logger
}

var (
	defaultsMu sync.RWMutex
	defaults   = Defaults{
		Timeout:              DefaultTimeout,
		CheckForResourceLeak: true,
		DrainLimit:           DefaultDrainLimit,
		MaxLogBytes:          defaultMaxLogBytes,
	}
)

func (d Defaults) normalize() Defaults {
	if d.Timeout <= 0 {
		d.Timeout = DefaultTimeout
	}
	if d.DrainLimit <= 0 {
		d.DrainLimit = DefaultDrainLimit
	}
	if d.MaxLogBytes <= 0 {
		d.MaxLogBytes = defaultMaxLogBytes
	}
	return d
}

// CheckForResourceLeak sets whether testers created from now on run leak
// detection. Testers already created keep the value they were built with.
func CheckForResourceLeak(enabled bool) {
	defaultsMu.Lock()
	defaults.CheckForResourceLeak = enabled
	defaultsMu.Unlock()
}

// SetDefaults replaces the process defaults. Zero durations and sizes fall
// back to the built-in values.
func SetDefaults(d Defaults) {
	defaultsMu.Lock()
	defaults = d.normalize()
	defaultsMu.Unlock()
}

func CurrentDefaults() Defaults {
	defaultsMu.RLock()
	defer defaultsMu.RUnlock()
	return defaults
}
