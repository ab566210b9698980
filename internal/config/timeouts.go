package config

import "time"

// TimeoutConfig holds timeout settings for store access.
// These can be configured via CLI flags to tune behaviour for slow disks.
type TimeoutConfig struct {
	// BusyTimeout is how long a connection waits on a locked database
	// before failing. Default: 5s
	BusyTimeout time.Duration

	// WatchDebounce coalesces bursts of file events from other processes
	// into one remote change notification. Default: 250ms
	WatchDebounce time.Duration
}

// DefaultTimeoutConfig returns the default timeout configuration
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		BusyTimeout:   5 * time.Second,
		WatchDebounce: 250 * time.Millisecond,
	}
}

// global instance that can be set at startup
var globalTimeouts = DefaultTimeoutConfig()

// SetGlobalTimeouts sets the global timeout configuration
func SetGlobalTimeouts(cfg *TimeoutConfig) {
	if cfg == nil {
		cfg = DefaultTimeoutConfig()
	}
	globalTimeouts = cfg
}

// GetTimeouts returns the global timeout configuration
func GetTimeouts() *TimeoutConfig {
	return globalTimeouts
}
