package maintenance

import (
	"time"
)

// Config controls the maintenance worker's loops.
type Config struct {
	Interval       time.Duration // How often the sweep runs. Default 5m.
	StaleDeadline  time.Duration // Age at which a non-terminal version is presumed abandoned. Default 1h.
	RevalidateEvery int          // Run the advisory production revalidation every N sweeps. Default 12.
	LogRetention   time.Duration // How long operation-log entries are kept. Default 30 days.
	Enabled        bool          // Whether the worker is active. Default true.
}

// DefaultConfig returns the default maintenance configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:        5 * time.Minute,
		StaleDeadline:   time.Hour,
		RevalidateEvery: 12,
		LogRetention:    30 * 24 * time.Hour,
		Enabled:         true,
	}
}
