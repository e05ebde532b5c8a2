package assignment

import (
	"fmt"
	"time"
)

const (
	DefaultLockTimeout      = 2 * time.Second
	DefaultMaxDeleteRetries = 5
)

// Config tunes the store concurrency boundary.
type Config struct {
	// LockTimeout bounds how long a mutation waits for its entity locks.
	LockTimeout time.Duration
	// MaxDeleteRetries bounds how often DeleteVehicle re-reads the job set
	// of a vehicle that keeps changing under it.
	MaxDeleteRetries int
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.LockTimeout <= 0 {
		c.LockTimeout = DefaultLockTimeout
	}
	if c.MaxDeleteRetries <= 0 {
		c.MaxDeleteRetries = DefaultMaxDeleteRetries
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.LockTimeout < 0 {
		return fmt.Errorf("lock timeout must not be negative")
	}
	return nil
}
