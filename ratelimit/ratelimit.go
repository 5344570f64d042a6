package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed        = errors.New("limiter closed")
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Limiter rate-limits independent keys (e.g. sender IP addresses).
type Limiter interface {
	// Allow reports whether one event for key may happen now.
	Allow(key string) bool

	// Wait blocks until an event for key may happen or ctx ends.
	Wait(ctx context.Context, key string) error

	// Close releases the limiter. Allow reports false afterwards.
	Close() error
}

// Config configures a keyed limiter.
type Config struct {
	// Rate is the sustained events per second allowed per key.
	Rate float64

	// Burst is how many events a key may spend at once.
	// Default: 1
	Burst int

	// IdleTTL evicts keys not seen for this long.
	// Default: 10 minutes
	IdleTTL time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Rate <= 0 || c.Burst < 0 || c.IdleTTL < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Usage describes the state of one key.
type Usage struct {
	Key      string
	Tokens   float64
	LastSeen time.Time
}
