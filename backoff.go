package axon

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

var errInvalidBackoffConfig = errors.New("invalid backoff configuration")

// BackoffConfig shapes the reconnect schedule: exponential growth from
// InitialInterval up to MaxInterval, with optional jitter.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64

	// MaxRetries caps reconnect attempts; 0 retries forever
	MaxRetries int

	Jitter       bool
	JitterFactor float64
}

// DefaultBackoffConfig returns the default reconnect schedule.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     60 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		JitterFactor:    0.2,
	}
}

func (bc *BackoffConfig) validate() error {
	if bc.InitialInterval <= 0 {
		return errInvalidBackoffConfig
	}
	if bc.MaxInterval < bc.InitialInterval {
		return errInvalidBackoffConfig
	}
	if bc.Multiplier <= 0 {
		return errInvalidBackoffConfig
	}
	if bc.JitterFactor < 0 || bc.JitterFactor > 1 {
		return errInvalidBackoffConfig
	}
	return nil
}

// backoff tracks the attempt counter for one reconnect sequence.
type backoff struct {
	config  BackoffConfig
	attempt int
}

func newBackoff(config BackoffConfig) *backoff {
	return &backoff{config: config}
}

// Next returns the wait before the next attempt, or false when the retry
// budget is spent.
func (b *backoff) Next() (time.Duration, bool) {
	if b.config.MaxRetries > 0 && b.attempt >= b.config.MaxRetries {
		return 0, false
	}

	interval := float64(b.config.InitialInterval) * math.Pow(b.config.Multiplier, float64(b.attempt))
	if interval > float64(b.config.MaxInterval) {
		interval = float64(b.config.MaxInterval)
	}

	if b.config.Jitter {
		jitter := interval * b.config.JitterFactor
		interval = interval - jitter + rand.Float64()*2*jitter
	}

	b.attempt++
	return time.Duration(interval), true
}

func (b *backoff) Reset() {
	b.attempt = 0
}

func (b *backoff) Attempt() int {
	return b.attempt
}
