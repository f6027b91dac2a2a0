package recovery

import (
	"errors"
	"time"
)

const (
	DefaultThreshold           = 3
	DefaultSessionTTL          = 30 * time.Minute
	DefaultTombstoneRetention  = 24 * time.Hour
	DefaultSweepInterval       = time.Minute
	DefaultDeliveryConcurrency = 16
	DefaultMaxCASRetries       = 64
)

// Config holds the coordinator settings.
type Config struct {
	// DefaultThreshold is used when a request does not name k. It is capped at
	// the number of helpers.
	DefaultThreshold uint8

	// SessionTTL is the lifetime of a session counted from creation.
	SessionTTL time.Duration

	// TombstoneRetention is how long terminal sessions are kept so that late
	// submissions get a precise error.
	TombstoneRetention time.Duration

	// SweepInterval is the period of the background expiry sweep.
	SweepInterval time.Duration

	// DeliveryConcurrency bounds concurrent share deliveries per session.
	DeliveryConcurrency int

	// MaxCASRetries bounds conditional update retries on a session record.
	MaxCASRetries int
}

func DefaultConfig() Config {
	return Config{
		DefaultThreshold:    DefaultThreshold,
		SessionTTL:          DefaultSessionTTL,
		TombstoneRetention:  DefaultTombstoneRetention,
		SweepInterval:       DefaultSweepInterval,
		DeliveryConcurrency: DefaultDeliveryConcurrency,
		MaxCASRetries:       DefaultMaxCASRetries,
	}
}

// Validate checks that every setting is usable.
func (c Config) Validate() error {
	if c.DefaultThreshold < 1 {
		return errors.New("default threshold must be at least 1")
	}
	if c.SessionTTL <= 0 {
		return errors.New("session TTL must be positive")
	}
	if c.TombstoneRetention <= 0 {
		return errors.New("tombstone retention must be positive")
	}
	if c.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	if c.DeliveryConcurrency < 1 {
		return errors.New("delivery concurrency must be at least 1")
	}
	if c.MaxCASRetries < 1 {
		return errors.New("CAS retry budget must be at least 1")
	}
	return nil
}
