// Package retry retries remote operations with a bounded number of attempts
// and a fixed delay between them.
package retry

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// Config holds retry configuration.
type Config struct {
	// MaxAttempts is the total number of times the operation is attempted.
	// Values below one are treated as one.
	MaxAttempts int

	// Delay is the time to wait between attempts.
	Delay time.Duration

	// Clock is used for waiting between attempts. Defaults to the real clock.
	Clock clockwork.Clock

	// Log receives a message for every failed attempt. Defaults to the
	// standard logger.
	Log log.FieldLogger
}

// DefaultConfig returns the defaults used by the deploy command.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Delay:       time.Second,
	}
}

// Do invokes `fn` until it succeeds or the attempts run out. Every error is
// treated as retryable; callers that don't want an error retried shouldn't
// route the call through Do. The error from the final attempt is returned
// unchanged.
func Do(ctx context.Context, cfg Config, description string, fn func() error) error {
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var logger log.FieldLogger = log.StandardLogger()
	if cfg.Log != nil {
		logger = cfg.Log
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		entry := logger.WithError(err).WithFields(log.Fields{
			"operation": description,
			"attempt":   attempt,
		})
		if attempt >= maxAttempts {
			entry.Warn("Operation failed. Giving up.")
			return err
		}
		entry.Debug("Operation failed. Retrying.")

		if cfg.Delay <= 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return err
		case <-clock.After(cfg.Delay):
		}
	}
}
