package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds the backoff applied to transient storage faults.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// DefaultRetryConfig returns the retry policy used by the coordinator.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxRetries:      5,
	}
}

// Retry runs op with bounded exponential backoff. Contract errors
// (ErrNotFound, ErrDuplicateKey, ErrInvalidInput, ErrTerminal) are never
// retried; everything else is treated as a transient fault until the
// retry budget is exhausted, at which point the last error is returned.
func Retry(ctx context.Context, cfg RetryConfig, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if isPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, cfg.MaxRetries), ctx))
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicateKey) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrTerminal)
}
