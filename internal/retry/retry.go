// Package retry implements the bounded-attempt exponential backoff wrapper
// used for every source/destination IMAP call and OAuth token refresh.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajmccauley/syncrelay/internal/syncerr"
)

// Op is a retryable operation.
type Op func() error

// Config bounds one Do call.
type Config struct {
	MaxAttempts int           // >= 1
	BaseDelay   time.Duration // > 0
}

// Do runs op up to cfg.MaxAttempts times, sleeping cfg.BaseDelay and doubling
// after each failure (simple unbounded exponential, no jitter). Only errors
// classified as transient (syncerr.IsTransient) are retried; anything else
// propagates immediately. On final failure the last caught error is
// returned. log, if non-nil, receives one warning per retried attempt.
func Do(ctx context.Context, cfg Config, op Op, log *zerolog.Logger, operationName string) error {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	delay := cfg.BaseDelay

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		if !syncerr.IsTransient(err) {
			return err
		}
		lastErr = err
		if log != nil {
			log.Warn().Err(err).Str("operation", operationName).Int("attempt", attempt).Msg("operation_retryable_error")
		}
		if attempt >= maxAttempts {
			break
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}
	if lastErr == nil {
		lastErr = errors.New("retry: no attempts executed")
	}
	return lastErr
}
