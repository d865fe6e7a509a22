package errors

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"rlm/internal/logging"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts  int           // maximum retry attempts after the first try
	BaseDelay    time.Duration // base delay for exponential backoff
	MaxDelay     time.Duration // cap on delay between retries
	JitterFactor float64       // randomization factor (0.25 = ±25%)
}

// DefaultRetryConfig returns sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    1 * time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// RetryableFunc is a function that can be retried.
type RetryableFunc func(ctx context.Context) error

// Retry executes fn with exponential backoff, stopping on success, context
// cancellation, a non-transient error, or attempt exhaustion.
func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc, logger logging.Logger) error {
	logger = logging.OrNop(logger)

	var lastErr error
	for attempt := 0; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("retry succeeded after %d attempts", attempt+1)
			}
			return nil
		}

		lastErr = err
		logger.Debug("attempt %d failed: %v", attempt+1, err)

		if !IsTransient(err) {
			return err
		}
		if attempt == config.MaxAttempts {
			break
		}

		delay := backoffDelay(config, attempt)
		// A server-provided Retry-After overrides the computed backoff.
		var transientErr *TransientError
		if errors.As(err, &transientErr) && transientErr.RetryAfter > 0 {
			delay = time.Duration(transientErr.RetryAfter) * time.Second
			if delay > config.MaxDelay {
				delay = config.MaxDelay
			}
		}
		logger.Debug("waiting %s before retry", delay)
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled: %w", ctx.Err())
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", config.MaxAttempts+1, lastErr)
}

func backoffDelay(config RetryConfig, attempt int) time.Duration {
	base := float64(config.BaseDelay) * math.Pow(2, float64(attempt))
	if config.JitterFactor > 0 {
		jitter := base * config.JitterFactor * (2*rand.Float64() - 1)
		base += jitter
	}
	delay := time.Duration(base)
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if delay < 0 {
		delay = config.BaseDelay
	}
	return delay
}
