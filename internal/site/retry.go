package site

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig configures the exponential backoff used for site requests.
type RetryConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	Multiplier   float64
}

// DefaultRetryConfig returns the backoff used for manifest fetches.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		MaxAttempts:  3,
		Multiplier:   2.0,
	}
}

// TemporaryError marks a failure worth retrying even though it is not a
// network error, e.g. an HTTP 5xx.
type TemporaryError struct {
	Err error
}

func (e *TemporaryError) Error() string { return e.Err.Error() }
func (e *TemporaryError) Unwrap() error { return e.Err }

// IsNetworkError checks if an error is likely due to network unavailability.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var tempErr *TemporaryError
	var netErr net.Error
	var dnsErr *net.DNSError
	if errors.As(err, &tempErr) || errors.As(err, &netErr) || errors.As(err, &dnsErr) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	networkIndicators := []string{
		"connection refused",
		"no such host",
		"timeout",
		"network is unreachable",
		"no route to host",
		"host is down",
		"i/o timeout",
		"connection reset",
		"temporary failure in name resolution",
		"unexpected eof",
	}
	for _, indicator := range networkIndicators {
		if strings.Contains(errStr, indicator) {
			return true
		}
	}

	return false
}

// WithRetry executes fn with exponential backoff retry for network errors only.
// Non-network errors fail immediately without retry.
func WithRetry(ctx context.Context, name string, cfg RetryConfig, fn func() error, logger *zerolog.Logger) error {
	var lastErr error
	delay := cfg.InitialDelay
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 1 {
				logger.Info().Str("operation", name).Int("attempt", attempt).Msg("operation succeeded after retry")
			}
			return nil
		}

		lastErr = err

		if !IsNetworkError(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		logger.Warn().
			Err(err).
			Str("operation", name).
			Int("attempt", attempt).
			Int("maxAttempts", attempts).
			Dur("nextRetryIn", delay).
			Msg("network error, will retry")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	logger.Error().Err(lastErr).Str("operation", name).Int("attempts", attempts).
		Msg("operation failed after all retries")
	return lastErr
}
