package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/mkarlsen/statclient/pkg/errclass"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for retry operations.
var (
	statRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stat_retries_total",
		Help: "Total number of retry attempts by error class",
	}, []string{"error_class"})

	statRetryBackoffSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stat_retry_backoff_seconds",
		Help:    "Backoff duration for retries by error class",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"error_class"})

	statRetryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stat_retry_exhausted_total",
		Help: "Total number of times retry attempts were exhausted by error class",
	}, []string{"error_class"})
)

// minBackoff is the floor under a jittered backoff sleep.
const minBackoff = 50 * time.Millisecond

// RetryPolicy configures the retry loop. It is a value type; nothing in it
// mutates during a fetch.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the initial attempt, so a
	// fetch performs at most MaxRetries+1 attempts.
	MaxRetries int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// BackoffMultiplier grows the backoff exponentially between retries.
	BackoffMultiplier float64

	// MaxBackoff caps the grown backoff.
	MaxBackoff time.Duration

	// JitterFraction randomizes each backoff by up to this fraction in
	// either direction.
	JitterFraction float64

	// BanDetectionThreshold is the count of consecutive rate-limit responses
	// after which the source is treated as likely blocked instead of
	// retrying further.
	BanDetectionThreshold int
}

// DefaultRetryPolicy returns the policy used against the primary service.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:            3,
		InitialBackoff:        1 * time.Second,
		BackoffMultiplier:     2.0,
		MaxBackoff:            30 * time.Second,
		JitterFraction:        0.2,
		BanDetectionThreshold: 5,
	}
}

// backoffFor computes the jittered backoff before retry number attempt
// (1-based). The jitter is symmetric and the result never drops below
// minBackoff.
func (p RetryPolicy) backoffFor(attempt int) time.Duration {
	backoff := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= p.BackoffMultiplier
		if backoff >= float64(p.MaxBackoff) {
			backoff = float64(p.MaxBackoff)
			break
		}
	}

	if p.JitterFraction > 0 {
		backoff *= 1 + p.JitterFraction*(2*rand.Float64()-1)
	}

	d := time.Duration(backoff)
	if d < minBackoff {
		d = minBackoff
	}
	return d
}

// doFn performs one attempt and returns the outcome.
type doFn func() (*attemptResult, error)

// fetchWithRetry runs the attempt loop: throttle, attempt, classify, back
// off. Attempts for one request are strictly sequential. Non-retryable
// failures surface immediately; retryable ones are retried up to the policy
// bound with exponential backoff and jitter. A run of consecutive rate-limit
// responses at the ban threshold aborts the loop early.
func (c *Client) fetchWithRetry(ctx context.Context, limiter Throttler, policy RetryPolicy, do doFn) Result {
	var lastErr error
	consecutiveRateLimited := 0
	maxAttempts := policy.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := limiter.Throttle(ctx); err != nil {
			return Result{
				Err:      fmt.Errorf("%w: %v", ErrContextCancelled, err),
				Attempts: attempt,
			}
		}

		res, err := do()
		if err == nil {
			res.result.Attempts = attempt
			if attempt > 1 {
				c.logger.Info().
					Int("attempt", attempt).
					Msg("Request succeeded after retry")
			}
			return res.result
		}
		lastErr = err

		class := classOf(err)
		statErrorsTotal.WithLabelValues(string(class)).Inc()

		if class == errclass.ClassRateLimited {
			consecutiveRateLimited++
		} else {
			consecutiveRateLimited = 0
		}
		if policy.BanDetectionThreshold > 0 && consecutiveRateLimited >= policy.BanDetectionThreshold {
			c.logger.Error().
				Int("consecutive", consecutiveRateLimited).
				Msg("Consecutive rate-limit responses at ban threshold, aborting")
			return Result{
				Err:      fmt.Errorf("%w after %d consecutive rate-limit responses: %v", ErrSourceBlocked, consecutiveRateLimited, lastErr),
				Attempts: attempt,
			}
		}

		if !errclass.Retryable(class) {
			return Result{
				Err:        lastErr,
				StatusCode: statusOf(lastErr),
				Attempts:   attempt,
			}
		}

		if attempt == maxAttempts {
			break
		}

		statRetriesTotal.WithLabelValues(string(class)).Inc()

		backoff := policy.backoffFor(attempt)
		statRetryBackoffSeconds.WithLabelValues(string(class)).Observe(backoff.Seconds())

		c.logger.Debug().
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Retrying request after backoff")

		select {
		case <-ctx.Done():
			return Result{
				Err:      fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err()),
				Attempts: attempt,
			}
		case <-time.After(backoff):
		}
	}

	class := classOf(lastErr)
	statRetryExhaustedTotal.WithLabelValues(string(class)).Inc()
	c.logger.Warn().
		Str("error_class", string(class)).
		Int("max_attempts", maxAttempts).
		Msg("Retry attempts exhausted")

	return Result{
		Err:        fmt.Errorf("%w after %d attempts: %v", ErrRetryExhausted, maxAttempts, lastErr),
		StatusCode: statusOf(lastErr),
		Attempts:   maxAttempts,
	}
}

func statusOf(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode
	}
	return 0
}
