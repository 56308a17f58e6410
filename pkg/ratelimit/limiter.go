// Package ratelimit enforces a minimum inter-request delay per upstream
// source. The primary data service and the secondary static-file service have
// independent published limits, so each gets its own limiter instance; all
// workers targeting one source must share that instance.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limiting.
var (
	rateLimitWaitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stat_rate_limit_waits_total",
		Help: "Total number of requests that had to wait for the rate limiter",
	}, []string{"source"})

	rateLimitWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stat_rate_limit_wait_seconds",
		Help:    "Time spent waiting for the rate limiter by source",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"source"})
)

// MinDelay is the floor on the enforced delay. Caller overrides below this
// are clamped so a misconfigured policy can never disable throttling.
const MinDelay = 100 * time.Millisecond

// Policy configures a limiter. It is a value type; the mutable state lives
// in the Limiter.
type Policy struct {
	// Delay is the minimum time between consecutive requests to the source.
	Delay time.Duration

	// JitterFraction randomizes the remaining wait by up to this fraction in
	// either direction. Zero disables jitter.
	JitterFraction float64
}

// DefaultPolicy returns the policy used for the primary data service.
func DefaultPolicy() Policy {
	return Policy{
		Delay:          2 * time.Second,
		JitterFraction: 0.2,
	}
}

// Limiter enforces Policy for one logical upstream source. Safe for
// concurrent use; the zero value is not usable, call NewLimiter.
type Limiter struct {
	mu     sync.Mutex
	last   time.Time
	policy Policy
	source string
	logger zerolog.Logger
}

// NewLimiter creates a limiter for the named source. The policy delay is
// clamped to MinDelay.
func NewLimiter(source string, policy Policy, logger zerolog.Logger) *Limiter {
	if policy.Delay < MinDelay {
		policy.Delay = MinDelay
	}
	return &Limiter{
		policy: policy,
		source: source,
		logger: logger.With().Str("source", source).Logger(),
	}
}

// Throttle blocks until at least the policy delay (with symmetric jitter on
// the remaining wait) has elapsed since the previous request to this source,
// then stamps the request time. The first call returns immediately. The stamp
// is taken before returning, not after the caller's network call completes,
// which keeps the enforced delay conservative under concurrent callers.
func (l *Limiter) Throttle(ctx context.Context) error {
	l.mu.Lock()

	if l.last.IsZero() {
		l.last = time.Now()
		l.mu.Unlock()
		return nil
	}

	wait := jitteredWait(l.policy.Delay-time.Since(l.last), l.policy.JitterFraction)
	if wait <= 0 {
		l.last = time.Now()
		l.mu.Unlock()
		return nil
	}

	// Stamp before sleeping so a concurrent caller measures its delay from
	// this request, not the previous one.
	l.last = time.Now().Add(wait)
	l.mu.Unlock()

	rateLimitWaitsTotal.WithLabelValues(l.source).Inc()
	rateLimitWaitSeconds.WithLabelValues(l.source).Observe(wait.Seconds())

	l.logger.Debug().
		Dur("wait", wait).
		Msg("Throttling request")

	select {
	case <-ctx.Done():
		return fmt.Errorf("throttle wait: %w", ctx.Err())
	case <-time.After(wait):
		return nil
	}
}

// Reset clears the limiter state. The next Throttle call returns
// immediately. Used in tests and when switching logical contexts.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.last = time.Time{}
}

// jitteredWait applies symmetric jitter to the remaining wait. Jitter can
// shorten or lengthen the wait but never produces a negative sleep.
func jitteredWait(remaining time.Duration, fraction float64) time.Duration {
	if remaining <= 0 {
		return 0
	}
	if fraction <= 0 {
		return remaining
	}
	// Uniform in [-fraction, +fraction].
	factor := 1 + fraction*(2*rand.Float64()-1)
	wait := time.Duration(float64(remaining) * factor)
	if wait < 0 {
		return 0
	}
	return wait
}
