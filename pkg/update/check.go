package update

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var updateChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "stat_update_checks_total",
	Help: "Update check decisions by reason",
}, []string{"reason"})

// Reason explains an update-check decision.
type Reason string

const (
	// ReasonFirstDownload - the resource has never been fetched.
	ReasonFirstDownload Reason = "first_download"

	// ReasonRemoteNewer - the server reports a newer update signal.
	ReasonRemoteNewer Reason = "remote_newer"

	// ReasonUpToDate - the logged signal matches the server's.
	ReasonUpToDate Reason = "up_to_date"

	// ReasonCheckFailed - the signal could not be fetched; fail open and
	// prefer a redundant fetch over silently serving stale data.
	ReasonCheckFailed Reason = "check_failed"
)

// Decision is the outcome of an update or freshness check.
type Decision struct {
	Needed bool
	Reason Reason
}

// SignalFetcher retrieves the server's current authoritative update signal
// for a resource. This is a lightweight metadata call, not a full data fetch.
type SignalFetcher interface {
	LatestSignal(ctx context.Context, resourceID string) (time.Time, error)
}

// Checker decides whether a resource needs re-fetching by comparing the
// server's update signal against the local download log.
type Checker struct {
	log     *Log
	signals SignalFetcher
	logger  zerolog.Logger
}

// NewChecker creates an update checker.
func NewChecker(log *Log, signals SignalFetcher, logger zerolog.Logger) *Checker {
	return &Checker{
		log:     log,
		signals: signals,
		logger:  logger.With().Str("component", "update-check").Logger(),
	}
}

// ShouldRefetch reports whether the resource must be fetched again.
func (c *Checker) ShouldRefetch(ctx context.Context, resourceID string) Decision {
	logged, ok := c.log.Lookup(resourceID)
	if !ok {
		return c.decide(resourceID, Decision{Needed: true, Reason: ReasonFirstDownload})
	}

	fresh, err := c.signals.LatestSignal(ctx, resourceID)
	if err != nil {
		c.logger.Warn().Err(err).
			Str("resource", resourceID).
			Msg("Update signal unavailable, fetching anyway")
		return c.decide(resourceID, Decision{Needed: true, Reason: ReasonCheckFailed})
	}

	if fresh.After(logged.RemoteSignal) {
		return c.decide(resourceID, Decision{Needed: true, Reason: ReasonRemoteNewer})
	}
	return c.decide(resourceID, Decision{Needed: false, Reason: ReasonUpToDate})
}

// Record stamps the log after a successful full fetch.
func (c *Checker) Record(resourceID string, signal time.Time, fetchedAt time.Time) error {
	return c.log.Record(resourceID, signal, fetchedAt)
}

func (c *Checker) decide(resourceID string, d Decision) Decision {
	updateChecksTotal.WithLabelValues(string(d.Reason)).Inc()
	c.logger.Debug().
		Str("resource", resourceID).
		Bool("needed", d.Needed).
		Str("reason", string(d.Reason)).
		Msg("Update check")
	return d
}

// ParseSignal parses a server-reported update timestamp. The primary service
// emits RFC 3339; header-derived signals use the HTTP time format. A value
// that parses as neither is treated as unavailable.
func ParseSignal(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return http.ParseTime(s)
}
