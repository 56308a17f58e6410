package update

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Reasons specific to the binary freshness check.
const (
	// ReasonNotCached - no local copy exists.
	ReasonNotCached Reason = "not_cached"

	// ReasonServerNewer - the server's Last-Modified is newer than the local
	// file.
	ReasonServerNewer Reason = "server_newer"

	// ReasonAgeExceeded - headers were unavailable and the local file is
	// older than the allowed age.
	ReasonAgeExceeded Reason = "age_exceeded"

	// ReasonWithinAgeLimit - headers were unavailable but the local file is
	// recent enough.
	ReasonWithinAgeLimit Reason = "within_age_limit"
)

// DefaultMaxArchiveAge is the age fallback for binary resources when the
// secondary source exposes no modification headers.
const DefaultMaxArchiveAge = 30 * 24 * time.Hour

// FreshnessChecker decides whether a binary resource (a zip archive from the
// static-file service) needs re-downloading. These resources carry no
// application-level update timestamp, only an HTTP Last-Modified header, and
// not reliably so - hence the two-tier policy: authoritative header check
// first, file-age fallback when headers are unavailable.
type FreshnessChecker struct {
	client *http.Client
	maxAge time.Duration
	logger zerolog.Logger
}

// NewFreshnessChecker creates a freshness checker. A zero maxAge selects
// DefaultMaxArchiveAge.
func NewFreshnessChecker(client *http.Client, maxAge time.Duration, logger zerolog.Logger) *FreshnessChecker {
	if client == nil {
		client = http.DefaultClient
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxArchiveAge
	}
	return &FreshnessChecker{
		client: client,
		maxAge: maxAge,
		logger: logger.With().Str("component", "freshness-check").Logger(),
	}
}

// NeedsUpdate reports whether the binary resource at url is newer than the
// local copy at localPath.
func (f *FreshnessChecker) NeedsUpdate(ctx context.Context, url, localPath string) Decision {
	info, err := os.Stat(localPath)
	if err != nil {
		return f.decide(url, Decision{Needed: true, Reason: ReasonNotCached})
	}
	localMtime := info.ModTime()

	remote, err := f.remoteLastModified(ctx, url)
	if err != nil {
		f.logger.Debug().Err(err).
			Str("url", url).
			Msg("Header check unavailable, falling back to age check")
		return f.ageFallback(url, localMtime)
	}

	if remote.After(localMtime) {
		return f.decide(url, Decision{Needed: true, Reason: ReasonServerNewer})
	}
	return f.decide(url, Decision{Needed: false, Reason: ReasonUpToDate})
}

// remoteLastModified issues a header-only request and parses Last-Modified.
func (f *FreshnessChecker) remoteLastModified(ctx context.Context, url string) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("create head request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("head request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("head request: status %d", resp.StatusCode)
	}

	lastMod := resp.Header.Get("Last-Modified")
	if lastMod == "" {
		return time.Time{}, fmt.Errorf("no last-modified header")
	}
	t, err := http.ParseTime(lastMod)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last-modified: %w", err)
	}
	return t, nil
}

func (f *FreshnessChecker) ageFallback(url string, localMtime time.Time) Decision {
	if time.Since(localMtime) > f.maxAge {
		return f.decide(url, Decision{Needed: true, Reason: ReasonAgeExceeded})
	}
	return f.decide(url, Decision{Needed: false, Reason: ReasonWithinAgeLimit})
}

func (f *FreshnessChecker) decide(url string, d Decision) Decision {
	updateChecksTotal.WithLabelValues(string(d.Reason)).Inc()
	f.logger.Debug().
		Str("url", url).
		Bool("needed", d.Needed).
		Str("reason", string(d.Reason)).
		Msg("Freshness check")
	return d
}
