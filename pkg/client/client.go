// Package client provides the core statistics-service client: a retrying,
// rate-limited transport plus the resource-level operations built on the
// metadata cache and the incremental update protocol.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/mkarlsen/statclient/internal/atomicfile"
	"github.com/mkarlsen/statclient/pkg/cache"
	"github.com/mkarlsen/statclient/pkg/errclass"
	"github.com/mkarlsen/statclient/pkg/ratelimit"
	"github.com/mkarlsen/statclient/pkg/update"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for request operations.
var (
	statRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stat_requests_total",
		Help: "Total upstream requests by source and status",
	}, []string{"source", "status"})

	statRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stat_request_duration_seconds",
		Help:    "Upstream request duration in seconds by source",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"source"})

	statErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stat_errors_total",
		Help: "Total request failures by error class",
	}, []string{"class"})

	statFallbackTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stat_transport_fallback_total",
		Help: "Total requests answered by the secondary transport",
	})
)

// Logical upstream sources. Each has its own rate limiter; they must never
// share limiter state because their published limits are independent.
const (
	SourcePrimary   = "primary"
	SourceSecondary = "secondary"
)

// Method records which transport produced a response.
type Method string

const (
	// MethodPrimary - the response came from the primary transport.
	MethodPrimary Method = "primary"

	// MethodSecondary - the primary transport failed at the connection level
	// and the fallback transport answered.
	MethodSecondary Method = "secondary"
)

// Result is the structured outcome of a resource fetch. Batch callers use
// Attempts to distinguish "failed fast" from "exhausted retries".
type Result struct {
	Success    bool
	UpToDate   bool
	Payload    []byte
	StatusCode int
	Err        error
	Attempts   int
	Method     Method
	Checksum   uint64
}

// Throttler gates requests to one upstream source. Implemented by
// ratelimit.Limiter and ratelimit.RedisLimiter.
type Throttler interface {
	Throttle(ctx context.Context) error
}

// RequestBuilder constructs ready-to-call requests for resources. The shapes
// of concrete endpoints live outside the core; the client treats the built
// request as opaque.
type RequestBuilder interface {
	// DataRequest builds the full-payload request for a resource.
	DataRequest(ctx context.Context, resourceID string, params url.Values) (*http.Request, error)

	// MetadataRequest builds the lightweight structured-metadata request for
	// a resource (carries the update signal and the code-list schema).
	MetadataRequest(ctx context.Context, resourceID string) (*http.Request, error)
}

// SchemaParser extracts from a structured-metadata payload what the core
// needs: the code-list entries the resource depends on, and the server's
// update signal.
type SchemaParser interface {
	Entries(payload []byte) (map[string][]update.Row, error)
	UpdateSignal(payload []byte) (time.Time, error)
}

// Config holds the client configuration.
type Config struct {
	// Builder and Parser are the external collaborators (required).
	Builder RequestBuilder
	Parser  SchemaParser

	// CacheDir is where the persisted stores live (required).
	CacheDir string

	// UserAgent identifies this client to the upstream (required).
	UserAgent string

	// Timeout applies to every network call.
	Timeout time.Duration

	// Retry configures the attempt loop.
	Retry RetryPolicy

	// PrimaryLimit and SecondaryLimit configure the per-source limiters.
	PrimaryLimit   ratelimit.Policy
	SecondaryLimit ratelimit.Policy

	// TTL configures the metadata cache expiration window.
	TTL cache.TTLConfig

	// MaxArchiveAge is the age fallback for binary freshness checks.
	MaxArchiveAge time.Duration

	// Redis, when set, moves rate-limiter state into Redis so separate
	// processes fetching from the same sources share one limit.
	Redis *redis.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(builder RequestBuilder, parser SchemaParser, cacheDir, userAgent string) Config {
	return Config{
		Builder:        builder,
		Parser:         parser,
		CacheDir:       cacheDir,
		UserAgent:      userAgent,
		Timeout:        30 * time.Second,
		Retry:          DefaultRetryPolicy(),
		PrimaryLimit:   ratelimit.DefaultPolicy(),
		SecondaryLimit: ratelimit.Policy{Delay: 5 * time.Second, JitterFraction: 0.2},
		TTL:            cache.DefaultTTLConfig(),
		MaxArchiveAge:  update.DefaultMaxArchiveAge,
	}
}

// Client is the statistics-service client.
type Client struct {
	primary   *http.Client
	secondary *http.Client

	primaryLimiter   Throttler
	secondaryLimiter Throttler

	cache     *cache.Manager
	checker   *update.Checker
	freshness *update.FreshnessChecker

	builder RequestBuilder
	parser  SchemaParser
	config  Config
	logger  zerolog.Logger
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.Builder == nil {
		return nil, fmt.Errorf("request builder is required")
	}
	if cfg.Parser == nil {
		return nil, fmt.Errorf("schema parser is required")
	}
	if cfg.CacheDir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := log.With().Str("component", "stat-client").Logger()

	c := &Client{
		primary:   newPrimaryTransport(cfg.Timeout),
		secondary: newSecondaryTransport(cfg.Timeout),
		builder:   cfg.Builder,
		parser:    cfg.Parser,
		config:    cfg,
		logger:    logger,
	}

	if cfg.Redis != nil {
		c.primaryLimiter = ratelimit.NewRedisLimiter(cfg.Redis, SourcePrimary, cfg.PrimaryLimit, logger)
		c.secondaryLimiter = ratelimit.NewRedisLimiter(cfg.Redis, SourceSecondary, cfg.SecondaryLimit, logger)
	} else {
		c.primaryLimiter = ratelimit.NewLimiter(SourcePrimary, cfg.PrimaryLimit, logger)
		c.secondaryLimiter = ratelimit.NewLimiter(SourceSecondary, cfg.SecondaryLimit, logger)
	}

	store := cache.OpenStore(cfg.CacheDir, logger)
	c.cache = cache.NewManager(store, c, cfg.TTL, logger)

	downloadLog := update.OpenLog(filepath.Join(cfg.CacheDir, "download_log.json"), logger)
	c.checker = update.NewChecker(downloadLog, c, logger)
	c.freshness = update.NewFreshnessChecker(c.secondary, cfg.MaxArchiveAge, logger)

	return c, nil
}

// FetchOptions controls a single resource fetch.
type FetchOptions struct {
	// Params are passed through to the request builder.
	Params url.Values

	// Force skips the update check and fetches unconditionally.
	Force bool
}

// FetchResource fetches one resource's full payload. Unless forced, the
// incremental update check runs first and an up-to-date resource is not
// fetched at all. On success the download log is stamped with the server's
// current update signal.
func (c *Client) FetchResource(ctx context.Context, resourceID string, opts FetchOptions) Result {
	if !opts.Force {
		if d := c.checker.ShouldRefetch(ctx, resourceID); !d.Needed {
			c.logger.Debug().Str("resource", resourceID).Msg("Resource up to date, skipping fetch")
			return Result{Success: true, UpToDate: true}
		}
	}

	req, err := c.builder.DataRequest(ctx, resourceID, opts.Params)
	if err != nil {
		return Result{Err: fmt.Errorf("build data request: %w", err)}
	}

	res := c.fetch(ctx, req, SourcePrimary)
	if !res.Success {
		c.logger.Warn().
			Str("resource", resourceID).
			Int("attempts", res.Attempts).
			Err(res.Err).
			Msg("Resource fetch failed")
		return res
	}

	now := time.Now()
	signal, err := c.LatestSignal(ctx, resourceID)
	if err != nil {
		// The data is already in hand; stamp the fetch time instead so the
		// next check fails toward re-fetching rather than skipping.
		c.logger.Warn().Err(err).
			Str("resource", resourceID).
			Msg("Update signal unavailable after fetch, stamping fetch time")
		signal = now
	}
	if err := c.checker.Record(resourceID, signal, now); err != nil {
		c.logger.Warn().Err(err).
			Str("resource", resourceID).
			Msg("Failed to stamp download log")
	}

	return res
}

// ShouldRefetch runs the incremental update check without fetching.
func (c *Client) ShouldRefetch(ctx context.Context, resourceID string) update.Decision {
	return c.checker.ShouldRefetch(ctx, resourceID)
}

// EnsureCached makes sure a resource's code-list dependencies are cached,
// fetching only that resource's entries on first contact. Returns true when
// a fetch was performed.
func (c *Client) EnsureCached(ctx context.Context, resourceID string) (bool, error) {
	return c.cache.EnsureResource(ctx, resourceID)
}

// GetOrRefresh returns cached code-list entries, refreshing expired ones.
func (c *Client) GetOrRefresh(ctx context.Context, ids []string, force bool) (map[string]*cache.Entry, []string, error) {
	return c.cache.GetOrRefresh(ctx, ids, force)
}

// RefreshExpired sweeps the metadata cache, refreshing expired entries.
func (c *Client) RefreshExpired(ctx context.Context, force bool) cache.SweepSummary {
	return c.cache.RefreshExpired(ctx, force)
}

// NeedsBinaryUpdate checks whether a binary resource on the static-file
// service is newer than the local copy.
func (c *Client) NeedsBinaryUpdate(ctx context.Context, rawURL, localPath string) update.Decision {
	return c.freshness.NeedsUpdate(ctx, rawURL, localPath)
}

// SyncArchive downloads a binary resource from the static-file service when
// the freshness check says the local copy is stale, writing it atomically.
func (c *Client) SyncArchive(ctx context.Context, rawURL, localPath string) Result {
	if d := c.freshness.NeedsUpdate(ctx, rawURL, localPath); !d.Needed {
		return Result{Success: true, UpToDate: true}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{Err: fmt.Errorf("build archive request: %w", err)}
	}

	res := c.fetch(ctx, req, SourceSecondary)
	if !res.Success {
		return res
	}

	if err := atomicfile.WriteFile(localPath, res.Payload, 0o644); err != nil {
		res.Success = false
		res.Err = fmt.Errorf("write archive: %w", err)
	}
	return res
}

// Merge combines previously retrieved rows with newly fetched ones,
// preferring the new copy on key collisions. See update.Merge.
func Merge(existing, fresh []update.Row, keyColumns []string) []update.Row {
	return update.Merge(existing, fresh, keyColumns)
}

// LoadEntries implements cache.Loader: it fetches a resource's structured
// metadata through the retrying transport and derives its code-list entries.
func (c *Client) LoadEntries(ctx context.Context, resourceID string) (map[string][]update.Row, error) {
	payload, err := c.fetchMetadata(ctx, resourceID)
	if err != nil {
		return nil, err
	}
	entries, err := c.parser.Entries(payload)
	if err != nil {
		return nil, &RequestError{Class: errclass.ClassParse, Message: "parse metadata payload", Err: err}
	}
	return entries, nil
}

// LatestSignal implements update.SignalFetcher: it fetches a resource's
// metadata and extracts the server's current update signal.
func (c *Client) LatestSignal(ctx context.Context, resourceID string) (time.Time, error) {
	payload, err := c.fetchMetadata(ctx, resourceID)
	if err != nil {
		return time.Time{}, err
	}
	signal, err := c.parser.UpdateSignal(payload)
	if err != nil {
		return time.Time{}, &RequestError{Class: errclass.ClassParse, Message: "parse update signal", Err: err}
	}
	return signal, nil
}

func (c *Client) fetchMetadata(ctx context.Context, resourceID string) ([]byte, error) {
	req, err := c.builder.MetadataRequest(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("build metadata request: %w", err)
	}
	res := c.fetch(ctx, req, SourcePrimary)
	if !res.Success {
		return nil, res.Err
	}
	return res.Payload, nil
}

// fetch runs the full attempt loop for one request against one source.
func (c *Client) fetch(ctx context.Context, req *http.Request, source string) Result {
	limiter := c.primaryLimiter
	if source == SourceSecondary {
		limiter = c.secondaryLimiter
	}
	return c.fetchWithRetry(ctx, limiter, c.config.Retry, func() (*attemptResult, error) {
		return c.do(req, source)
	})
}

// attemptResult wraps a successful attempt for the retry loop.
type attemptResult struct {
	result Result
}

// do performs one attempt. A transport-level failure on the primary client
// (connection refused, DNS, timeout) falls back to the secondary client
// within the same attempt; HTTP-level errors do not, since the fallback
// would hit the same endpoint and get the same answer.
func (c *Client) do(req *http.Request, source string) (*attemptResult, error) {
	start := time.Now()
	defer func() {
		statRequestDuration.WithLabelValues(source).Observe(time.Since(start).Seconds())
	}()

	method := MethodPrimary
	resp, err := c.primary.Do(c.prepare(req))
	if err != nil {
		class := errclass.FromError(err)
		if class != errclass.ClassTimeout && class != errclass.ClassConnectivity {
			statRequestsTotal.WithLabelValues(source, "transport_error").Inc()
			return nil, &RequestError{Class: class, Message: "transport failure", Err: err}
		}

		c.logger.Debug().Err(err).
			Str("source", source).
			Str("class", string(class)).
			Msg("Primary transport failed, trying fallback")

		var fallbackErr error
		resp, fallbackErr = c.secondary.Do(c.prepare(req))
		if fallbackErr != nil {
			statRequestsTotal.WithLabelValues(source, "transport_error").Inc()
			return nil, &RequestError{
				Class:   class,
				Message: "primary and fallback transports failed",
				Err:     fmt.Errorf("primary: %v; fallback: %w", err, fallbackErr),
			}
		}
		method = MethodSecondary
		statFallbackTotal.Inc()
	}
	defer resp.Body.Close()

	statRequestsTotal.WithLabelValues(source, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Class:      errclass.FromStatus(resp.StatusCode),
			Message:    resp.Status,
		}
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Class: errclass.FromError(err), Message: "read response body", Err: err}
	}
	if len(payload) == 0 {
		// A bare 200 with no content is a known upstream failure mode, not
		// a success.
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Class:      errclass.ClassEmptyResponse,
			Message:    "empty response",
			Err:        ErrEmptyResponse,
		}
	}

	return &attemptResult{result: Result{
		Success:    true,
		Payload:    payload,
		StatusCode: resp.StatusCode,
		Method:     method,
		Checksum:   xxhash.Sum64(payload),
	}}, nil
}

// prepare clones the request for one attempt and sets the standing headers.
func (c *Client) prepare(req *http.Request) *http.Request {
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", c.config.UserAgent)
	if clone.Header.Get("Accept") == "" {
		clone.Header.Set("Accept", "application/json, text/csv")
	}
	return clone
}

// SetHTTPClients replaces both transports (for testing).
func (c *Client) SetHTTPClients(primary, secondary *http.Client) {
	c.primary = primary
	c.secondary = secondary
}
