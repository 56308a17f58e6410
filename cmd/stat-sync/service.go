package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mkarlsen/statclient/pkg/client"
	"github.com/mkarlsen/statclient/pkg/ratelimit"
	"github.com/mkarlsen/statclient/pkg/update"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// serviceBuilder builds requests against the data service's flat route
// layout: /data/{resource} for payloads, /meta/{resource} for metadata.
type serviceBuilder struct {
	base string
}

func (b *serviceBuilder) DataRequest(ctx context.Context, resourceID string, params url.Values) (*http.Request, error) {
	u := b.base + "/data/" + url.PathEscape(resourceID)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
}

func (b *serviceBuilder) MetadataRequest(ctx context.Context, resourceID string) (*http.Request, error) {
	u := b.base + "/meta/" + url.PathEscape(resourceID)
	return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
}

// metadataDoc is the service's metadata document: an update timestamp plus
// the code lists the resource depends on.
type metadataDoc struct {
	Updated string                  `json:"updated"`
	Entries map[string][]update.Row `json:"entries"`
}

type metadataParser struct{}

func (metadataParser) Entries(payload []byte) (map[string][]update.Row, error) {
	var doc metadataDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("decode metadata document: %w", err)
	}
	return doc.Entries, nil
}

func (metadataParser) UpdateSignal(payload []byte) (time.Time, error) {
	var doc metadataDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		return time.Time{}, fmt.Errorf("decode metadata document: %w", err)
	}
	return update.ParseSignal(doc.Updated)
}

// newClient builds the statistics client from viper configuration.
func newClient() (*client.Client, error) {
	base := strings.TrimRight(viper.GetString("data-url"), "/")
	if base == "" {
		return nil, fmt.Errorf("data-url is required")
	}

	cfg := client.DefaultConfig(
		&serviceBuilder{base: base},
		metadataParser{},
		viper.GetString("cache-dir"),
		viper.GetString("user-agent"),
	)
	cfg.Timeout = viper.GetDuration("timeout")
	cfg.Retry.MaxRetries = viper.GetInt("retries")
	cfg.PrimaryLimit = ratelimit.Policy{
		Delay:          viper.GetDuration("delay"),
		JitterFraction: 0.2,
	}

	if addr := viper.GetString("redis"); addr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: addr})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
		}
		cfg.Redis = redisClient
	}

	return client.New(cfg)
}

// archiveURL joins a remote path onto the static-file service base URL.
// Absolute URLs pass through unchanged.
func archiveURL(remote string) (string, error) {
	if strings.HasPrefix(remote, "http://") || strings.HasPrefix(remote, "https://") {
		return remote, nil
	}
	base := strings.TrimRight(viper.GetString("file-url"), "/")
	if base == "" {
		return "", fmt.Errorf("file-url is required for relative archive paths")
	}
	return base + "/" + strings.TrimLeft(remote, "/"), nil
}
