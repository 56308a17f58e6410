package client

import (
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// newPrimaryTransport builds the HTTP client used for all first-choice
// requests. HTTP/2 is configured explicitly so connection reuse works
// against the primary service's load balancer.
func newPrimaryTransport(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	// Best effort; the transport still works over HTTP/1.1 if this fails.
	_ = http2.ConfigureTransport(transport)

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// newSecondaryTransport builds the fallback HTTP client, used within an
// attempt when the primary transport fails at the connection level. It keeps
// its own dialer and connection pool and pins HTTP/1.1, so a poisoned pool
// or a broken HTTP/2 path on the primary does not take the fallback down
// with it.
func newSecondaryTransport(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   20 * time.Second,
			KeepAlive: -1,
		}).DialContext,
		DisableKeepAlives: true,
		ForceAttemptHTTP2: false,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
