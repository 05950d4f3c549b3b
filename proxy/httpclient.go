package proxy

import (
	"context"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// NewBackendHTTPClient builds the single shared outbound HTTP client used
// for every call to the LM Studio backend: one connection pool, modest
// connect timeouts, and explicit HTTP/2 support for backends that offer it
// over TLS (plain-HTTP backends are spoken to over HTTP/1.1).
func NewBackendHTTPClient() *http.Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
	_ = http2.ConfigureTransport(transport)

	return &http.Client{
		Transport: transport,
		// No top-level client Timeout: streaming responses can run far
		// longer than any fixed deadline; per-chunk idle timeouts and the
		// cooperative cancellation token are what actually bound a request.
	}
}

// classifyTransportError maps a network-level error from the shared client
// into this proxy's error taxonomy, the same connect/timeout/other split
// the retry controller's trigger path relies on.
func classifyTransportError(ctx context.Context, err error) *ProxyError {
	if ctx.Err() == context.Canceled {
		return Cancelled()
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return BackendUnavailable("Stream timeout")
	}
	var opErr *net.OpError
	if asOpError(err, &opErr) {
		return BackendUnavailable("LM Studio not available")
	}
	return Internalf("LM Studio request failed: %v", err)
}

func asOpError(err error, target **net.OpError) bool {
	for err != nil {
		if oe, ok := err.(*net.OpError); ok {
			*target = oe
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
