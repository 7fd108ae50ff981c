package proxy

import (
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/vllm-studio/reason-proxy/internal/config"
)

var (
	upstreamTransport     *http.Transport
	upstreamTransportOnce sync.Once
)

// initTransport builds the shared upstream transport once. Every request
// reuses the same connection pool, so concurrent streams do not pay a dial
// per request.
func initTransport(cfg *config.Config) *http.Transport {
	upstreamTransportOnce.Do(func() {
		upstreamTransport = &http.Transport{
			MaxIdleConns:        cfg.ProxyMaxIdleConns,
			MaxIdleConnsPerHost: cfg.ProxyMaxIdleConnsPerHost,
			MaxConnsPerHost:     cfg.ProxyMaxConnsPerHost,
			IdleConnTimeout:     time.Duration(cfg.ProxyIdleConnTimeout) * time.Second,

			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,

			TLSHandshakeTimeout: 10 * time.Second,
			ForceAttemptHTTP2:   true,

			// SSE responses must arrive as the model produces them, not
			// after a compression window fills.
			DisableCompression: true,

			// No timeout on the response body itself: streams stay open as
			// long as the model generates.
			ResponseHeaderTimeout: 120 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}
	})
	return upstreamTransport
}

// newReverseProxy builds a reverse proxy to the upstream with the pooled
// transport and the standard header rewrite: the upstream sees its own host,
// the configured API key when one is set, and identity encoding so response
// bodies can be inspected without a decompression step.
func newReverseProxy(target *url.URL, cfg *config.Config) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = initTransport(cfg)

	orig := proxy.Director
	proxy.Director = func(r *http.Request) {
		orig(r)

		r.Host = target.Host

		if cfg.UpstreamAPIKey != "" {
			r.Header.Set("Authorization", "Bearer "+cfg.UpstreamAPIKey)
		}

		// Transformed bodies are re-encoded here, so upstream compression
		// would only add a decode step.
		r.Header.Set("Accept-Encoding", "identity")

		r.Header.Del("X-Forwarded-For")
		r.Header.Del("X-Real-Ip")
	}

	return proxy
}
