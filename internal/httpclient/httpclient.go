// Package httpclient builds the proxy-aware HTTP clients shared by the Token
// Manager and Dispatch Engine, generalizing the SOCKS5/HTTP proxy transport
// builder found in the pack's Antigravity quota manager.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// New builds an *http.Client bound to ctx's deadline with an optional
// upstream proxy (socks5:// or http(s)://). Every upstream HTTP call in the
// gateway core goes through a client built this way so the 10-minute
// per-request timeout (§5) and the operator's proxy setting apply uniformly.
func New(proxyURL string, timeout time.Duration) *http.Client {
	transport := buildProxyTransport(proxyURL)
	if transport == nil {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	return &http.Client{Transport: transport, Timeout: timeout}
}

// WithContext returns a client whose effective deadline is bounded by ctx,
// layering a context-aware timeout on top of a shared base client.
func WithContext(ctx context.Context, base *http.Client) *http.Client {
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining > 0 && (base.Timeout == 0 || remaining < base.Timeout) {
			clone := *base
			clone.Timeout = remaining
			return &clone
		}
	}
	return base
}

func buildProxyTransport(proxyURL string) *http.Transport {
	proxyURL = strings.TrimSpace(proxyURL)
	if proxyURL == "" {
		return nil
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil
	}
	switch parsed.Scheme {
	case "socks5":
		var auth *proxy.Auth
		if parsed.User != nil {
			password, _ := parsed.User.Password()
			auth = &proxy.Auth{User: parsed.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if err != nil {
			return nil
		}
		return &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	case "http", "https":
		return &http.Transport{Proxy: http.ProxyURL(parsed)}
	default:
		return nil
	}
}
