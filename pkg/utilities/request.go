package utilities

import (
	"context"
	"net"
	"net/http"
	"strings"
)

type ctxKey int

const (
	baseKey ctxKey = iota
	ipKey
)

// WithRequestBase records the externally visible scheme://host[/prefix] of a request.
func WithRequestBase(ctx context.Context, base string) context.Context {
	return context.WithValue(ctx, baseKey, strings.TrimRight(base, "/"))
}

// WithClientIP records the client address after proxy rewriting.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ipKey, ip)
}

// RequestBase returns the base recorded by the proxy middleware, or derives
// one from the connection when none was recorded.
func RequestBase(r *http.Request) string {
	if v, ok := r.Context().Value(baseKey).(string); ok && v != "" {
		return v
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// IsSecure reports whether the request base is https.
func IsSecure(r *http.Request) bool {
	return strings.HasPrefix(RequestBase(r), "https://")
}

// ClientIP returns the rewritten client address or the peer address.
func ClientIP(r *http.Request) string {
	if v, ok := r.Context().Value(ipKey).(string); ok && v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
