// Package identity derives a pseudonymous visitor identity from a request.
//
// The raw identity is the client IP as reported by a fronting proxy
// (X-Forwarded-For, then X-Real-IP) or the transport peer address. Only its
// SHA-256 digest is used as a dedup key.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// FallbackIP is used when no address can be derived from the request.
const FallbackIP = "127.0.0.1"

type contextKey string

const identityKey contextKey = "visitor_identity"

// Identity is the derived client address and its hash.
type Identity struct {
	IP   string
	Hash string
}

// Option configures how the client address is derived.
type Option func(*config)

type config struct {
	proxyHeaders bool
}

// WithoutProxyHeaders ignores X-Forwarded-For and X-Real-IP and uses only the
// transport peer address. Use when the service is exposed without a proxy and
// clients could otherwise choose their own identity.
func WithoutProxyHeaders() Option {
	return func(c *config) {
		c.proxyHeaders = false
	}
}

func newConfig(opts []Option) *config {
	cfg := &config{proxyHeaders: true}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// ClientIP returns the first X-Forwarded-For entry, else X-Real-IP, else the
// host part of RemoteAddr, else FallbackIP. WithoutProxyHeaders skips the
// two headers.
func ClientIP(r *http.Request, opts ...Option) string {
	return clientIP(r, newConfig(opts).proxyHeaders)
}

func clientIP(r *http.Request, proxyHeaders bool) string {
	if proxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
			return host
		}
		return r.RemoteAddr
	}
	return FallbackIP
}

// Hash returns the lowercase hex SHA-256 digest of raw.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// FromRequest derives the identity of r.
func FromRequest(r *http.Request, opts ...Option) Identity {
	ip := ClientIP(r, opts...)
	return Identity{IP: ip, Hash: Hash(ip)}
}

// Middleware stores the request's Identity in its context.
func Middleware(opts ...Option) func(http.Handler) http.Handler {
	cfg := newConfig(opts)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, cfg.proxyHeaders)
			id := Identity{IP: ip, Hash: Hash(ip)}
			ctx := context.WithValue(r.Context(), identityKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// FromContext returns the Identity stored by Middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

// Resolve returns the Identity stored by Middleware, deriving it from r when
// the middleware is not installed.
func Resolve(r *http.Request) Identity {
	if id, ok := FromContext(r.Context()); ok {
		return id
	}
	return FromRequest(r)
}
