// Package ratelimit limits how many requests one client may make in a fixed
// window.
//
// The counter request path is open to anyone who can embed an image, so every
// route except /health and /metrics sits behind a per-client limiter:
//
//	st := store.NewMemory()
//	defer st.Close()
//
//	limiter := ratelimit.New(st, 100, time.Minute, ratelimit.WithClientIP())
//	r.Use(limiter.Handler)
//
// Responses carry RateLimit-Limit, RateLimit-Remaining and RateLimit-Reset.
// A request over the limit gets 429 with Retry-After. Use the Redis store when
// several instances serve the same clients.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nhalm/badgecount/identity"
	"github.com/nhalm/badgecount/ratelimit/store"
	"github.com/nhalm/badgecount/wrapper"
)

// HeaderMode controls when rate limit headers are sent.
type HeaderMode int

const (
	// HeadersAlways sends headers on every response (default).
	HeadersAlways HeaderMode = iota

	// HeadersOnLimitExceeded sends headers only on 429 responses.
	HeadersOnLimitExceeded

	// HeadersNever hides the limit from clients.
	HeadersNever
)

// ParseHeaderMode maps "always", "exceeded" and "never" to a HeaderMode.
func ParseHeaderMode(s string) (HeaderMode, error) {
	switch strings.ToLower(s) {
	case "", "always":
		return HeadersAlways, nil
	case "exceeded":
		return HeadersOnLimitExceeded, nil
	case "never":
		return HeadersNever, nil
	}
	return HeadersAlways, fmt.Errorf("unknown header mode %q", s)
}

// KeyFunc extracts a rate limiting key from a request. An empty key skips
// rate limiting for that request.
type KeyFunc func(*http.Request) string

// Limiter is a fixed-window rate limiting middleware.
type Limiter struct {
	store      store.Store
	limit      int64
	window     time.Duration
	keyFns     []KeyFunc
	name       string
	headerMode HeaderMode
	onLimited  func(*http.Request)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClientIP keys the limiter on the client address as derived by
// identity.ClientIP with opts. Pass the same options the identity middleware
// uses so both agree on who the client is.
func WithClientIP(opts ...identity.Option) Option {
	return WithKey(func(r *http.Request) string {
		return "client:" + identity.ClientIP(r, opts...)
	})
}

// WithKey adds a key dimension. Dimensions are joined with ':'.
func WithKey(fn KeyFunc) Option {
	return func(l *Limiter) {
		l.keyFns = append(l.keyFns, fn)
	}
}

// WithName prefixes every key, keeping layered limiters apart in a shared store.
func WithName(name string) Option {
	return func(l *Limiter) {
		l.name = name
	}
}

// WithHeaderMode configures when rate limit headers are sent.
func WithHeaderMode(mode HeaderMode) Option {
	return func(l *Limiter) {
		l.headerMode = mode
	}
}

// WithOnLimited calls fn for every rejected request.
func WithOnLimited(fn func(*http.Request)) Option {
	return func(l *Limiter) {
		l.onLimited = fn
	}
}

// New creates a limiter allowing limit requests per window per key.
// It panics when no key option is given.
func New(st store.Store, limit int, window time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		store:      st,
		limit:      int64(limit),
		window:     window,
		headerMode: HeadersAlways,
	}
	for _, opt := range opts {
		opt(l)
	}
	if len(l.keyFns) == 0 {
		panic("ratelimit: at least one key option is required")
	}
	return l
}

func (l *Limiter) key(r *http.Request) string {
	var sb strings.Builder
	if l.name != "" {
		sb.WriteString(l.name)
	}
	for _, fn := range l.keyFns {
		part := fn(r)
		if part == "" {
			return ""
		}
		if sb.Len() > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(part)
	}
	return sb.String()
}

// Handler returns the rate limiting middleware.
func (l *Limiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := l.key(r)
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		useWrapper := wrapper.HasState(r.Context())
		setHeader := func(k, v string) {
			if useWrapper {
				wrapper.SetHeader(r, k, v)
			} else {
				w.Header().Set(k, v)
			}
		}

		count, ttl, err := l.store.Increment(r.Context(), key, l.window)
		if err != nil {
			if useWrapper {
				wrapper.LogError(r, err)
				wrapper.SetError(r, wrapper.ErrInternal.With("Rate limit check failed"))
			} else {
				http.Error(w, "Rate limit check failed", http.StatusInternalServerError)
			}
			return
		}

		remaining := max(0, l.limit-count)
		exceeded := count > l.limit

		if l.headerMode == HeadersAlways || (l.headerMode == HeadersOnLimitExceeded && exceeded) {
			setHeader("RateLimit-Limit", strconv.FormatInt(l.limit, 10))
			setHeader("RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			setHeader("RateLimit-Reset", strconv.FormatInt(time.Now().Add(ttl).Unix(), 10))
			if exceeded {
				setHeader("Retry-After", strconv.Itoa(max(1, int(ttl.Seconds()))))
			}
		}

		if exceeded {
			if l.onLimited != nil {
				l.onLimited(r)
			}
			if useWrapper {
				wrapper.SetError(r, wrapper.ErrRateLimited)
			} else {
				http.Error(w, wrapper.ErrRateLimited.Message, http.StatusTooManyRequests)
			}
			return
		}

		next.ServeHTTP(w, r)
	})
}
