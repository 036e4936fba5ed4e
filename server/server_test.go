package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhalm/badgecount/config"
	"github.com/nhalm/badgecount/counter"
	"github.com/nhalm/badgecount/metrics"
	"github.com/nhalm/badgecount/store"
)

var fixedNow = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

var errStoreDown = errors.New("store down")

type brokenStore struct{}

func (brokenStore) RecordVisit(context.Context, string, string, int64) (store.Aggregate, bool, error) {
	return store.Aggregate{}, false, errStoreDown
}

func (brokenStore) Get(context.Context, string) (store.Aggregate, bool, error) {
	return store.Aggregate{}, false, errStoreDown
}

func (brokenStore) GetOrCreate(context.Context, string, int64) (store.Aggregate, error) {
	return store.Aggregate{}, errStoreDown
}

func (brokenStore) Reset(context.Context, string) error { return errStoreDown }

func (brokenStore) Stats(context.Context) (map[string]store.Aggregate, error) {
	return nil, errStoreDown
}

func (brokenStore) Len(context.Context) (int, error) { return 0, errStoreDown }

func (brokenStore) Close() error { return nil }

func newTestServer(t *testing.T, st store.Store, mutate func(*config.Config)) *Server {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(&cfg)
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	svc := counter.New(st,
		counter.WithMetrics(m),
		counter.WithClock(func() time.Time { return fixedNow }),
	)
	s := New(cfg, svc, WithMetrics(m, reg))
	t.Cleanup(func() { s.Close() })
	return s
}

func newMemoryServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	st := store.NewMemory(store.WithSweepInterval(0))
	t.Cleanup(func() { st.Close() })
	return newTestServer(t, st, mutate)
}

func do(t *testing.T, s *Server, method, target, ip string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, http.NoBody)
	if ip != "" {
		req.Header.Set("X-Forwarded-For", ip)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func errorField(t *testing.T, body map[string]any, key string) any {
	t.Helper()
	e, ok := body["error"].(map[string]any)
	require.True(t, ok, "response has no error object: %v", body)
	return e[key]
}

func TestServer_CounterScenario(t *testing.T) {
	s := newMemoryServer(t, nil)

	steps := []struct {
		ip        string
		wantCount float64
		wantNew   bool
	}{
		{ip: "1.2.3.4", wantCount: 1, wantNew: true},
		{ip: "1.2.3.4", wantCount: 1, wantNew: false},
		{ip: "5.6.7.8", wantCount: 2, wantNew: true},
	}
	for i, step := range steps {
		rec := do(t, s, http.MethodGet, "/counter?project=site-a", step.ip)
		require.Equal(t, http.StatusOK, rec.Code, "step %d", i)

		body := decode(t, rec)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, "site-a", body["project"])
		assert.Equal(t, step.wantCount, body["count"], "step %d", i)
		assert.Equal(t, step.wantNew, body["isNewVisitor"], "step %d", i)
		assert.Equal(t, fixedNow.Format(time.RFC3339), body["timestamp"])
	}

	rec := do(t, s, http.MethodGet, "/count/site-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(2), body["count"])
	assert.Equal(t, float64(2), body["uniqueVisitors"])

	rec = do(t, s, http.MethodPost, "/reset/site-a", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Visitor count reset for project: site-a", body["message"])
	assert.Equal(t, "site-a", body["project"])

	rec = do(t, s, http.MethodGet, "/count/site-a", "")
	body = decode(t, rec)
	assert.Equal(t, float64(0), body["count"])
	assert.Equal(t, float64(0), body["uniqueVisitors"])

	rec = do(t, s, http.MethodGet, "/counter?project=site-a", "1.2.3.4")
	assert.Equal(t, true, decode(t, rec)["isNewVisitor"])
}

func TestServer_CounterBadgeURL(t *testing.T) {
	s := newMemoryServer(t, nil)

	rec := do(t, s, http.MethodGet, "/counter?project=p&label=page-views&color=%23ff0000&style=for-the-badge&base=41", "1.2.3.4")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, float64(42), body["count"])
	assert.Equal(t, float64(1), body["uniqueVisitors"])
	assert.Equal(t, "https://img.shields.io/badge/page--views-42-ff0000?style=for-the-badge", body["badgeUrl"])
}

func TestServer_CounterValidation(t *testing.T) {
	tests := []struct {
		name      string
		target    string
		wantParam string
	}{
		{name: "missing project", target: "/counter", wantParam: "project"},
		{name: "blank project", target: "/counter?project=%20%20", wantParam: "project"},
		{name: "unknown style", target: "/counter?project=p&style=round", wantParam: "style"},
		{name: "bad color", target: "/counter?project=p&color=notacolor", wantParam: "color"},
		{name: "long label", target: "/counter?project=p&label=" + strings.Repeat("x", 65), wantParam: "label"},
	}

	s := newMemoryServer(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodGet, tt.target, "")
			require.Equal(t, http.StatusBadRequest, rec.Code)

			body := decode(t, rec)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, "validation_error", errorField(t, body, "type"))

			errs, ok := errorField(t, body, "errors").([]any)
			require.True(t, ok)
			require.NotEmpty(t, errs)
			assert.Equal(t, tt.wantParam, errs[0].(map[string]any)["param"])
		})
	}
}

func TestServer_CounterInvalidBase(t *testing.T) {
	s := newMemoryServer(t, nil)

	rec := do(t, s, http.MethodGet, "/counter?project=p&base=lots", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "base", errorField(t, decode(t, rec), "param"))
}

func TestServer_CounterBaseBounds(t *testing.T) {
	maxBase := strconv.FormatInt(store.MaxBase, 10)

	tests := []struct {
		name      string
		base      string
		wantCount float64
	}{
		{name: "negative base starts at zero", base: "-5", wantCount: 1},
		{name: "zero base", base: "0", wantCount: 1},
		{name: "base at the maximum", base: maxBase, wantCount: float64(store.MaxBase + 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newMemoryServer(t, nil)

			rec := do(t, s, http.MethodGet, "/counter?project=p&base="+tt.base, "1.2.3.4")
			require.Equal(t, http.StatusOK, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, tt.wantCount, body["count"])
			assert.GreaterOrEqual(t, body["count"].(float64), float64(0))

			rec = do(t, s, http.MethodGet, "/counter?project=p&base="+tt.base, "5.6.7.8")
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.wantCount+1, decode(t, rec)["count"], "count keeps increasing")
		})
	}
}

func TestServer_CounterBaseAboveMaximum(t *testing.T) {
	for _, base := range []string{
		strconv.FormatInt(store.MaxBase+1, 10),
		"9223372036854775807",
	} {
		t.Run(base, func(t *testing.T) {
			s := newMemoryServer(t, nil)

			rec := do(t, s, http.MethodGet, "/counter?project=p&base="+base, "")
			require.Equal(t, http.StatusBadRequest, rec.Code)

			errs, ok := errorField(t, decode(t, rec), "errors").([]any)
			require.True(t, ok)
			require.Len(t, errs, 1)
			fe := errs[0].(map[string]any)
			assert.Equal(t, "base", fe["param"])
			assert.Equal(t, "max", fe["code"])
			assert.Equal(t, "base must be at most "+strconv.FormatInt(store.MaxBase, 10), fe["message"])

			rec = do(t, s, http.MethodGet, "/count/p", "")
			assert.Equal(t, float64(0), decode(t, rec)["count"], "rejected request must not create the project")
		})
	}
}

func TestServer_CounterBaseIgnoredAfterCreation(t *testing.T) {
	s := newMemoryServer(t, nil)

	rec := do(t, s, http.MethodGet, "/counter?project=p&base=100", "1.1.1.1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(101), decode(t, rec)["count"])

	rec = do(t, s, http.MethodGet, "/counter?project=p&base=-5", "2.2.2.2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(102), decode(t, rec)["count"])
}

func TestServer_ValidationMessages(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{target: "/counter?project=p&style=round", want: "style must be one of: flat flat-square plastic for-the-badge social"},
		{target: "/counter?project=p&logoColor=nope", want: "logoColor must be a colour name or a 3 or 6 digit hex code"},
		{target: "/counter?project=p&label=" + strings.Repeat("x", 65), want: "label must be at most 64"},
	}

	s := newMemoryServer(t, nil)
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			rec := do(t, s, http.MethodGet, tt.target, "")
			require.Equal(t, http.StatusBadRequest, rec.Code)

			errs, ok := errorField(t, decode(t, rec), "errors").([]any)
			require.True(t, ok)
			require.NotEmpty(t, errs)
			assert.Equal(t, tt.want, errs[0].(map[string]any)["message"])
		})
	}
}

func TestServer_CounterStoreFailure(t *testing.T) {
	s := newTestServer(t, brokenStore{}, nil)

	rec := do(t, s, http.MethodGet, "/counter?project=p", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "Internal server error", errorField(t, body, "message"))
	assert.NotContains(t, rec.Body.String(), errStoreDown.Error())
}

func TestServer_Badge(t *testing.T) {
	s := newMemoryServer(t, nil)

	rec := do(t, s, http.MethodGet, "/badge?project=site-a", "1.2.3.4")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://img.shields.io/badge/visitors-1-0e75b6?style=flat", rec.Header().Get("Location"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "no-cache")

	rec = do(t, s, http.MethodGet, "/count/site-a", "")
	assert.Equal(t, float64(1), decode(t, rec)["count"])
}

func TestServer_BadgeDegraded(t *testing.T) {
	s := newTestServer(t, brokenStore{}, nil)

	rec := do(t, s, http.MethodGet, "/badge?project=p&base=7", "")
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://img.shields.io/badge/visitors-7-0e75b6?style=flat", rec.Header().Get("Location"))
}

func TestServer_BadgeRequiresProject(t *testing.T) {
	s := newMemoryServer(t, nil)

	rec := do(t, s, http.MethodGet, "/badge", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, rec.Header().Get("Location"))
}

func TestServer_CountValidation(t *testing.T) {
	s := newMemoryServer(t, nil)

	rec := do(t, s, http.MethodGet, "/count/"+strings.Repeat("p", 257), "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", errorField(t, decode(t, rec), "type"))
}

func TestServer_ResetUnknownProject(t *testing.T) {
	s := newMemoryServer(t, nil)

	rec := do(t, s, http.MethodPost, "/reset/never-seen", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["success"])
}

func TestServer_Stats(t *testing.T) {
	s := newMemoryServer(t, nil)

	do(t, s, http.MethodGet, "/counter?project=a", "1.1.1.1")
	do(t, s, http.MethodGet, "/counter?project=a", "2.2.2.2")
	do(t, s, http.MethodGet, "/counter?project=b&base=10", "1.1.1.1")

	rec := do(t, s, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Success       bool                       `json:"success"`
		TotalProjects int                        `json:"totalProjects"`
		Projects      map[string]store.Aggregate `json:"projects"`
		Timestamp     time.Time                  `json:"timestamp"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))

	assert.True(t, body.Success)
	assert.Equal(t, 2, body.TotalProjects)
	assert.Equal(t, map[string]store.Aggregate{
		"a": {Count: 2, UniqueVisitors: 2},
		"b": {Count: 11, UniqueVisitors: 1},
	}, body.Projects)
	assert.True(t, fixedNow.Equal(body.Timestamp))
}

func TestServer_Health(t *testing.T) {
	s := newMemoryServer(t, nil)
	do(t, s, http.MethodGet, "/counter?project=a", "1.1.1.1")

	rec := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, statusHealthy, body.Status)
	assert.Equal(t, 1, body.Projects)
	assert.GreaterOrEqual(t, body.Uptime, 0.0)
	assert.NotZero(t, body.Memory.HeapAlloc)
}

func TestServer_HealthStoreDown(t *testing.T) {
	s := newTestServer(t, brokenStore{}, nil)

	rec := do(t, s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, statusDegraded, decode(t, rec)["status"])
}

func TestServer_RateLimit(t *testing.T) {
	s := newMemoryServer(t, func(c *config.Config) {
		c.RateLimit.Limit = 2
	})

	for i := 0; i < 2; i++ {
		rec := do(t, s, http.MethodGet, "/counter?project=p", "9.9.9.9")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get("RateLimit-Limit"))
	}

	rec := do(t, s, http.MethodGet, "/counter?project=p", "9.9.9.9")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "Too many requests. Please try again later.", errorField(t, decode(t, rec), "message"))

	rec = do(t, s, http.MethodGet, "/counter?project=p", "8.8.8.8")
	assert.Equal(t, http.StatusOK, rec.Code, "other clients keep their own budget")

	rec = do(t, s, http.MethodGet, "/health", "9.9.9.9")
	assert.Equal(t, http.StatusOK, rec.Code, "health is not rate limited")

	rec = do(t, s, http.MethodGet, "/metrics", "9.9.9.9")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "badgecount_http_rate_limited_total 1")
}

func TestServer_RateLimitDisabled(t *testing.T) {
	s := newMemoryServer(t, func(c *config.Config) {
		c.RateLimit.Enabled = false
		c.RateLimit.Limit = 1
	})

	for i := 0; i < 3; i++ {
		rec := do(t, s, http.MethodGet, "/counter?project=p", "9.9.9.9")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("RateLimit-Limit"))
	}
}

func TestServer_UntrustedProxyHeaders(t *testing.T) {
	s := newMemoryServer(t, func(c *config.Config) {
		c.Server.TrustProxyHeaders = false
		c.RateLimit.Limit = 2
	})

	// httptest requests all come from the same RemoteAddr.
	rec := do(t, s, http.MethodGet, "/counter?project=p", "1.1.1.1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["isNewVisitor"])

	rec = do(t, s, http.MethodGet, "/counter?project=p", "2.2.2.2")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["isNewVisitor"], "forwarded header must not create a new visitor")
	assert.Equal(t, float64(1), body["count"])

	rec = do(t, s, http.MethodGet, "/counter?project=p", "3.3.3.3")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code, "forwarded header must not reset the rate limit budget")
}

func TestServer_TrustedProxyHeaders(t *testing.T) {
	s := newMemoryServer(t, nil)

	do(t, s, http.MethodGet, "/counter?project=p", "1.1.1.1")
	rec := do(t, s, http.MethodGet, "/counter?project=p", "2.2.2.2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["isNewVisitor"])
}

func TestServer_RateLimitHeaderModes(t *testing.T) {
	tests := []struct {
		mode        string
		wantOK      bool
		wantLimited bool
	}{
		{mode: "always", wantOK: true, wantLimited: true},
		{mode: "exceeded", wantOK: false, wantLimited: true},
		{mode: "never", wantOK: false, wantLimited: false},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			s := newMemoryServer(t, func(c *config.Config) {
				c.RateLimit.Limit = 1
				c.RateLimit.Headers = tt.mode
			})

			rec := do(t, s, http.MethodGet, "/counter?project=p", "9.9.9.9")
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.wantOK, rec.Header().Get("RateLimit-Limit") != "")

			rec = do(t, s, http.MethodGet, "/counter?project=p", "9.9.9.9")
			require.Equal(t, http.StatusTooManyRequests, rec.Code)
			assert.Equal(t, tt.wantLimited, rec.Header().Get("RateLimit-Limit") != "")
			assert.Equal(t, tt.wantLimited, rec.Header().Get("Retry-After") != "")
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	s := newMemoryServer(t, nil)

	do(t, s, http.MethodGet, "/counter?project=p", "1.1.1.1")
	do(t, s, http.MethodGet, "/counter?project=p", "1.1.1.1")
	do(t, s, http.MethodPost, "/reset/p", "")

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	out := rec.Body.String()
	assert.Contains(t, out, `badgecount_visits_total{result="new"} 1`)
	assert.Contains(t, out, `badgecount_visits_total{result="repeat"} 1`)
	assert.Contains(t, out, "badgecount_resets_total 1")
	assert.Contains(t, out, `badgecount_http_request_duration_seconds_count{route="/counter",status="200"} 2`)
	assert.Contains(t, out, `badgecount_http_request_duration_seconds_count{route="/reset/{project}",status="200"} 1`)
}

func TestServer_MetricsDisabled(t *testing.T) {
	s := newMemoryServer(t, func(c *config.Config) {
		c.Metrics.Enabled = false
	})

	rec := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_RoutingErrors(t *testing.T) {
	s := newMemoryServer(t, nil)

	rec := do(t, s, http.MethodGet, "/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", errorField(t, decode(t, rec), "type"))

	rec = do(t, s, http.MethodGet, "/reset/p", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "method_not_allowed", errorField(t, decode(t, rec), "code"))
}

func TestServer_Headers(t *testing.T) {
	s := newMemoryServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestServer_CORSRestricted(t *testing.T) {
	s := newMemoryServer(t, func(c *config.Config) {
		c.CORS.AllowedOrigins = []string{"https://allowed.example.com"}
	})

	req := httptest.NewRequest(http.MethodGet, "/health", http.NoBody)
	req.Header.Set("Origin", "https://other.example.com")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_Serve(t *testing.T) {
	s := newMemoryServer(t, func(c *config.Config) {
		c.Server.ShutdownTimeout = time.Second
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/health")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestServer_RunListenError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	s := newMemoryServer(t, func(c *config.Config) {
		c.Server.Host = "127.0.0.1"
		c.Server.Port = port
	})

	err = s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen on")
}
