// Package wrapper holds per-request response state for the badge service.
//
// Handlers and middleware record their outcome in the request context with
// SetResponse, SetError, SetHeader or SetRedirect instead of writing to the
// ResponseWriter. The outermost wrapper middleware writes the final response
// once the chain returns, so errors raised anywhere in the chain (rate limit,
// validation, store failures, panics) share one JSON shape:
//
//	{"success": false, "error": {"type": "...", "code": "...", "message": "..."}}
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(wrapper.New(
//	    wrapper.WithCanonlog(),
//	    wrapper.WithRequestID(),
//	    wrapper.WithSLOs(),
//	))
//
//	r.With(slo.Track(slo.Visit)).Get("/counter", func(w http.ResponseWriter, r *http.Request) {
//	    res, err := svc.Visit(r.Context(), req)
//	    if err != nil {
//	        wrapper.SetError(r, wrapper.ErrInternal)
//	        return
//	    }
//	    wrapper.SetResponse(r, http.StatusOK, res)
//	})
package wrapper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nhalm/canonlog"

	"github.com/nhalm/badgecount/slo"
)

type contextKey string

const stateKey contextKey = "wrapper_state"

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// State holds the response state for a request.
type State struct {
	mu      sync.Mutex
	err     *Error
	status  int
	body    any
	headers http.Header
}

// Error is a structured API error.
type Error struct {
	Type    string       `json:"type"`
	Code    string       `json:"code,omitempty"`
	Message string       `json:"message"`
	Param   string       `json:"param,omitempty"`
	Errors  []FieldError `json:"errors,omitempty"`
	Status  int          `json:"-"`
}

// FieldError describes one invalid query parameter.
type FieldError struct {
	Param   string `json:"param"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   *Error `json:"error"`
}

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is matches errors with the same Type and Code.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// With returns a copy of the error with a custom message.
func (e *Error) With(message string) *Error {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Message = message
	return &dup
}

// WithParam returns a copy of the error with a custom message and parameter.
func (e *Error) WithParam(message, param string) *Error {
	if e == nil {
		return nil
	}
	dup := *e
	dup.Message = message
	dup.Param = param
	return &dup
}

// Sentinel errors.
var (
	ErrBadRequest       = &Error{Type: "request_error", Code: "bad_request", Message: "Bad request", Status: http.StatusBadRequest}
	ErrNotFound         = &Error{Type: "not_found", Code: "resource_not_found", Message: "Resource not found", Status: http.StatusNotFound}
	ErrMethodNotAllowed = &Error{Type: "request_error", Code: "method_not_allowed", Message: "Method not allowed", Status: http.StatusMethodNotAllowed}
	ErrRateLimited      = &Error{Type: "rate_limit_error", Code: "limit_exceeded", Message: "Too many requests. Please try again later.", Status: http.StatusTooManyRequests}
	ErrInternal         = &Error{Type: "internal_error", Code: "internal", Message: "Internal server error", Status: http.StatusInternalServerError}
)

// NewValidationError creates a 400 error carrying per-parameter errors.
func NewValidationError(errors []FieldError) *Error {
	return &Error{
		Type:    "validation_error",
		Code:    "invalid_request",
		Message: "Validation failed",
		Errors:  errors,
		Status:  http.StatusBadRequest,
	}
}

// SetError sets an error response in the request context.
// Without wrapper middleware this is a no-op.
func SetError(r *http.Request, err *Error) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.err = err
}

// SetResponse sets a success response in the request context.
// Without wrapper middleware this is a no-op.
func SetResponse(r *http.Request, status int, body any) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.status = status
	state.body = body
}

// SetRedirect answers with 302 Found pointing at location.
func SetRedirect(r *http.Request, location string) {
	SetHeader(r, "Location", location)
	SetResponse(r, http.StatusFound, nil)
}

// SetHeader sets a response header in the request context.
func SetHeader(r *http.Request, key, value string) {
	state := getState(r.Context())
	if state == nil {
		return
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.headers == nil {
		state.headers = make(http.Header)
	}
	state.headers.Set(key, value)
}

// LogField adds a field to the request's canonical log line when canonical
// logging is enabled.
func LogField(r *http.Request, key string, value any) {
	if _, ok := canonlog.TryGetLogger(r.Context()); !ok {
		return
	}
	canonlog.InfoAdd(r.Context(), key, value)
}

// LogError records err on the request's canonical log line when canonical
// logging is enabled. Use it for detail that must not reach the client.
func LogError(r *http.Request, err error) {
	if _, ok := canonlog.TryGetLogger(r.Context()); !ok {
		return
	}
	canonlog.ErrorAdd(r.Context(), err)
}

// HasState returns true if wrapper state exists in the context.
func HasState(ctx context.Context) bool {
	return getState(ctx) != nil
}

func getState(ctx context.Context) *State {
	state, _ := ctx.Value(stateKey).(*State)
	return state
}

// NotFound is a chi NotFound handler that answers with ErrNotFound.
func NotFound(_ http.ResponseWriter, r *http.Request) {
	SetError(r, ErrNotFound)
}

// MethodNotAllowed is a chi MethodNotAllowed handler.
func MethodNotAllowed(_ http.ResponseWriter, r *http.Request) {
	SetError(r, ErrMethodNotAllowed)
}

// Observer receives the route pattern, final status and duration of every
// request.
type Observer func(route string, status int, d time.Duration)

// Option configures the wrapper middleware.
type Option func(*config)

type config struct {
	canonlog       bool
	canonlogFields func(*http.Request) map[string]any
	slosEnabled    bool
	requestID      bool
	observer       Observer
}

// WithCanonlog enables one canonical log line per request with method, path,
// route, status and duration_ms. Errors set via SetError are logged.
func WithCanonlog() Option {
	return func(c *config) {
		c.canonlog = true
	}
}

// WithCanonlogFields adds fields computed at request start to the log line.
func WithCanonlogFields(fn func(*http.Request) map[string]any) Option {
	return func(c *config) {
		c.canonlogFields = fn
	}
}

// WithSLOs logs slo_class and slo_status (PASS or FAIL) for routes tracked
// with slo.Track. Requires WithCanonlog.
func WithSLOs() Option {
	return func(c *config) {
		c.slosEnabled = true
	}
}

// WithRequestID propagates X-Request-ID, generating a UUID when the client
// sent none, and echoes it on the response and the log line.
func WithRequestID() Option {
	return func(c *config) {
		c.requestID = true
	}
}

// WithObserver calls fn after every request, e.g. to feed a latency histogram.
func WithObserver(fn Observer) Option {
	return func(c *config) {
		c.observer = fn
	}
}

// New returns middleware that manages response state and writes responses.
// It must be the outermost middleware.
func New(opts ...Option) func(http.Handler) http.Handler {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			state := &State{}
			ctx := context.WithValue(r.Context(), stateKey, state)

			var requestID string
			if cfg.requestID {
				requestID = r.Header.Get(RequestIDHeader)
				if requestID == "" || len(requestID) > 128 {
					requestID = uuid.NewString()
				}
				state.headers = http.Header{RequestIDHeader: []string{requestID}}
			}

			if cfg.canonlog {
				ctx = canonlog.NewContext(ctx)
				canonlog.InfoAddMany(ctx, map[string]any{
					"method": r.Method,
					"path":   r.URL.Path,
				})
				if requestID != "" {
					canonlog.InfoAdd(ctx, "request_id", requestID)
				}
				if cfg.canonlogFields != nil {
					canonlog.InfoAddMany(ctx, cfg.canonlogFields(r))
				}
			}

			r = r.WithContext(ctx)

			defer func() {
				if rec := recover(); rec != nil {
					state.mu.Lock()
					state.err = ErrInternal
					state.mu.Unlock()

					if cfg.canonlog {
						canonlog.ErrorAdd(ctx, fmt.Errorf("panic: %v", rec))
					}
				}

				if cfg.canonlog || cfg.observer != nil {
					finish(ctx, r, cfg, state, time.Since(start))
				}

				writeResponse(w, state)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func finish(ctx context.Context, r *http.Request, cfg *config, state *State, duration time.Duration) {
	state.mu.Lock()
	status := state.status
	if status == 0 {
		status = http.StatusOK
	}
	stateErr := state.err
	if stateErr != nil {
		status = stateErr.Status
	}
	state.mu.Unlock()

	route := r.URL.Path
	if rctx := chi.RouteContext(ctx); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			route = pattern
		}
	}

	if cfg.observer != nil {
		cfg.observer(route, status, duration)
	}

	if !cfg.canonlog {
		return
	}

	if stateErr != nil {
		canonlog.ErrorAdd(ctx, stateErr)
	}
	canonlog.InfoAddMany(ctx, map[string]any{
		"route":       route,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})

	if cfg.slosEnabled {
		if tier, target, ok := slo.GetTier(ctx); ok {
			sloStatus := "PASS"
			if duration > target {
				sloStatus = "FAIL"
			}
			canonlog.InfoAdd(ctx, "slo_class", string(tier))
			canonlog.InfoAdd(ctx, "slo_status", sloStatus)
		}
	}

	canonlog.Flush(ctx)
}

func writeResponse(w http.ResponseWriter, state *State) {
	state.mu.Lock()
	defer state.mu.Unlock()

	for key, values := range state.headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	if state.err != nil {
		writeJSON(w, state.err.Status, errorResponse{Success: false, Error: state.err})
		return
	}

	if state.body != nil {
		writeJSON(w, state.status, state.body)
		return
	}

	if state.status != 0 {
		w.WriteHeader(state.status)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(v); err != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal server error"))
		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
