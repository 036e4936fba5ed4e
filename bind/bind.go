// Package bind decodes and validates query strings and path parameters with
// go-playground/validator/v10.
//
// Failures are reported through the wrapper response state as a 400
// validation_error listing every offending parameter:
//
//	var q CounterQuery
//	if !bind.Query(r, &q) {
//	    return
//	}
//
// Domain tags are added at startup with RegisterValidation; their messages come
// from a formatter passed to New with WithFormatter.
package bind

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/nhalm/badgecount/wrapper"
)

type contextKey string

const configKey contextKey = "bind_config"

var (
	validate      *validator.Validate
	validateMu    sync.RWMutex
	defaultConfig = &config{formatter: DefaultFormatter}
)

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		if name := strings.SplitN(fld.Tag.Get("query"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		if name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]; name != "" && name != "-" {
			return name
		}
		return fld.Name
	})
}

// MessageFormatter builds the message for one failed tag. param is the tag
// parameter, e.g. "256" for "max=256".
type MessageFormatter func(field, tag, param string) string

type config struct {
	formatter MessageFormatter
}

// Option configures the bind middleware.
type Option func(*config)

// WithFormatter replaces the default validation messages.
func WithFormatter(fn MessageFormatter) Option {
	return func(c *config) {
		c.formatter = fn
	}
}

// New returns middleware that makes the options available to Query and Param.
func New(opts ...Option) func(http.Handler) http.Handler {
	cfg := &config{formatter: DefaultFormatter}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), configKey, cfg)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getConfig(ctx context.Context) *config {
	if cfg, ok := ctx.Value(configKey).(*config); ok {
		return cfg
	}
	return defaultConfig
}

// DefaultFormatter names the field and the failed rule, e.g.
// "label must be at most 64".
func DefaultFormatter(field, tag, param string) string {
	switch tag {
	case "required":
		return field + " is required"
	case "min":
		return field + " must be at least " + param
	case "max":
		return field + " must be at most " + param
	case "oneof":
		return field + " must be one of: " + param
	default:
		if param != "" {
			return field + " failed " + tag + "=" + param
		}
		return field + " failed " + tag
	}
}

// Query decodes query parameters into dest (fields tagged `query:"name"`)
// and validates it. It returns false after setting the error response when
// decoding or validation fails.
func Query(r *http.Request, dest any) bool {
	ctx := r.Context()

	if err := decodeQuery(r, dest); err != nil {
		var qe *queryError
		if errors.As(err, &qe) {
			wrapper.SetError(r, wrapper.ErrBadRequest.WithParam("Invalid value for "+qe.name, qe.name))
		} else {
			wrapper.SetError(r, wrapper.ErrBadRequest.With("Invalid query parameters"))
		}
		return false
	}

	validateMu.RLock()
	err := validate.Struct(dest)
	validateMu.RUnlock()

	if err != nil {
		wrapper.SetError(r, wrapper.NewValidationError(translateErrors(err, getConfig(ctx).formatter, "")))
		return false
	}

	return true
}

// Param returns the chi URL parameter name after validating it against tag.
func Param(r *http.Request, name, tag string) (string, bool) {
	value := chi.URLParam(r, name)

	validateMu.RLock()
	err := validate.Var(value, tag)
	validateMu.RUnlock()

	if err != nil {
		fields := translateErrors(err, getConfig(r.Context()).formatter, name)
		wrapper.SetError(r, wrapper.NewValidationError(fields))
		return "", false
	}
	return value, true
}

// RegisterValidation registers a custom validation tag. Call it at startup
// before serving requests.
func RegisterValidation(tag string, fn validator.Func) error {
	validateMu.Lock()
	defer validateMu.Unlock()
	return validate.RegisterValidation(tag, fn)
}

// translateErrors converts validator errors. A non-empty field overrides the
// reported field name, which validate.Var leaves empty.
func translateErrors(err error, formatter MessageFormatter, field string) []wrapper.FieldError {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return []wrapper.FieldError{{
			Param:   field,
			Code:    "validation",
			Message: err.Error(),
		}}
	}
	result := make([]wrapper.FieldError, len(errs))
	for i, e := range errs {
		name := field
		if name == "" {
			name = e.Field()
		}
		result[i] = wrapper.FieldError{
			Param:   name,
			Code:    e.Tag(),
			Message: formatter(name, e.Tag(), e.Param()),
		}
	}
	return result
}

type queryError struct {
	name string
	err  error
}

func (e *queryError) Error() string {
	return fmt.Sprintf("invalid value for %s: %v", e.name, e.err)
}

func (e *queryError) Unwrap() error {
	return e.err
}

func decodeQuery(r *http.Request, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("dest must be non-nil pointer to struct")
	}
	v := rv.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("dest must be pointer to struct, got pointer to %s", v.Kind())
	}
	t := v.Type()

	query := r.URL.Query()

	for i := range t.NumField() {
		tag := t.Field(i).Tag.Get("query")
		if tag == "" || tag == "-" {
			continue
		}

		fieldVal := v.Field(i)
		if !fieldVal.CanSet() {
			continue
		}

		name := strings.SplitN(tag, ",", 2)[0]
		value := strings.TrimSpace(query.Get(name))
		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return &queryError{name: name, err: err}
		}
	}

	return nil
}

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, field.Type().Bits())
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported type: %s", field.Kind())
	}
	return nil
}
