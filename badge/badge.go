// Package badge builds shields.io static badge URLs for visitor counts.
package badge

import (
	"net/url"
	"slices"
	"strconv"
	"strings"
)

// Defaults applied when Options leave a field empty.
const (
	DefaultBaseURL = "https://img.shields.io"
	DefaultLabel   = "visitors"
	DefaultColor   = "0e75b6"
	DefaultStyle   = "flat"
)

// styles lists the badge styles the provider renders.
var styles = []string{"flat", "flat-square", "plastic", "for-the-badge", "social"}

// namedColors are the colour names shields.io accepts besides hex values.
var namedColors = map[string]struct{}{
	"brightgreen":   {},
	"green":         {},
	"yellowgreen":   {},
	"yellow":        {},
	"orange":        {},
	"red":           {},
	"blue":          {},
	"lightgrey":     {},
	"lightgray":     {},
	"grey":          {},
	"gray":          {},
	"blueviolet":    {},
	"success":       {},
	"important":     {},
	"critical":      {},
	"informational": {},
	"inactive":      {},
}

// Options controls badge appearance.
type Options struct {
	Label     string
	Color     string
	Style     string
	Logo      string
	LogoColor string
}

// Builder creates badge URLs against a configurable provider.
type Builder struct {
	baseURL string
}

// New creates a Builder for baseURL. An empty baseURL uses DefaultBaseURL.
func New(baseURL string) *Builder {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Builder{baseURL: baseURL}
}

// URL returns <base>/badge/<label>-<count>-<color>?style=<style>, followed by
// logo and logoColor parameters when set.
func (b *Builder) URL(count int64, opts Options) string {
	opts = opts.withDefaults()

	var sb strings.Builder
	sb.WriteString(b.baseURL)
	sb.WriteString("/badge/")
	sb.WriteString(EscapeLabel(opts.Label))
	sb.WriteByte('-')
	sb.WriteString(strconv.FormatInt(count, 10))
	sb.WriteByte('-')
	sb.WriteString(url.PathEscape(strings.TrimPrefix(opts.Color, "#")))
	sb.WriteString("?style=")
	sb.WriteString(url.QueryEscape(opts.Style))

	if opts.Logo != "" {
		sb.WriteString("&logo=")
		sb.WriteString(url.QueryEscape(opts.Logo))
		if opts.LogoColor != "" {
			sb.WriteString("&logoColor=")
			sb.WriteString(url.QueryEscape(strings.TrimPrefix(opts.LogoColor, "#")))
		}
	}
	return sb.String()
}

// EscapeLabel encodes label as a single path segment. Dashes and underscores
// are doubled because shields.io treats single ones as separators and spaces.
func EscapeLabel(label string) string {
	label = strings.ReplaceAll(label, "-", "--")
	label = strings.ReplaceAll(label, "_", "__")
	return url.PathEscape(label)
}

// Styles returns the supported badge styles.
func Styles() []string {
	return slices.Clone(styles)
}

// ValidStyle reports whether style is one of Styles.
func ValidStyle(style string) bool {
	return slices.Contains(styles, style)
}

// ValidColor reports whether color is a 3 or 6 digit hex value (with or
// without a leading '#') or a colour name known to shields.io.
func ValidColor(color string) bool {
	if _, ok := namedColors[strings.ToLower(color)]; ok {
		return true
	}
	hex := strings.TrimPrefix(color, "#")
	if len(hex) != 3 && len(hex) != 6 {
		return false
	}
	for i := 0; i < len(hex); i++ {
		c := hex[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F') {
			return false
		}
	}
	return true
}

func (o Options) withDefaults() Options {
	if o.Label == "" {
		o.Label = DefaultLabel
	}
	if o.Color == "" {
		o.Color = DefaultColor
	}
	if o.Style == "" {
		o.Style = DefaultStyle
	}
	return o
}
