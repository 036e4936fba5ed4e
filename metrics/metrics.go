// Package metrics holds the Prometheus instruments of the badge service.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "badgecount"

// Label values for the visits counter.
const (
	VisitNew    = "new"
	VisitRepeat = "repeat"
)

// Store operation label values.
const (
	OpRecordVisit = "record_visit"
	OpGet         = "get"
	OpReset       = "reset"
	OpStats       = "stats"
)

// Metrics records counting, store and HTTP activity. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	visits          *prometheus.CounterVec
	resets          prometheus.Counter
	storeErrors     *prometheus.CounterVec
	degradedBadges  prometheus.Counter
	rateLimited     prometheus.Counter
	requestDuration *prometheus.HistogramVec
}

// New creates the instruments and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		visits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "visits_total",
			Help:      "Counter requests by whether the visitor was counted.",
		}, []string{"result"}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resets_total",
			Help:      "Project resets.",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Failed store operations.",
		}, []string{"op"}),
		degradedBadges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_badges_total",
			Help:      "Badges served from the caller's base count after a store failure.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route and status.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"route", "status"}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.visits, m.resets, m.storeErrors, m.degradedBadges, m.rateLimited, m.requestDuration,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

// RecordVisit counts a counter request.
func (m *Metrics) RecordVisit(isNew bool) {
	if m == nil {
		return
	}
	result := VisitRepeat
	if isNew {
		result = VisitNew
	}
	m.visits.WithLabelValues(result).Inc()
}

// RecordReset counts a project reset.
func (m *Metrics) RecordReset() {
	if m == nil {
		return
	}
	m.resets.Inc()
}

// RecordStoreError counts a failed store operation.
func (m *Metrics) RecordStoreError(op string) {
	if m == nil {
		return
	}
	m.storeErrors.WithLabelValues(op).Inc()
}

// RecordDegradedBadge counts a badge served without a store update.
func (m *Metrics) RecordDegradedBadge() {
	if m == nil {
		return
	}
	m.degradedBadges.Inc()
}

// RecordRateLimited counts a rejected request.
func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// ObserveRequest records the latency of a finished request.
func (m *Metrics) ObserveRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(d.Seconds())
}
