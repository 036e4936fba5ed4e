package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := New(reg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	m.RecordVisit(true)
	m.RecordVisit(false)
	m.RecordVisit(false)
	m.RecordReset()
	m.RecordStoreError(OpRecordVisit)
	m.RecordDegradedBadge()
	m.RecordRateLimited()
	m.ObserveRequest("/counter", 200, 3*time.Millisecond)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{name: "new visits", got: testutil.ToFloat64(m.visits.WithLabelValues(VisitNew)), want: 1},
		{name: "repeat visits", got: testutil.ToFloat64(m.visits.WithLabelValues(VisitRepeat)), want: 2},
		{name: "resets", got: testutil.ToFloat64(m.resets), want: 1},
		{name: "store errors", got: testutil.ToFloat64(m.storeErrors.WithLabelValues(OpRecordVisit)), want: 1},
		{name: "degraded badges", got: testutil.ToFloat64(m.degradedBadges), want: 1},
		{name: "rate limited", got: testutil.ToFloat64(m.rateLimited), want: 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	if n := testutil.CollectAndCount(m.requestDuration); n != 1 {
		t.Errorf("request duration series = %d, want 1", n)
	}
}

func TestNew_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := New(reg); err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := New(reg); err == nil {
		t.Error("expected error registering the same metrics twice")
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordVisit(true)
	m.RecordReset()
	m.RecordStoreError(OpGet)
	m.RecordDegradedBadge()
	m.RecordRateLimited()
	m.ObserveRequest("/health", 200, time.Millisecond)
}

func TestNew_NilRegisterer(t *testing.T) {
	m, err := New(nil)
	if err != nil {
		t.Fatalf("New(nil) error = %v", err)
	}
	m.RecordVisit(true)
}
