// Package counter is the counting service: it hashes visitor identities,
// records visits in a store and formats the resulting badge URL.
//
// A Service is constructed once at startup and shared by all handlers:
//
//	st := store.NewMemory()
//	defer st.Close()
//
//	svc := counter.New(st,
//	    counter.WithBadgeBuilder(badge.New(cfg.Badge.BaseURL)),
//	    counter.WithMetrics(m),
//	)
//	res, err := svc.Visit(ctx, counter.VisitRequest{Project: "site-a", Identity: ip})
package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nhalm/badgecount/badge"
	"github.com/nhalm/badgecount/identity"
	"github.com/nhalm/badgecount/metrics"
	"github.com/nhalm/badgecount/store"
)

// ErrProjectRequired is returned when a request names no project.
var ErrProjectRequired = errors.New("project parameter is required")

// Service owns the store and the badge builder for the lifetime of the process.
type Service struct {
	store   store.Store
	badges  *badge.Builder
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithBadgeBuilder sets the badge URL builder (default: shields.io).
func WithBadgeBuilder(b *badge.Builder) Option {
	return func(s *Service) {
		if b != nil {
			s.badges = b
		}
	}
}

// WithMetrics records service activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock overrides the clock used for response timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a Service backed by st. The caller keeps ownership of st and
// closes it on shutdown.
func New(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:  st,
		badges: badge.New(badge.DefaultBaseURL),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// VisitRequest describes one counter request. Identity is the raw visitor
// identity, usually the client IP; only its hash reaches the store.
type VisitRequest struct {
	Project   string
	Label     string
	Color     string
	Style     string
	Logo      string
	LogoColor string
	Base      int64
	Identity  string
}

func (r VisitRequest) badgeOptions() badge.Options {
	return badge.Options{
		Label:     r.Label,
		Color:     r.Color,
		Style:     r.Style,
		Logo:      r.Logo,
		LogoColor: r.LogoColor,
	}
}

// VisitResult is the outcome of Visit.
type VisitResult struct {
	Project        string    `json:"project"`
	Count          int64     `json:"count"`
	UniqueVisitors int64     `json:"uniqueVisitors"`
	BadgeURL       string    `json:"badgeUrl"`
	IsNewVisitor   bool      `json:"isNewVisitor"`
	Timestamp      time.Time `json:"timestamp"`
}

// CountResult is the outcome of Count.
type CountResult struct {
	Project        string `json:"project"`
	Count          int64  `json:"count"`
	UniqueVisitors int64  `json:"uniqueVisitors"`
}

// StatsResult is the outcome of Stats.
type StatsResult struct {
	TotalProjects int                        `json:"totalProjects"`
	Projects      map[string]store.Aggregate `json:"projects"`
	Timestamp     time.Time                  `json:"timestamp"`
}

// Visit counts the visitor for req.Project unless it was already counted
// within the visitor TTL, and returns the updated count with its badge URL.
func (s *Service) Visit(ctx context.Context, req VisitRequest) (*VisitResult, error) {
	if req.Project == "" {
		return nil, ErrProjectRequired
	}

	agg, isNew, err := s.store.RecordVisit(ctx, req.Project, identity.Hash(req.Identity), req.Base)
	if err != nil {
		s.metrics.RecordStoreError(metrics.OpRecordVisit)
		return nil, fmt.Errorf("record visit for %q: %w", req.Project, err)
	}
	s.metrics.RecordVisit(isNew)

	return &VisitResult{
		Project:        req.Project,
		Count:          agg.Count,
		UniqueVisitors: agg.UniqueVisitors,
		BadgeURL:       s.badges.URL(agg.Count, req.badgeOptions()),
		IsNewVisitor:   isNew,
		Timestamp:      s.now().UTC(),
	}, nil
}

// Badge behaves like Visit but returns only the badge URL. When the store
// fails the badge shows the caller's base count and degraded is true; the
// only error is ErrProjectRequired.
func (s *Service) Badge(ctx context.Context, req VisitRequest) (url string, degraded bool, err error) {
	res, err := s.Visit(ctx, req)
	if errors.Is(err, ErrProjectRequired) {
		return "", false, err
	}
	if err != nil {
		s.metrics.RecordDegradedBadge()
		return s.badges.URL(store.ClampBase(req.Base), req.badgeOptions()), true, nil
	}
	return res.BadgeURL, false, nil
}

// Count returns the project's counters without recording a visit. Unknown
// projects report zero.
func (s *Service) Count(ctx context.Context, project string) (*CountResult, error) {
	if project == "" {
		return nil, ErrProjectRequired
	}

	agg, _, err := s.store.Get(ctx, project)
	if err != nil {
		s.metrics.RecordStoreError(metrics.OpGet)
		return nil, fmt.Errorf("get %q: %w", project, err)
	}

	return &CountResult{
		Project:        project,
		Count:          agg.Count,
		UniqueVisitors: agg.UniqueVisitors,
	}, nil
}

// Reset clears the project's count and visitor markers. Resetting an unknown
// project is not an error.
func (s *Service) Reset(ctx context.Context, project string) error {
	if project == "" {
		return ErrProjectRequired
	}

	if err := s.store.Reset(ctx, project); err != nil {
		s.metrics.RecordStoreError(metrics.OpReset)
		return fmt.Errorf("reset %q: %w", project, err)
	}
	s.metrics.RecordReset()
	return nil
}

// Stats returns the counters of every project.
func (s *Service) Stats(ctx context.Context) (*StatsResult, error) {
	projects, err := s.store.Stats(ctx)
	if err != nil {
		s.metrics.RecordStoreError(metrics.OpStats)
		return nil, fmt.Errorf("stats: %w", err)
	}

	return &StatsResult{
		TotalProjects: len(projects),
		Projects:      projects,
		Timestamp:     s.now().UTC(),
	}, nil
}

// Projects returns the number of tracked projects.
func (s *Service) Projects(ctx context.Context) (int, error) {
	n, err := s.store.Len(ctx)
	if err != nil {
		s.metrics.RecordStoreError(metrics.OpStats)
		return 0, fmt.Errorf("count projects: %w", err)
	}
	return n, nil
}
