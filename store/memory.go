package store

import (
	"context"
	"math"
	"sync"
	"time"
)

// Memory is an in-memory implementation of Store.
//
// WARNING: counts live only in this process. They are lost on restart and are
// not shared between replicas. Use Redis when more than one instance serves
// the same projects.
//
// Record steps for one project are serialised by that project's lock, so
// visits to different projects never contend. Reset excludes visits to the
// project being reset for the whole clear.
type Memory struct {
	dedup      *DedupTable
	aggregates *AggregateTable

	sweepInterval time.Duration
	stopCh        chan struct{}
	closeOnce     sync.Once
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithVisitorTTL sets how long a counted visitor stays deduplicated (default: 24h).
func WithVisitorTTL(ttl time.Duration) MemoryOption {
	return func(m *Memory) {
		m.dedup = NewDedupTable(ttl)
	}
}

// WithSweepInterval sets how often expired dedup markers are removed (default: 1m).
// A non-positive interval disables the background sweeper; expiry is still
// honoured on every read.
func WithSweepInterval(interval time.Duration) MemoryOption {
	return func(m *Memory) {
		m.sweepInterval = interval
	}
}

// NewMemory creates an in-memory store and starts its sweeper goroutine.
//
// Important: call Close when done to stop the sweeper.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		dedup:         NewDedupTable(DefaultVisitorTTL),
		aggregates:    NewAggregateTable(),
		sweepInterval: time.Minute,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.sweepInterval > 0 {
		go m.sweep()
	}
	return m
}

// Dedup exposes the visitor dedup table.
func (m *Memory) Dedup() *DedupTable {
	return m.dedup
}

// RecordVisit counts identityHash for project unless it was already counted
// within the visitor TTL.
//
// Note: The context parameter is accepted for interface compatibility but is
// not used. In-memory operations complete immediately.
func (m *Memory) RecordVisit(_ context.Context, project, identityHash string, base int64) (Aggregate, bool, error) {
	for {
		agg := m.aggregates.resolve(project, base)

		agg.mu.Lock()
		if agg.removed {
			// Reset won the race for this record; resolve again.
			agg.mu.Unlock()
			continue
		}

		isNew := m.dedup.IsNew(project, identityHash)
		if isNew {
			m.dedup.MarkSeen(project, identityHash)
			if agg.count < math.MaxInt64 {
				agg.count++
			}
			agg.visitors[identityHash] = struct{}{}
		}
		snap := agg.snapshot()
		agg.mu.Unlock()

		return snap, isNew, nil
	}
}

// Get returns the aggregate for project. It never touches the dedup table.
func (m *Memory) Get(_ context.Context, project string) (Aggregate, bool, error) {
	agg, ok := m.aggregates.Get(project)
	return agg, ok, nil
}

// GetOrCreate returns the aggregate for project, seeding it with base if new.
func (m *Memory) GetOrCreate(_ context.Context, project string, base int64) (Aggregate, error) {
	return m.aggregates.GetOrCreate(project, base), nil
}

// Reset removes the project's aggregate and dedup markers.
func (m *Memory) Reset(_ context.Context, project string) error {
	m.aggregates.remove(project, func() {
		m.dedup.ResetProject(project)
	})
	return nil
}

// Stats returns a snapshot of every project.
func (m *Memory) Stats(_ context.Context) (map[string]Aggregate, error) {
	return m.aggregates.Snapshot(), nil
}

// Len returns the number of projects.
func (m *Memory) Len(_ context.Context) (int, error) {
	return m.aggregates.Len(), nil
}

// Close stops the sweeper goroutine. It is safe to call more than once.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCh)
	})
	return nil
}

func (m *Memory) sweep() {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.dedup.Sweep()
		case <-m.stopCh:
			return
		}
	}
}
