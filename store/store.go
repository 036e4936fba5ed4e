// Package store holds the visitor counting tables: a per-visitor dedup table
// with expiring markers and a per-project aggregate table.
//
// Two backends implement Store. Memory keeps both tables in process and is
// the default. Redis keeps them in a shared Redis instance and performs the
// record step as a single Lua script, so several replicas can count against
// the same data.
package store

import (
	"context"
	"time"
)

// DefaultVisitorTTL is how long a visitor stays deduplicated after being counted.
const DefaultVisitorTTL = 24 * time.Hour

// MaxBase is the largest seed a new project accepts. Larger values are
// clamped so later increments cannot overflow the count.
const MaxBase int64 = 1_000_000_000_000

// ClampBase limits base to [0, MaxBase].
func ClampBase(base int64) int64 {
	return min(max(0, base), MaxBase)
}

// Aggregate is a point-in-time snapshot of a project's counters.
type Aggregate struct {
	Count          int64 `json:"count"`
	UniqueVisitors int64 `json:"uniqueVisitors"`
}

// Store defines the counting backend.
// Implementations must be safe for concurrent use.
type Store interface {
	// RecordVisit resolves or creates the project aggregate (seeded with base),
	// and counts identityHash if it has no live dedup marker. The check, the
	// marker write and the increment happen as one atomic step.
	RecordVisit(ctx context.Context, project, identityHash string, base int64) (agg Aggregate, isNewVisitor bool, err error)

	// Get returns the aggregate for project without side effects.
	// The bool is false if the project has never been counted (or was reset).
	Get(ctx context.Context, project string) (Aggregate, bool, error)

	// GetOrCreate returns the existing aggregate or creates one seeded with base.
	GetOrCreate(ctx context.Context, project string, base int64) (Aggregate, error)

	// Reset removes the project aggregate and all of its dedup markers.
	// Resetting an unknown project is a no-op.
	Reset(ctx context.Context, project string) error

	// Stats returns a snapshot of every known project.
	Stats(ctx context.Context) (map[string]Aggregate, error)

	// Len returns the number of known projects.
	Len(ctx context.Context) (int, error)

	// Close releases any resources held by the store.
	Close() error
}
