package store

import "sync"

// projectAggregate is the mutable record behind an Aggregate snapshot.
// mu serialises record steps for one project.
type projectAggregate struct {
	mu       sync.Mutex
	count    int64
	visitors map[string]struct{}
	removed  bool
}

func (a *projectAggregate) snapshot() Aggregate {
	return Aggregate{
		Count:          a.count,
		UniqueVisitors: int64(len(a.visitors)),
	}
}

// AggregateTable maps project names to their running counters.
//
// Lock order is table lock first, then a project's lock. Callers that hold a
// project lock never take the table lock.
type AggregateTable struct {
	mu       sync.RWMutex
	projects map[string]*projectAggregate
}

// NewAggregateTable creates an empty aggregate table.
func NewAggregateTable() *AggregateTable {
	return &AggregateTable{
		projects: make(map[string]*projectAggregate),
	}
}

// Get returns a snapshot of the project's aggregate.
func (t *AggregateTable) Get(project string) (Aggregate, bool) {
	t.mu.RLock()
	agg, ok := t.projects[project]
	t.mu.RUnlock()
	if !ok {
		return Aggregate{}, false
	}

	agg.mu.Lock()
	defer agg.mu.Unlock()
	if agg.removed {
		return Aggregate{}, false
	}
	return agg.snapshot(), true
}

// GetOrCreate returns a snapshot of the project's aggregate, creating it with
// count=base if it does not exist. base is ignored for existing projects.
func (t *AggregateTable) GetOrCreate(project string, base int64) Aggregate {
	agg := t.resolve(project, base)

	agg.mu.Lock()
	defer agg.mu.Unlock()
	return agg.snapshot()
}

// Len returns the number of projects.
func (t *AggregateTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.projects)
}

// Snapshot returns a copy of every project's aggregate.
func (t *AggregateTable) Snapshot() map[string]Aggregate {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]Aggregate, len(t.projects))
	for name, agg := range t.projects {
		agg.mu.Lock()
		out[name] = agg.snapshot()
		agg.mu.Unlock()
	}
	return out
}

// resolve returns the live record for project, creating it if needed.
func (t *AggregateTable) resolve(project string, base int64) *projectAggregate {
	t.mu.RLock()
	agg, ok := t.projects[project]
	t.mu.RUnlock()
	if ok {
		return agg
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if agg, ok := t.projects[project]; ok {
		return agg
	}
	agg = &projectAggregate{
		count:    ClampBase(base),
		visitors: make(map[string]struct{}),
	}
	t.projects[project] = agg
	return agg
}

// remove deletes the project while holding the table lock and, once any
// in-flight record step has finished, runs purge under the project lock.
// New record steps for the project block on the table lock until purge
// returns, so a reset is never interleaved with a visit.
func (t *AggregateTable) remove(project string, purge func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	agg, ok := t.projects[project]
	if !ok {
		purge()
		return
	}
	delete(t.projects, project)

	agg.mu.Lock()
	agg.removed = true
	purge()
	agg.mu.Unlock()
}
