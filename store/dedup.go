package store

import (
	"sync"
	"time"
)

// DedupTable tracks which visitors have already been counted for a project.
// Each (project, identity hash) pair maps to the instant its marker expires.
//
// Expiry is lazy: a marker whose expiry has passed is treated as absent by
// every read, whether or not Sweep has removed it yet.
type DedupTable struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]map[string]time.Time
}

// NewDedupTable creates a dedup table whose markers live for ttl.
// A non-positive ttl falls back to DefaultVisitorTTL.
func NewDedupTable(ttl time.Duration) *DedupTable {
	if ttl <= 0 {
		ttl = DefaultVisitorTTL
	}
	return &DedupTable{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]map[string]time.Time),
	}
}

// TTL returns the marker lifetime.
func (d *DedupTable) TTL() time.Duration {
	return d.ttl
}

// IsNew reports whether no live marker exists for the pair.
func (d *DedupTable) IsNew(project, identityHash string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	expiresAt, ok := d.entries[project][identityHash]
	return !ok || !d.now().Before(expiresAt)
}

// MarkSeen records the pair as counted until now+TTL.
// A live marker keeps its original expiry; only an absent or expired marker
// starts a new window.
func (d *DedupTable) MarkSeen(project, identityHash string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	seen, ok := d.entries[project]
	if !ok {
		seen = make(map[string]time.Time)
		d.entries[project] = seen
	}
	if expiresAt, ok := seen[identityHash]; ok && now.Before(expiresAt) {
		return
	}
	seen[identityHash] = now.Add(d.ttl)
}

// ResetProject removes every marker belonging to project and returns how
// many were removed.
func (d *DedupTable) ResetProject(project string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.entries[project])
	delete(d.entries, project)
	return n
}

// Len returns the number of stored markers, including expired markers that
// have not been swept yet.
func (d *DedupTable) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, seen := range d.entries {
		n += len(seen)
	}
	return n
}

// Sweep removes expired markers and returns how many were removed.
func (d *DedupTable) Sweep() int {
	type expiredKey struct {
		project string
		hash    string
	}

	now := d.now()
	var expired []expiredKey

	d.mu.RLock()
	for project, seen := range d.entries {
		for hash, expiresAt := range seen {
			if !now.Before(expiresAt) {
				expired = append(expired, expiredKey{project: project, hash: hash})
			}
		}
	}
	d.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now = d.now()
	removed := 0
	for _, k := range expired {
		seen, ok := d.entries[k.project]
		if !ok {
			continue
		}
		// A marker may have been re-created between the two locks.
		if expiresAt, ok := seen[k.hash]; ok && !now.Before(expiresAt) {
			delete(seen, k.hash)
			removed++
		}
		if len(seen) == 0 {
			delete(d.entries, k.project)
		}
	}
	return removed
}
