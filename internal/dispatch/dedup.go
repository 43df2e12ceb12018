package dispatch

import (
	"sync"
	"time"
)

const (
	DefaultDedupHorizon = time.Hour
	DefaultDedupCap     = 10000
)

type dedupEntry struct {
	identity  string
	firstSeen time.Time
}

// DedupTable suppresses repeated processing of a message identity within a
// time horizon. Entries age out past the horizon; on overflow the oldest
// entries are evicted first.
type DedupTable struct {
	mu      sync.Mutex
	horizon time.Duration
	cap     int
	entries map[string]time.Time
	order   []dedupEntry // insert order, oldest first
	now     func() time.Time
}

func NewDedupTable(horizon time.Duration, capacity int) *DedupTable {
	if horizon <= 0 {
		horizon = DefaultDedupHorizon
	}
	if capacity <= 0 {
		capacity = DefaultDedupCap
	}
	return &DedupTable{
		horizon: horizon,
		cap:     capacity,
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Seen probes and inserts in one step: it reports true when the identity was
// already recorded within the horizon, and records it otherwise.
func (d *DedupTable) Seen(identity string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	d.pruneLocked(now)
	if first, ok := d.entries[identity]; ok && now.Sub(first) <= d.horizon {
		return true
	}
	if len(d.entries) >= d.cap {
		d.evictOldestLocked()
	}
	d.entries[identity] = now
	d.order = append(d.order, dedupEntry{identity: identity, firstSeen: now})
	return false
}

func (d *DedupTable) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// pruneLocked drops aged-out entries from the front of the insert order.
func (d *DedupTable) pruneLocked(now time.Time) {
	idx := 0
	for idx < len(d.order) && now.Sub(d.order[idx].firstSeen) > d.horizon {
		ent := d.order[idx]
		// Only delete when the map still points at this insertion; a
		// re-inserted identity has a newer first-seen time.
		if first, ok := d.entries[ent.identity]; ok && first.Equal(ent.firstSeen) {
			delete(d.entries, ent.identity)
		}
		idx++
	}
	if idx > 0 {
		d.order = d.order[idx:]
	}
}

func (d *DedupTable) evictOldestLocked() {
	for len(d.order) > 0 {
		ent := d.order[0]
		d.order = d.order[1:]
		if first, ok := d.entries[ent.identity]; ok && first.Equal(ent.firstSeen) {
			delete(d.entries, ent.identity)
			return
		}
	}
}
