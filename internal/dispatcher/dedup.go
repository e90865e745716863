package dispatcher

import (
	"sync"
	"time"
)

// Dedup drops signals redelivered by the at-least-once stream within a TTL
// window. It is safe for concurrent use.
type Dedup struct {
	seen map[string]time.Time // signal key -> first seen
	ttl  time.Duration
	mu   sync.Mutex
	now  func() time.Time
}

// NewDedup creates a Dedup that treats a key as a duplicate for ttl after it
// was first seen.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// IsDuplicate reports whether key was seen within the TTL window. Unseen or
// expired keys are recorded and reported as new.
func (d *Dedup) IsDuplicate(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if firstSeen, ok := d.seen[key]; ok && now.Sub(firstSeen) < d.ttl {
		return true
	}
	d.seen[key] = now
	return false
}

// Cleanup removes expired entries. The dispatcher calls it from its sweep
// loop to bound memory.
func (d *Dedup) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for key, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, key)
			removed++
		}
	}
	return removed
}
