package frame

import (
	"sync"
	"time"
)

const (
	DefaultDedupSize = 1000
	DefaultDedupTTL  = 5 * time.Minute
)

// dedupEntry tracks a seen frame ID.
type dedupEntry struct {
	id   [16]byte
	seen time.Time
}

// DedupWindow is a sliding-window deduplicator for frame IDs. The gateway
// replays frames after a resubscribe; the window drops the ones already
// handled. It remembers up to size IDs or ttl, whichever is reached first.
type DedupWindow struct {
	mu      sync.Mutex
	entries []dedupEntry
	set     map[[16]byte]struct{}
	size    int
	ttl     time.Duration
	now     func() time.Time
}

// NewDedupWindow creates a window with the default size and TTL.
func NewDedupWindow() *DedupWindow {
	return NewDedupWindowSize(DefaultDedupSize, DefaultDedupTTL)
}

// NewDedupWindowSize creates a window with an explicit size and TTL.
func NewDedupWindowSize(size int, ttl time.Duration) *DedupWindow {
	if size <= 0 {
		size = DefaultDedupSize
	}
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &DedupWindow{
		entries: make([]dedupEntry, 0, size),
		set:     make(map[[16]byte]struct{}, size),
		size:    size,
		ttl:     ttl,
		now:     time.Now,
	}
}

// IsDuplicate returns true if the id has already been seen.
// If not a duplicate, it records the ID.
func (d *DedupWindow) IsDuplicate(id [16]byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()

	cutoff := now.Add(-d.ttl)
	start := 0
	for start < len(d.entries) && d.entries[start].seen.Before(cutoff) {
		delete(d.set, d.entries[start].id)
		start++
	}
	if start > 0 {
		d.entries = d.entries[start:]
	}

	if _, ok := d.set[id]; ok {
		return true
	}

	if len(d.entries) >= d.size {
		delete(d.set, d.entries[0].id)
		d.entries = d.entries[1:]
	}

	d.entries = append(d.entries, dedupEntry{id: id, seen: now})
	d.set[id] = struct{}{}
	return false
}

// Len returns the current number of tracked IDs.
func (d *DedupWindow) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
