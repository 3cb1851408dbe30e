package pushbus

import (
	"sync"
	"time"
)

// Deduper suppresses redundant deliveries for one subscriber registration.
// Both the key space and the retention window are caller-supplied; there is
// no shared module-level state.
type Deduper struct {
	mu        sync.Mutex
	retention time.Duration
	seen      map[string]time.Time
}

func NewDeduper(retention time.Duration) *Deduper {
	if retention <= 0 {
		retention = time.Minute
	}
	return &Deduper{
		retention: retention,
		seen:      map[string]time.Time{},
	}
}

// FirstSeen reports whether key has not been observed within the retention
// window, and records it.
func (d *Deduper) FirstSeen(key string) bool {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	for k, at := range d.seen {
		if now.Sub(at) > d.retention {
			delete(d.seen, k)
		}
	}
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = now
	return true
}
