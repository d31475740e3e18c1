package ingest

import (
	"time"

	"github.com/telefold/telefold/pkg/telemetry"
)

// Dedup remembers reading keys for a bounded window so bus redeliveries of
// an already-merged reading are dropped instead of double-counted.
//
// Owned by a single partition worker, so no locking. Memory is bounded by
// the window: entries older than it are pruned on insert.
type Dedup struct {
	window time.Duration
	seen   map[telemetry.ReadingKey]time.Time

	// lastPrune avoids a full map sweep on every reading.
	lastPrune time.Time
}

// NewDedup creates a dedup window. Entries expire after the given duration,
// which should cover the maximum bus redelivery delay.
func NewDedup(window time.Duration) *Dedup {
	return &Dedup{
		window: window,
		seen:   make(map[telemetry.ReadingKey]time.Time),
	}
}

// Seen records the key and reports whether it was already present within the
// window. The first call for a key returns false, any repeat within the
// window returns true.
func (d *Dedup) Seen(key telemetry.ReadingKey, now time.Time) bool {
	if at, ok := d.seen[key]; ok && now.Sub(at) < d.window {
		return true
	}
	d.seen[key] = now
	d.maybePrune(now)
	return false
}

// Size returns the number of remembered keys.
func (d *Dedup) Size() int {
	return len(d.seen)
}

func (d *Dedup) maybePrune(now time.Time) {
	if now.Sub(d.lastPrune) < d.window/4 {
		return
	}
	for key, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, key)
		}
	}
	d.lastPrune = now
}
