// Package rollup re-derives 5m and 1h feature rows from the minute table.
//
// Rollups are never merged incrementally. Each run recomputes every rollup
// bucket in its range from the minute rows and replaces whatever was stored,
// so re-running a range, overlapping ranges, and late minute flushes all
// converge to the same result.
package rollup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/telefold/telefold/pkg/feature"
	"github.com/telefold/telefold/pkg/store"
)

// State is the engine's position in its compute/publish cycle. Exposed on
// the health endpoint.
type State string

const (
	StateIdle       State = "idle"
	StateComputing  State = "computing"
	StatePublishing State = "publishing"
)

// Schedule describes one rollup cadence. StartOffset reaches back far enough
// to re-derive buckets whose minute rows were flushed late; EndOffset keeps
// the range behind the accumulator grace period so only settled minutes are
// read.
type Schedule struct {
	Window      feature.Window
	Interval    time.Duration
	StartOffset time.Duration
	EndOffset   time.Duration
}

// Engine computes rollup rows for one target window.
type Engine struct {
	store store.FeatureStore

	mu      sync.Mutex
	state   State
	lastRun time.Time
	lastErr error
}

// New creates a rollup engine over the given store.
func New(st store.FeatureStore) *Engine {
	return &Engine{store: st, state: StateIdle}
}

// Run executes one rollup pass for the schedule at the given time. It reads
// minute rows covering [now-StartOffset, now-EndOffset), aligned down to the
// schedule's bucket boundaries so partial trailing buckets are never
// published, and upserts the re-derived rollup rows. Returns the number of
// rollup rows written.
//
// Only one Run executes at a time; a concurrent call returns immediately.
func (e *Engine) Run(ctx context.Context, sched Schedule, now time.Time) (int, error) {
	if !sched.Window.Valid() || sched.Window == feature.WindowMinute {
		return 0, fmt.Errorf("invalid rollup window %q", sched.Window)
	}

	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return 0, nil
	}
	e.state = StateComputing
	e.mu.Unlock()

	n, err := e.run(ctx, sched, now)

	e.mu.Lock()
	e.state = StateIdle
	e.lastRun = now
	e.lastErr = err
	e.mu.Unlock()

	return n, err
}

func (e *Engine) run(ctx context.Context, sched Schedule, now time.Time) (int, error) {
	start := sched.Window.BucketStart(now.Add(-sched.StartOffset))
	end := sched.Window.BucketStart(now.Add(-sched.EndOffset))
	if !start.Before(end) {
		return 0, nil
	}

	minutes, err := e.store.QueryMinutes(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("minute query for %s rollup failed: %w", sched.Window, err)
	}

	rows := Derive(sched.Window, minutes)
	if len(rows) == 0 {
		return 0, nil
	}

	e.mu.Lock()
	e.state = StatePublishing
	e.mu.Unlock()

	if err := e.store.UpsertRollups(ctx, rows); err != nil {
		return 0, fmt.Errorf("upsert of %d %s rollup rows failed: %w", len(rows), sched.Window, err)
	}
	return len(rows), nil
}

// Derive groups minute rows into the target window's buckets and merges
// their features. Pure function: same minutes in, same rollup rows out.
func Derive(w feature.Window, minutes []feature.Row) []feature.Row {
	type rollupKey struct {
		series string
		bucket int64
	}

	buckets := make(map[rollupKey]feature.Row)
	for _, m := range minutes {
		bucket := w.BucketStart(m.BucketStart)
		key := rollupKey{series: m.SeriesKey(), bucket: bucket.UnixNano()}

		row, ok := buckets[key]
		if !ok {
			row = feature.Row{
				Window:      w,
				BucketStart: bucket,
				TenantID:    m.TenantID,
				DeviceID:    m.DeviceID,
				Metric:      m.Metric,
			}
		}
		row.Feature = row.Feature.Merge(m.Feature)
		buckets[key] = row
	}

	rows := make([]feature.Row, 0, len(buckets))
	for _, row := range buckets {
		rows = append(rows, row)
	}
	return rows
}

// Status reports the engine's current state and last outcome.
func (e *Engine) Status() (State, time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, e.lastRun, e.lastErr
}
