// Package accumulate maintains the in-memory minute buckets a partition's
// readings merge into, and flushes them to the durable feature store.
//
// An Accumulator is owned by exactly one worker: partitioning by
// (tenant, device) means no two goroutines ever mutate the same bucket, so
// there is no locking here. The durable store handles cross-partition
// concurrency with per-row serialized merge-upserts.
package accumulate

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/telefold/telefold/pkg/config"
	"github.com/telefold/telefold/pkg/feature"
	"github.com/telefold/telefold/pkg/store"
	"github.com/telefold/telefold/pkg/telemetry"
)

// Config holds accumulator tuning.
type Config struct {
	// Grace is how long a closed bucket stays in memory to absorb late
	// arrivals before it becomes flushable.
	Grace time.Duration

	// MaxLag bounds how long past the grace period an unflushed bucket may
	// survive; beyond it the bucket is evicted regardless.
	MaxLag time.Duration

	// RetryBase and RetryMax shape the exponential backoff applied after a
	// flush failure.
	RetryBase time.Duration
	RetryMax  time.Duration
}

type bucketKey struct {
	series string
	bucket int64
}

type openBucket struct {
	row feature.Row
	end time.Time // bucket start + 1 minute
}

// Accumulator merges readings into minute buckets and flushes them once the
// grace period has passed. Not safe for concurrent use: one per partition.
type Accumulator struct {
	store   store.FeatureStore
	cfg     Config
	buckets map[bucketKey]*openBucket

	// Flush failure backoff state.
	nextAttempt time.Time
	backoff     time.Duration
}

// New creates an accumulator backed by the given store.
func New(st store.FeatureStore, cfg Config) *Accumulator {
	if cfg.Grace <= 0 {
		cfg.Grace = config.GracePeriod
	}
	if cfg.MaxLag <= 0 {
		cfg.MaxLag = config.MaxIngestLag
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = config.StoreRetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = config.StoreRetryMax
	}
	return &Accumulator{
		store:   st,
		cfg:     cfg,
		buckets: make(map[bucketKey]*openBucket),
	}
}

// Merge folds a validated reading into its minute bucket.
//
// A reading that passed the staleness gate always finds its bucket still
// open or recreatable: eviction happens at end+grace+maxLag, which is later
// than the newest moment a reading within maxLag can arrive.
func (a *Accumulator) Merge(r telemetry.SensorReading) feature.Row {
	bucket := feature.WindowMinute.BucketStart(r.ObservedAt)
	key := bucketKey{series: r.SeriesKey(), bucket: bucket.UnixNano()}

	b, ok := a.buckets[key]
	if !ok {
		b = &openBucket{
			row: feature.Row{
				Window:      feature.WindowMinute,
				BucketStart: bucket,
				TenantID:    r.TenantID,
				DeviceID:    r.DeviceID,
				Metric:      r.Metric,
			},
			end: bucket.Add(time.Minute),
		}
		a.buckets[key] = b
	}

	b.row.Feature = b.row.Feature.Add(r.Value)
	return b.row
}

// FlushDue flushes every bucket whose grace period has expired. Flushing is a
// merge-upsert into the store, so re-flushing a key that was flushed before
// (because more late readings arrived) is safe.
//
// Flushed buckets leave memory; a failed flush keeps its buckets and backs
// off. Buckets that outlive grace+maxLag without a successful flush are
// evicted anyway to bound memory and returned as dropped rows for dead-letter
// capture.
func (a *Accumulator) FlushDue(ctx context.Context, now time.Time) (dropped []feature.Row, err error) {
	var due []bucketKey
	for key, b := range a.buckets {
		if !now.Before(b.end.Add(a.cfg.Grace)) {
			due = append(due, key)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}

	if now.Before(a.nextAttempt) {
		// Still backing off from the last store failure. Evict hopeless
		// buckets even while the store is down.
		return a.evictExpired(now), nil
	}

	rows := make([]feature.Row, 0, len(due))
	for _, key := range due {
		rows = append(rows, a.buckets[key].row)
	}

	if err := a.store.MergeMinutes(ctx, rows); err != nil {
		a.recordFailure(now)
		return a.evictExpired(now), fmt.Errorf("flush of %d buckets failed: %w", len(rows), err)
	}

	a.recordSuccess()
	for _, key := range due {
		delete(a.buckets, key)
	}
	return nil, nil
}

// FlushAll synchronously flushes every open bucket. Called on graceful
// shutdown so no bucket state is silently discarded.
func (a *Accumulator) FlushAll(ctx context.Context) error {
	if len(a.buckets) == 0 {
		return nil
	}

	rows := make([]feature.Row, 0, len(a.buckets))
	for _, b := range a.buckets {
		rows = append(rows, b.row)
	}

	if err := a.store.MergeMinutes(ctx, rows); err != nil {
		return fmt.Errorf("final flush of %d buckets failed: %w", len(rows), err)
	}
	a.buckets = make(map[bucketKey]*openBucket)
	return nil
}

// OpenBuckets returns the number of buckets currently held in memory.
func (a *Accumulator) OpenBuckets() int {
	return len(a.buckets)
}

// Backlog returns the number of buckets that are due for flushing. The
// coordinator pauses consumption when this exceeds its threshold.
func (a *Accumulator) Backlog(now time.Time) int {
	var n int
	for _, b := range a.buckets {
		if !now.Before(b.end.Add(a.cfg.Grace)) {
			n++
		}
	}
	return n
}

// evictExpired drops buckets that outlived grace+maxLag without a flush.
func (a *Accumulator) evictExpired(now time.Time) []feature.Row {
	var dropped []feature.Row
	for key, b := range a.buckets {
		if !now.Before(b.end.Add(a.cfg.Grace + a.cfg.MaxLag)) {
			dropped = append(dropped, b.row)
			delete(a.buckets, key)
		}
	}
	if len(dropped) > 0 {
		log.Printf("Evicted %d unflushed buckets past max ingest lag", len(dropped))
	}
	return dropped
}

func (a *Accumulator) recordFailure(now time.Time) {
	if a.backoff == 0 {
		a.backoff = a.cfg.RetryBase
	} else {
		a.backoff *= 2
		if a.backoff > a.cfg.RetryMax {
			a.backoff = a.cfg.RetryMax
		}
	}
	a.nextAttempt = now.Add(a.backoff)
}

func (a *Accumulator) recordSuccess() {
	a.backoff = 0
	a.nextAttempt = time.Time{}
}
