// Package memory stores features and dead letters in memory. Data is lost on
// restart. Useful for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/telefold/telefold/pkg/deadletter"
	"github.com/telefold/telefold/pkg/feature"
	"github.com/telefold/telefold/pkg/store"
)

// Store is an in-memory implementation of store.FeatureStore and
// deadletter.Store.
type Store struct {
	mu       sync.RWMutex
	features map[featureKey]feature.Row
	dlq      map[string]deadletter.Envelope
}

type featureKey struct {
	window feature.Window
	series string
	bucket int64
}

// New creates an in-memory store.
func New() *Store {
	return &Store{
		features: make(map[featureKey]feature.Row),
		dlq:      make(map[string]deadletter.Envelope),
	}
}

func rowKey(r feature.Row) featureKey {
	return featureKey{
		window: r.Window,
		series: r.SeriesKey(),
		bucket: r.BucketStart.UnixNano(),
	}
}

// MergeMinutes merge-upserts minute rows.
func (s *Store) MergeMinutes(ctx context.Context, rows []feature.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rows {
		if r.Window != feature.WindowMinute {
			return fmt.Errorf("MergeMinutes given %s row", r.Window)
		}
		key := rowKey(r)
		if existing, ok := s.features[key]; ok {
			r.Feature = existing.Feature.Merge(r.Feature)
		}
		s.features[key] = r
	}
	return nil
}

// UpsertRollups replaces rollup rows.
func (s *Store) UpsertRollups(ctx context.Context, rows []feature.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rows {
		if r.Window == feature.WindowMinute {
			return fmt.Errorf("UpsertRollups given minute row")
		}
		s.features[rowKey(r)] = r
	}
	return nil
}

// QueryMinutes returns minute rows with bucket in [start, end), ascending.
func (s *Store) QueryMinutes(ctx context.Context, start, end time.Time) ([]feature.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []feature.Row
	for key, r := range s.features {
		if key.window != feature.WindowMinute {
			continue
		}
		if r.BucketStart.Before(start) || !r.BucketStart.Before(end) {
			continue
		}
		results = append(results, r)
	}
	sortRows(results)
	return results, nil
}

// QueryFeatures returns rows matching the query, ascending by bucket.
func (s *Store) QueryFeatures(ctx context.Context, q store.Query) ([]feature.Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []feature.Row
	for key, r := range s.features {
		if key.window != q.Window {
			continue
		}
		if r.BucketStart.Before(q.Start) || !r.BucketStart.Before(q.End) {
			continue
		}
		if q.TenantID != "" && r.TenantID != q.TenantID {
			continue
		}
		if q.DeviceID != "" && r.DeviceID != q.DeviceID {
			continue
		}
		if q.Metric != "" && r.Metric != q.Metric {
			continue
		}
		results = append(results, r)
	}
	sortRows(results)

	if q.Limit > 0 && len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// Stats returns storage statistics.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &store.Stats{DeadLetters: uint64(len(s.dlq))}
	seriesMap := make(map[string]bool)

	for key, r := range s.features {
		if key.window == feature.WindowMinute {
			stats.MinuteRows++
		} else {
			stats.RollupRows++
		}
		seriesMap[key.series] = true

		if stats.OldestBucket.IsZero() || r.BucketStart.Before(stats.OldestBucket) {
			stats.OldestBucket = r.BucketStart
		}
		if stats.NewestBucket.IsZero() || r.BucketStart.After(stats.NewestBucket) {
			stats.NewestBucket = r.BucketStart
		}
	}
	stats.Series = uint64(len(seriesMap))

	// Rough size estimate (each row ~120 bytes)
	stats.SizeBytes = (stats.MinuteRows + stats.RollupRows) * 120
	return stats, nil
}

// Close is a no-op for memory storage.
func (s *Store) Close() error {
	return nil
}

// AppendDeadLetter inserts or merges an envelope by ID.
func (s *Store) AppendDeadLetter(ctx context.Context, env deadletter.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.dlq[env.ID]; ok {
		env.FirstSeenAt = existing.FirstSeenAt
		env.AttemptCount += existing.AttemptCount
		env.Exhausted = env.Exhausted || existing.Exhausted
	}
	s.dlq[env.ID] = env
	return nil
}

// ListDeadLetters returns envelopes matching the filter, oldest first.
func (s *Store) ListDeadLetters(ctx context.Context, f deadletter.Filter) ([]deadletter.Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []deadletter.Envelope
	for _, env := range s.dlq {
		if !matchEnvelope(env, f) {
			continue
		}
		results = append(results, env)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].FirstSeenAt.Before(results[j].FirstSeenAt)
	})
	if f.Limit > 0 && len(results) > f.Limit {
		results = results[:f.Limit]
	}
	return results, nil
}

// UpdateDeadLetter overwrites an envelope by ID.
func (s *Store) UpdateDeadLetter(ctx context.Context, env deadletter.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.dlq[env.ID]; !ok {
		return fmt.Errorf("dead letter %s not found", env.ID)
	}
	s.dlq[env.ID] = env
	return nil
}

func matchEnvelope(env deadletter.Envelope, f deadletter.Filter) bool {
	if env.Exhausted && !f.IncludeExhausted {
		return false
	}
	if f.Stage != "" && env.Stage != f.Stage {
		return false
	}
	if f.Reason != "" && env.Reason != f.Reason {
		return false
	}
	if f.TenantID != "" && !subjectHasTenant(env.Subject, f.TenantID) {
		return false
	}
	return true
}

// subjectHasTenant checks the tenant token of a sensor.<kind>.<tenant>.…
// subject.
func subjectHasTenant(subject, tenant string) bool {
	tokens := strings.Split(subject, ".")
	return len(tokens) >= 3 && tokens[2] == tenant
}

func sortRows(rows []feature.Row) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].BucketStart.Equal(rows[j].BucketStart) {
			return rows[i].BucketStart.Before(rows[j].BucketStart)
		}
		return rows[i].SeriesKey() < rows[j].SeriesKey()
	})
}
