// Package badger implements the feature and dead-letter stores on BadgerDB
// (embedded LSM tree).
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/telefold/telefold/pkg/deadletter"
	"github.com/telefold/telefold/pkg/feature"
	"github.com/telefold/telefold/pkg/store"
)

// Store implements store.FeatureStore and deadletter.Store using BadgerDB.
type Store struct {
	db *badger.DB
}

// Config holds BadgerDB configuration.
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = conservative
	// defaults sized for small hosts).
	MaxMemoryMB int64
}

// Keyspace prefixes. Feature keys sort as
// [prefix][series hash 8B][bucket nanos 8B], so a prefix iteration walks
// series-grouped, time-ordered rows and range scans stay cheap.
const (
	prefixMinute = byte('m')
	prefix5m     = byte('f')
	prefix1h     = byte('h')
	prefixDLQ    = byte('d')
)

// New creates a BadgerDB-backed store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Bounded memory: BadgerDB's defaults assume a dedicated host. The
	// pipeline shares its process with the accumulator's bucket state, so
	// keep the memtable and caches small.
	var memTableSize int64
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	} else {
		memTableSize = 16 * 1024 * 1024
	}

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(1).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Store{db: db}, nil
}

// MergeMinutes merge-upserts minute rows. Badger transactions give the
// per-row serialization the merge requires: a conflicting concurrent update
// aborts and is retried.
func (s *Store) MergeMinutes(ctx context.Context, rows []feature.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, r := range rows {
		if r.Window != feature.WindowMinute {
			return fmt.Errorf("MergeMinutes given %s row", r.Window)
		}
		if err := s.mergeRow(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// mergeRow applies one merge-upsert with optimistic retry on txn conflict.
func (s *Store) mergeRow(ctx context.Context, r feature.Row) error {
	key := featureRowKey(r)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.db.Update(func(txn *badger.Txn) error {
			merged := r
			item, err := txn.Get(key)
			switch {
			case err == badger.ErrKeyNotFound:
				// First write for this bucket key.
			case err != nil:
				return err
			default:
				var existing feature.Row
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &existing)
				}); err != nil {
					return fmt.Errorf("failed to decode existing row: %w", err)
				}
				merged.Feature = existing.Feature.Merge(r.Feature)
			}

			value, err := json.Marshal(merged)
			if err != nil {
				return fmt.Errorf("failed to encode row: %w", err)
			}
			return txn.Set(key, value)
		})

		if err == badger.ErrConflict {
			continue // another writer touched the row, re-read and re-merge
		}
		return err
	}
}

// UpsertRollups replaces rollup rows.
func (s *Store) UpsertRollups(ctx context.Context, rows []feature.Row) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for i, r := range rows {
			if i%100 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}
			if r.Window == feature.WindowMinute {
				return fmt.Errorf("UpsertRollups given minute row")
			}

			value, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("failed to encode row: %w", err)
			}
			if err := txn.Set(featureRowKey(r), value); err != nil {
				return fmt.Errorf("failed to write rollup: %w", err)
			}
		}
		return nil
	})
}

// QueryMinutes returns minute rows with bucket in [start, end), ascending.
func (s *Store) QueryMinutes(ctx context.Context, start, end time.Time) ([]feature.Row, error) {
	return s.scanFeatures(ctx, prefixMinute, func(r feature.Row) bool {
		return !r.BucketStart.Before(start) && r.BucketStart.Before(end)
	}, 0)
}

// QueryFeatures returns rows matching the query, ascending by bucket.
func (s *Store) QueryFeatures(ctx context.Context, q store.Query) ([]feature.Row, error) {
	prefix, err := windowPrefix(q.Window)
	if err != nil {
		return nil, err
	}

	return s.scanFeatures(ctx, prefix, func(r feature.Row) bool {
		if r.BucketStart.Before(q.Start) || !r.BucketStart.Before(q.End) {
			return false
		}
		if q.TenantID != "" && r.TenantID != q.TenantID {
			return false
		}
		if q.DeviceID != "" && r.DeviceID != q.DeviceID {
			return false
		}
		if q.Metric != "" && r.Metric != q.Metric {
			return false
		}
		return true
	}, q.Limit)
}

// scanFeatures iterates one keyspace, decoding and filtering rows. Context
// cancellation is checked periodically so slow scans cannot block shutdown.
func (s *Store) scanFeatures(ctx context.Context, prefix byte, match func(feature.Row) bool, limit int) ([]feature.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var results []feature.Row
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100
		opts.Prefix = []byte{prefix}

		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Rewind(); it.Valid(); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}

			err := it.Item().Value(func(val []byte) error {
				var r feature.Row
				if err := json.Unmarshal(val, &r); err != nil {
					return fmt.Errorf("failed to decode row: %w", err)
				}
				if match(r) {
					results = append(results, r)
				}
				return nil
			})
			if err != nil {
				return err
			}

			if limit > 0 && len(results) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortRows(results)
	return results, nil
}

// Stats returns storage statistics.
func (s *Store) Stats(ctx context.Context) (*store.Stats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stats := &store.Stats{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		it := txn.NewIterator(opts)
		defer it.Close()

		seriesMap := make(map[uint64]bool)
		var iterCount int

		for it.Rewind(); it.Valid(); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
			}

			key := it.Item().Key()
			switch key[0] {
			case prefixMinute:
				stats.MinuteRows++
			case prefix5m, prefix1h:
				stats.RollupRows++
			case prefixDLQ:
				stats.DeadLetters++
				continue
			default:
				continue
			}

			hash, ts := parseFeatureKey(key)
			seriesMap[hash] = true
			if stats.OldestBucket.IsZero() || ts.Before(stats.OldestBucket) {
				stats.OldestBucket = ts
			}
			if stats.NewestBucket.IsZero() || ts.After(stats.NewestBucket) {
				stats.NewestBucket = ts
			}
		}

		stats.Series = uint64(len(seriesMap))
		return nil
	})
	if err != nil {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

// Close shuts down BadgerDB cleanly.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection. Returns badger's error
// when no rewrite was needed, which callers treat as a non-event.
func (s *Store) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// AppendDeadLetter inserts or merges an envelope by ID.
func (s *Store) AppendDeadLetter(ctx context.Context, env deadletter.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := dlqKey(env.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		switch {
		case err == badger.ErrKeyNotFound:
			// First capture for this payload.
		case err != nil:
			return err
		default:
			var existing deadletter.Envelope
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &existing)
			}); err != nil {
				return fmt.Errorf("failed to decode existing envelope: %w", err)
			}
			env.FirstSeenAt = existing.FirstSeenAt
			env.AttemptCount += existing.AttemptCount
			env.Exhausted = env.Exhausted || existing.Exhausted
		}

		value, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to encode envelope: %w", err)
		}
		return txn.Set(key, value)
	})
}

// ListDeadLetters returns envelopes matching the filter, oldest first.
func (s *Store) ListDeadLetters(ctx context.Context, f deadletter.Filter) ([]deadletter.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var results []deadletter.Envelope
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefixDLQ}

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var env deadletter.Envelope
				if err := json.Unmarshal(val, &env); err != nil {
					return fmt.Errorf("failed to decode envelope: %w", err)
				}
				if matchEnvelope(env, f) {
					results = append(results, env)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortEnvelopes(results)
	if f.Limit > 0 && len(results) > f.Limit {
		results = results[:f.Limit]
	}
	return results, nil
}

// UpdateDeadLetter overwrites an envelope by ID.
func (s *Store) UpdateDeadLetter(ctx context.Context, env deadletter.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := dlqKey(env.ID)
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			return fmt.Errorf("dead letter %s: %w", env.ID, err)
		}
		value, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to encode envelope: %w", err)
		}
		return txn.Set(key, value)
	})
}

// featureRowKey builds [prefix][series hash 8B][bucket nanos 8B].
func featureRowKey(r feature.Row) []byte {
	prefix, _ := windowPrefix(r.Window)
	key := make([]byte, 17)
	key[0] = prefix
	binary.BigEndian.PutUint64(key[1:9], xxhash.Sum64String(r.SeriesKey()))
	binary.BigEndian.PutUint64(key[9:17], uint64(r.BucketStart.UnixNano()))
	return key
}

// parseFeatureKey extracts series hash and bucket time from a feature key.
func parseFeatureKey(key []byte) (uint64, time.Time) {
	hash := binary.BigEndian.Uint64(key[1:9])
	tsNano := binary.BigEndian.Uint64(key[9:17])
	return hash, time.Unix(0, int64(tsNano)).UTC()
}

func dlqKey(id string) []byte {
	return append([]byte{prefixDLQ}, id...)
}

func windowPrefix(w feature.Window) (byte, error) {
	switch w {
	case feature.WindowMinute:
		return prefixMinute, nil
	case feature.Window5m:
		return prefix5m, nil
	case feature.Window1h:
		return prefix1h, nil
	}
	return 0, fmt.Errorf("unknown window %q", w)
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
	if f.TenantID != "" {
		tokens := strings.Split(env.Subject, ".")
		if len(tokens) < 3 || tokens[2] != f.TenantID {
			return false
		}
	}
	return true
}

func sortRows(rows []feature.Row) {
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].BucketStart.Equal(rows[j].BucketStart) {
			return rows[i].BucketStart.Before(rows[j].BucketStart)
		}
		return rows[i].SeriesKey() < rows[j].SeriesKey()
	})
}

func sortEnvelopes(envs []deadletter.Envelope) {
	sort.Slice(envs, func(i, j int) bool {
		return envs[i].FirstSeenAt.Before(envs[j].FirstSeenAt)
	})
}
