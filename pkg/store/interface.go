package store

import (
	"context"
	"time"

	"github.com/telefold/telefold/pkg/feature"
)

// FeatureStore is the durable home of minute features and rollup features.
// Minute features are the source of truth: rollups are always re-derivable
// from them.
//
// Implementations: memory (testing), badger (production).
type FeatureStore interface {
	// MergeMinutes merge-upserts minute rows: each row is merged with
	// whatever is already stored for its key, never blindly overwritten.
	// Rows for the same key must be applied under per-row serialization.
	MergeMinutes(ctx context.Context, rows []feature.Row) error

	// UpsertRollups replaces rollup rows. A blind replace is safe here
	// because the rollup engine re-derives each bucket from scratch.
	UpsertRollups(ctx context.Context, rows []feature.Row) error

	// QueryMinutes returns all minute rows with bucket start in
	// [start, end), ascending by bucket.
	QueryMinutes(ctx context.Context, start, end time.Time) ([]feature.Row, error)

	// QueryFeatures returns rows matching the query, ascending by bucket.
	// Window selects the table: 1m reads minute features, 5m/1h rollups.
	QueryFeatures(ctx context.Context, q Query) ([]feature.Row, error)

	// Stats returns storage statistics.
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage.
	Close() error
}

// Query specifies which feature rows to retrieve.
type Query struct {
	Window feature.Window

	// TenantID is required; DeviceID and Metric narrow the result when set.
	TenantID string
	DeviceID string
	Metric   string

	// Time range: buckets in [Start, End).
	Start time.Time
	End   time.Time

	// Limit caps the number of rows (0 = no limit).
	Limit int
}

// Stats provides storage health and usage info.
type Stats struct {
	MinuteRows   uint64    `json:"minute_rows"`
	RollupRows   uint64    `json:"rollup_rows"`
	Series       uint64    `json:"series"`
	DeadLetters  uint64    `json:"dead_letters"`
	SizeBytes    uint64    `json:"size_bytes"`
	OldestBucket time.Time `json:"oldest_bucket"`
	NewestBucket time.Time `json:"newest_bucket"`
}
