package config

import "time"

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultMaxMemoryMB  = 48
	DefaultMaxStorageGB = 2
	ServerReadTimeout   = 10 * time.Second
	ServerWriteTimeout  = 10 * time.Second
	ShutdownTimeout     = 30 * time.Second
)

// Ingestion quality gate
const (
	// MaxClockSkew is how far in the future observed_at may be before the
	// reading is rejected as malformed.
	MaxClockSkew = 2 * time.Minute

	// MaxIngestLag is the oldest observed_at the pipeline accepts. Readings
	// older than this are routed to the DLQ with reason "stale".
	MaxIngestLag = 15 * time.Minute
)

// Minute accumulator
const (
	// GracePeriod is how long a closed minute bucket stays open in memory to
	// absorb late arrivals before it is flushed.
	GracePeriod = 30 * time.Second

	// FlushInterval is how often the accumulator scans for flushable buckets.
	FlushInterval = 5 * time.Second

	// FlushBacklogThreshold is the per-worker count of pending flushes above
	// which the coordinator pauses consumption (backpressure).
	FlushBacklogThreshold = 256

	// DedupWindow bounds how long reading keys are remembered per partition.
	// Sized to cover the maximum expected bus redelivery delay.
	DedupWindow = 2 * MaxIngestLag
)

// Anomaly detection
const (
	// AnomalySigma is the default k in |value-mean| > k*sqrt(var).
	AnomalySigma = 3.0

	// AnomalyWarmup is the number of readings per series before anomalies
	// are raised.
	AnomalyWarmup = 10

	// AnomalyAlpha is the weight of the newest reading in the exponentially
	// weighted mean/variance baselines.
	AnomalyAlpha = 0.1

	// BaselineRetention evicts series baselines not updated within this
	// period, bounding detector memory for churning device fleets.
	BaselineRetention = 24 * time.Hour
)

// Rollup schedule. Offsets are tunable: end offsets keep the engine behind
// the accumulator grace period, start offsets reach back far enough to pick
// up minute buckets that were flushed late.
const (
	Rollup5mInterval    = 1 * time.Minute
	Rollup5mStartOffset = 2 * time.Hour
	Rollup5mEndOffset   = 5 * time.Minute

	Rollup1hInterval    = 15 * time.Minute
	Rollup1hStartOffset = 26 * time.Hour
	Rollup1hEndOffset   = 10 * time.Minute
)

// Dead letter
const (
	DLQMaxAttempts   = 5
	DLQListLimit     = 500
	DLQReplayTimeout = 30 * time.Second
)

// Worker pool
const (
	DefaultWorkers   = 8
	WorkerQueueSize  = 1024
	ConsumeBatchSize = 64
	StoreRetryBase   = 500 * time.Millisecond
	StoreRetryMax    = 30 * time.Second
)

// Query defaults and limits
const (
	QueryTimeout       = 30 * time.Second
	QueryDefaultWindow = 6 * time.Hour
	QueryMaxRange      = 90 * 24 * time.Hour
	QueryDefaultLimit  = 5000
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Badger maintenance
const (
	BadgerGCInterval     = 10 * time.Minute
	BadgerGCDiscardRatio = 0.5
)

// SDK publisher defaults
const (
	SDKBatchSize     = 100
	SDKFlushInterval = 2 * time.Second
)
