// Package deadletter captures payloads the pipeline could not process and
// preserves them for inspection and operator-triggered replay.
package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Stage identifies where in the pipeline a payload failed.
type Stage string

const (
	StageValidation   Stage = "validation"
	StageDetection    Stage = "detection"
	StageAccumulation Stage = "accumulation"
)

// Envelope is a preserved failed payload. Envelopes are archived, never
// auto-deleted; once AttemptCount passes the cap they are marked exhausted
// and excluded from automatic replay but remain inspectable.
type Envelope struct {
	ID              string    `json:"id"`
	OriginalPayload []byte    `json:"original_payload"`
	Subject         string    `json:"subject"`
	Stage           Stage     `json:"stage"`
	Reason          string    `json:"reason"`
	FirstSeenAt     time.Time `json:"first_seen_at"`
	LastAttemptAt   time.Time `json:"last_attempt_at,omitempty"`
	AttemptCount    int       `json:"attempt_count"`
	Exhausted       bool      `json:"exhausted"`
}

// PayloadID derives the deterministic envelope ID from the payload bytes, so
// a replayed payload that fails again lands on its existing envelope instead
// of creating a new one.
func PayloadID(payload []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(payload))
}

// Filter selects envelopes for listing or replay. Zero values match all.
type Filter struct {
	Stage            Stage  `json:"stage,omitempty"`
	TenantID         string `json:"tenant_id,omitempty"`
	Reason           string `json:"reason,omitempty"`
	IncludeExhausted bool   `json:"include_exhausted,omitempty"`
	Limit            int    `json:"limit,omitempty"`
}

// Store is the durable dead-letter table. Implemented alongside the feature
// store backends.
type Store interface {
	// AppendDeadLetter inserts the envelope, or merges it onto an existing
	// envelope with the same ID (keeping FirstSeenAt, summing attempts).
	AppendDeadLetter(ctx context.Context, env Envelope) error

	// ListDeadLetters returns envelopes matching the filter, oldest first.
	ListDeadLetters(ctx context.Context, f Filter) ([]Envelope, error)

	// UpdateDeadLetter overwrites an existing envelope by ID.
	UpdateDeadLetter(ctx context.Context, env Envelope) error
}
