package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/telefold/telefold/pkg/bus"
	"github.com/telefold/telefold/pkg/feature"
	"github.com/telefold/telefold/pkg/store"
)

// Router captures failed payloads into the dead-letter table and recovers
// them on operator request.
type Router struct {
	store       Store
	features    store.FeatureStore
	pub         bus.Publisher
	maxAttempts int
}

// NewRouter creates a dead-letter router. maxAttempts caps replay: an
// envelope that has been attempted that many times is marked exhausted.
// The feature store receives re-merged accumulation-stage rows on replay.
func NewRouter(store Store, features store.FeatureStore, pub bus.Publisher, maxAttempts int) *Router {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Router{store: store, features: features, pub: pub, maxAttempts: maxAttempts}
}

// Capture archives a failed payload and announces it on the dead-letter
// subject. The archive write is the one that matters; a failed announcement
// is logged and swallowed so the pipeline keeps moving.
func (r *Router) Capture(ctx context.Context, payload []byte, subject string, stage Stage, reason string) error {
	now := time.Now().UTC()
	env := Envelope{
		ID:              PayloadID(payload),
		OriginalPayload: payload,
		Subject:         subject,
		Stage:           stage,
		Reason:          reason,
		FirstSeenAt:     now,
		LastAttemptAt:   now,
		AttemptCount:    1,
	}

	if err := r.store.AppendDeadLetter(ctx, env); err != nil {
		return err
	}

	if r.pub != nil {
		if err := r.pub.Publish(ctx, dlqSubject(subject), payload); err != nil {
			log.Printf("Dead-letter announce failed for %s: %v", env.ID, err)
		}
	}
	return nil
}

// Replay recovers envelopes matching the filter. Reading payloads are
// republished on their original subjects, so they re-enter the pipeline at
// the front; accumulation-stage payloads are evicted feature rows, not
// readings, and are merged back into the minute table directly instead of
// being handed to reading consumers. Each replayed envelope's attempt count
// advances; envelopes at the attempt cap are marked exhausted instead of
// replayed. Returns the number recovered.
func (r *Router) Replay(ctx context.Context, f Filter) (int, error) {
	f.IncludeExhausted = false
	envs, err := r.store.ListDeadLetters(ctx, f)
	if err != nil {
		return 0, err
	}

	var replayed int
	for _, env := range envs {
		if env.AttemptCount >= r.maxAttempts {
			env.Exhausted = true
			if err := r.store.UpdateDeadLetter(ctx, env); err != nil {
				log.Printf("Failed to mark envelope %s exhausted: %v", env.ID, err)
			}
			continue
		}

		if env.Stage == StageAccumulation {
			if r.features == nil {
				continue
			}
			if err := r.remerge(ctx, env); err != nil {
				return replayed, err
			}
		} else {
			if err := r.pub.Publish(ctx, env.Subject, env.OriginalPayload); err != nil {
				return replayed, err
			}
		}

		env.AttemptCount++
		env.LastAttemptAt = time.Now().UTC()
		if env.AttemptCount >= r.maxAttempts {
			env.Exhausted = true
		}
		if err := r.store.UpdateDeadLetter(ctx, env); err != nil {
			log.Printf("Failed to record replay of envelope %s: %v", env.ID, err)
		}
		replayed++
	}
	return replayed, nil
}

// remerge applies an evicted bucket's row back onto the minute table. The
// store merge-upsert makes this safe even when part of the bucket was
// flushed before the eviction.
func (r *Router) remerge(ctx context.Context, env Envelope) error {
	var row feature.Row
	if err := json.Unmarshal(env.OriginalPayload, &row); err != nil {
		return fmt.Errorf("envelope %s payload is not a feature row: %w", env.ID, err)
	}
	return r.features.MergeMinutes(ctx, []feature.Row{row})
}

// dlqSubject maps an original subject to its dead-letter counterpart,
// keeping the tenant/type/device tokens for filtered subscriptions.
func dlqSubject(original string) string {
	parts := strings.SplitN(original, ".", 3)
	if len(parts) == 3 {
		return "sensor.dlq." + parts[2]
	}
	return "sensor.dlq"
}
