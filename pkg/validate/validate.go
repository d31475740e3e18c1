// Package validate implements the schema quality gate. Validation is a pure
// function over a reading and a reference clock; it performs no I/O.
package validate

import (
	"fmt"
	"math"
	"time"

	"github.com/telefold/telefold/pkg/telemetry"
)

// Structural limits
const (
	MaxTagsPerReading = 20   // Maximum tags per reading
	MaxTagKeyLength   = 256  // Maximum tag key length
	MaxTagValueLength = 1024 // Maximum tag value length
	MaxMetricLength   = 256  // Maximum metric name length
	MaxIDLength       = 256  // Maximum tenant/device/sensor id length
)

var (
	// ErrMissingField is returned when a key field is empty.
	ErrMissingField = fmt.Errorf("missing required field")

	// ErrNonFiniteValue is returned when value is NaN or infinite.
	ErrNonFiniteValue = fmt.Errorf("value is not a finite number")

	// ErrFutureTimestamp is returned when observed_at is further in the
	// future than the allowed clock skew.
	ErrFutureTimestamp = fmt.Errorf("observed_at beyond allowed clock skew")

	// ErrStale is returned when observed_at is older than the ingest lag
	// bound. Stale readings are routed to the DLQ, never merged.
	ErrStale = fmt.Errorf("stale")

	// ErrTooManyTags is returned when a reading carries too many tags.
	ErrTooManyTags = fmt.Errorf("too many tags (max %d)", MaxTagsPerReading)
)

// Validator checks readings against structural and temporal constraints.
type Validator struct {
	// MaxClockSkew is how far in the future observed_at may be.
	MaxClockSkew time.Duration

	// MaxIngestLag is how far in the past observed_at may be.
	MaxIngestLag time.Duration
}

// New creates a validator with the given temporal bounds.
func New(maxClockSkew, maxIngestLag time.Duration) *Validator {
	return &Validator{MaxClockSkew: maxClockSkew, MaxIngestLag: maxIngestLag}
}

// Validate checks a reading against the clock "now". A nil return means the
// reading passes the quality gate.
func (v *Validator) Validate(r telemetry.SensorReading, now time.Time) error {
	if err := validateStructure(r); err != nil {
		return err
	}

	if r.ObservedAt.After(now.Add(v.MaxClockSkew)) {
		return fmt.Errorf("%w: observed_at=%s now=%s", ErrFutureTimestamp,
			r.ObservedAt.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	if r.ObservedAt.Before(now.Add(-v.MaxIngestLag)) {
		return fmt.Errorf("%w: observed_at=%s exceeds ingest lag %v", ErrStale,
			r.ObservedAt.Format(time.RFC3339), v.MaxIngestLag)
	}

	return nil
}

// validateStructure checks the non-temporal constraints.
func validateStructure(r telemetry.SensorReading) error {
	switch {
	case r.TenantID == "":
		return fmt.Errorf("%w: tenant_id", ErrMissingField)
	case r.DeviceID == "":
		return fmt.Errorf("%w: device_id", ErrMissingField)
	case r.SensorID == "":
		return fmt.Errorf("%w: sensor_id", ErrMissingField)
	case r.Metric == "":
		return fmt.Errorf("%w: metric", ErrMissingField)
	case r.ObservedAt.IsZero():
		return fmt.Errorf("%w: observed_at", ErrMissingField)
	}

	if len(r.TenantID) > MaxIDLength || len(r.DeviceID) > MaxIDLength || len(r.SensorID) > MaxIDLength {
		return fmt.Errorf("id too long (max %d chars)", MaxIDLength)
	}
	if len(r.Metric) > MaxMetricLength {
		return fmt.Errorf("metric name too long (max %d chars)", MaxMetricLength)
	}

	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return ErrNonFiniteValue
	}

	if len(r.Tags) > MaxTagsPerReading {
		return ErrTooManyTags
	}
	for k, val := range r.Tags {
		if len(k) > MaxTagKeyLength {
			return fmt.Errorf("tag key too long (max %d chars)", MaxTagKeyLength)
		}
		if len(val) > MaxTagValueLength {
			return fmt.Errorf("tag value too long (max %d chars)", MaxTagValueLength)
		}
	}

	return nil
}
