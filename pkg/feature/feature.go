// Package feature implements the commutative merge-based accumulator that
// minute buckets and rollups are built from. Merging is order-independent,
// which is what makes concurrent, out-of-order, at-least-once ingestion safe
// as long as each raw reading is merged at most once.
package feature

import (
	"fmt"
	"math"
	"time"
)

// Window is a fixed-width aggregation interval.
type Window string

const (
	WindowMinute Window = "1m"
	Window5m     Window = "5m"
	Window1h     Window = "1h"
)

// Duration returns the window width.
func (w Window) Duration() time.Duration {
	switch w {
	case WindowMinute:
		return time.Minute
	case Window5m:
		return 5 * time.Minute
	case Window1h:
		return time.Hour
	}
	return 0
}

// Valid reports whether w is a known window.
func (w Window) Valid() bool {
	return w == WindowMinute || w == Window5m || w == Window1h
}

// BucketStart rounds t down to the start of the containing bucket.
func (w Window) BucketStart(t time.Time) time.Time {
	switch w {
	case WindowMinute:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
	case Window5m:
		m := (t.Minute() / 5) * 5
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), m, 0, 0, t.Location())
	case Window1h:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
	}
	return t
}

// Feature holds the mergeable statistics for one (bucket, tenant, device,
// metric) cell. Count == 0 means Min/Max are undefined.
type Feature struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	SumSq float64 `json:"sumsq"`
}

// Add folds a single observation into f.
func (f Feature) Add(value float64) Feature {
	if f.Count == 0 {
		return Feature{Count: 1, Sum: value, Min: value, Max: value, SumSq: value * value}
	}
	f.Count++
	f.Sum += value
	if value < f.Min {
		f.Min = value
	}
	if value > f.Max {
		f.Max = value
	}
	f.SumSq += value * value
	return f
}

// Merge combines two accumulators element-wise. Commutative and associative;
// the empty Feature is the identity.
func (f Feature) Merge(other Feature) Feature {
	if f.Count == 0 {
		return other
	}
	if other.Count == 0 {
		return f
	}
	merged := Feature{
		Count: f.Count + other.Count,
		Sum:   f.Sum + other.Sum,
		Min:   f.Min,
		Max:   f.Max,
		SumSq: f.SumSq + other.SumSq,
	}
	if other.Min < merged.Min {
		merged.Min = other.Min
	}
	if other.Max > merged.Max {
		merged.Max = other.Max
	}
	return merged
}

// Avg returns sum/count, or 0 for an empty feature.
func (f Feature) Avg() float64 {
	if f.Count == 0 {
		return 0
	}
	return f.Sum / float64(f.Count)
}

// StdDev returns the population standard deviation, clamped to 0 when
// floating-point cancellation drives the variance negative.
func (f Feature) StdDev() float64 {
	if f.Count == 0 {
		return 0
	}
	avg := f.Avg()
	variance := f.SumSq/float64(f.Count) - avg*avg
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

// Validate checks the structural invariants. A violation indicates corruption
// upstream (a blind overwrite where a merge was required, or a bad codec).
func (f Feature) Validate() error {
	if f.Count < 0 {
		return fmt.Errorf("negative count %d", f.Count)
	}
	if f.Count == 0 {
		return nil
	}
	avg := f.Avg()
	if f.Min > avg || avg > f.Max {
		return fmt.Errorf("min/avg/max out of order: min=%v avg=%v max=%v", f.Min, avg, f.Max)
	}
	// Cauchy-Schwarz: sumsq >= sum^2/count, modulo float slack.
	if f.SumSq < (f.Sum*f.Sum)/float64(f.Count)-1e-9 {
		return fmt.Errorf("sumsq %v below sum^2/count %v", f.SumSq, (f.Sum*f.Sum)/float64(f.Count))
	}
	return nil
}

// Row is a keyed feature as stored in the minute and rollup tables.
type Row struct {
	Window      Window    `json:"window"`
	BucketStart time.Time `json:"bucket_start"`
	TenantID    string    `json:"tenant_id"`
	DeviceID    string    `json:"device_id"`
	Metric      string    `json:"metric"`
	Feature     Feature   `json:"feature"`
}

// SeriesKey identifies the (tenant, device, metric) series of the row.
func (r Row) SeriesKey() string {
	return r.TenantID + "/" + r.DeviceID + "/" + r.Metric
}
