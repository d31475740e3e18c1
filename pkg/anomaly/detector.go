// Package anomaly implements per-series statistical anomaly tagging.
//
// The detector keeps an exponentially weighted mean and variance per
// (tenant, device, metric) series. A reading further than k standard
// deviations from the mean is tagged; it is never dropped. Aggregates keep
// reflecting the true data while the tag rides along on the anomaly channel.
package anomaly

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/telefold/telefold/pkg/telemetry"
)

// Baseline is the rolling statistical state for one series.
type Baseline struct {
	Mean     float64
	Variance float64
	Samples  int64
	LastSeen time.Time
}

// StdDev returns the baseline standard deviation.
func (b Baseline) StdDev() float64 {
	if b.Variance <= 0 {
		return 0
	}
	return math.Sqrt(b.Variance)
}

// Config holds detector tuning.
type Config struct {
	// Alpha is the weight of the newest reading in the moving statistics.
	Alpha float64

	// Sigma is the k in |value-mean| > k*stddev.
	Sigma float64

	// Warmup is how many readings a series needs before anomalies are raised.
	Warmup int64

	// Retention evicts baselines not updated within this period. Bounds
	// memory for fleets where devices come and go.
	Retention time.Duration
}

// Detector tags readings that deviate from their series baseline.
// Safe for concurrent use.
type Detector struct {
	mu          sync.Mutex
	baselines   map[string]*Baseline
	cfg         Config
	lastCleanup time.Time
}

// cleanupInterval is how often stale baselines are pruned.
const cleanupInterval = 1 * time.Hour

// New creates a detector.
func New(cfg Config) *Detector {
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		cfg.Alpha = 0.1
	}
	if cfg.Sigma <= 0 {
		cfg.Sigma = 3.0
	}
	if cfg.Warmup <= 0 {
		cfg.Warmup = 10
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Detector{
		baselines:   make(map[string]*Baseline),
		cfg:         cfg,
		lastCleanup: time.Now(),
	}
}

// Detect evaluates a reading against its series baseline and folds the
// reading into the baseline. Returns a tag when the reading is anomalous,
// nil otherwise.
func (d *Detector) Detect(r telemetry.SensorReading) *telemetry.AnomalyTag {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cleanupLocked(time.Now())

	key := r.SeriesKey()
	b, ok := d.baselines[key]
	if !ok {
		b = &Baseline{}
		d.baselines[key] = b
	}

	var tag *telemetry.AnomalyTag
	if b.Samples >= d.cfg.Warmup {
		stddev := b.StdDev()
		if stddev > 0 {
			deviation := math.Abs(r.Value-b.Mean) / stddev
			if deviation > d.cfg.Sigma {
				severity := telemetry.SeverityWarning
				if deviation > 2*d.cfg.Sigma {
					severity = telemetry.SeverityCritical
				}
				tag = &telemetry.AnomalyTag{
					Reading: r,
					Reason: fmt.Sprintf("value %.4g deviates %.1f sigma from baseline mean %.4g",
						r.Value, deviation, b.Mean),
					Severity: severity,
				}
			}
		}
	}

	// Welford-style exponentially weighted update. The anomalous reading
	// still feeds the baseline so a sustained level shift becomes the new
	// normal instead of alerting forever. The first sample seeds the mean
	// directly; starting from zero would leave a long transient for series
	// that live far from the origin.
	if b.Samples == 0 {
		b.Mean = r.Value
	} else {
		diff := r.Value - b.Mean
		incr := d.cfg.Alpha * diff
		b.Mean += incr
		b.Variance = (1 - d.cfg.Alpha) * (b.Variance + diff*incr)
	}
	b.Samples++
	b.LastSeen = time.Now()

	return tag
}

// BaselineFor returns a copy of the current baseline for a series key.
// Exists for the health surface and tests.
func (d *Detector) BaselineFor(seriesKey string) (Baseline, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.baselines[seriesKey]
	if !ok {
		return Baseline{}, false
	}
	return *b, true
}

// SeriesCount returns the number of tracked baselines.
func (d *Detector) SeriesCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.baselines)
}

// cleanupLocked evicts baselines idle past the retention period.
// Must be called with d.mu held.
func (d *Detector) cleanupLocked(now time.Time) {
	if now.Sub(d.lastCleanup) < cleanupInterval {
		return
	}
	cutoff := now.Add(-d.cfg.Retention)
	for key, b := range d.baselines {
		if b.LastSeen.Before(cutoff) {
			delete(d.baselines, key)
		}
	}
	d.lastCleanup = now
}
