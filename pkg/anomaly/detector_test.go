package anomaly

import (
	"testing"
	"time"

	"github.com/telefold/telefold/pkg/telemetry"
)

func reading(value float64) telemetry.SensorReading {
	return telemetry.SensorReading{
		TenantID:   "acme",
		DeviceID:   "dev-1",
		SensorID:   "s-1",
		Metric:     "temp",
		Value:      value,
		ObservedAt: time.Now(),
	}
}

func TestDetect_WarmupRaisesNothing(t *testing.T) {
	d := New(Config{Warmup: 10})

	// Wildly varying values during warm-up must not tag.
	values := []float64{20, 500, -300, 20, 21, 19, 800, 20, 20, 20}
	for i, v := range values {
		if tag := d.Detect(reading(v)); tag != nil {
			t.Errorf("reading %d (value %v) tagged during warm-up: %+v", i, v, tag)
		}
	}
}

func TestDetect_TagsOutlierAfterWarmup(t *testing.T) {
	d := New(Config{Alpha: 0.1, Sigma: 3, Warmup: 10})

	// Stable baseline around 20 with small jitter.
	jitter := []float64{20.0, 20.5, 19.5, 20.2, 19.8, 20.1, 19.9, 20.3, 19.7, 20.0,
		20.1, 19.9, 20.2, 19.8, 20.0}
	for _, v := range jitter {
		if tag := d.Detect(reading(v)); tag != nil {
			t.Fatalf("baseline value %v unexpectedly tagged: %+v", v, tag)
		}
	}

	tag := d.Detect(reading(50.0))
	if tag == nil {
		t.Fatal("expected 50.0 against ~20 baseline to be tagged")
	}
	if tag.Severity != telemetry.SeverityCritical {
		t.Errorf("expected critical severity for extreme outlier, got %s", tag.Severity)
	}
	if tag.Reading.Value != 50.0 {
		t.Errorf("tag does not carry the reading: %+v", tag.Reading)
	}
}

func TestDetect_OutlierStillUpdatesBaseline(t *testing.T) {
	d := New(Config{Alpha: 0.1, Sigma: 3, Warmup: 5})

	for i := 0; i < 10; i++ {
		d.Detect(reading(20.0))
	}
	before, _ := d.BaselineFor("acme/dev-1/temp")

	d.Detect(reading(50.0))
	after, _ := d.BaselineFor("acme/dev-1/temp")

	if after.Mean <= before.Mean {
		t.Errorf("outlier did not move the baseline: before=%v after=%v", before.Mean, after.Mean)
	}
	if after.Samples != before.Samples+1 {
		t.Errorf("sample count not advanced: before=%d after=%d", before.Samples, after.Samples)
	}
}

func TestDetect_SeparateSeriesSeparateBaselines(t *testing.T) {
	d := New(Config{Warmup: 2})

	r1 := reading(20.0)
	r2 := reading(900.0)
	r2.DeviceID = "dev-2"

	for i := 0; i < 10; i++ {
		if tag := d.Detect(r1); tag != nil {
			t.Errorf("stable series dev-1 tagged: %+v", tag)
		}
		if tag := d.Detect(r2); tag != nil {
			t.Errorf("stable series dev-2 tagged: %+v", tag)
		}
	}

	if d.SeriesCount() != 2 {
		t.Errorf("SeriesCount() = %d, want 2", d.SeriesCount())
	}
}

func TestDetect_ZeroVarianceNeverDividesByZero(t *testing.T) {
	d := New(Config{Warmup: 3})

	// Perfectly constant series: stddev is 0, nothing should be tagged and
	// nothing should panic.
	for i := 0; i < 20; i++ {
		if tag := d.Detect(reading(42.0)); tag != nil {
			t.Errorf("constant series tagged: %+v", tag)
		}
	}
}
