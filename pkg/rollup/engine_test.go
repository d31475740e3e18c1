package rollup

import (
	"context"
	"testing"
	"time"

	"github.com/telefold/telefold/pkg/feature"
	"github.com/telefold/telefold/pkg/store"
	"github.com/telefold/telefold/pkg/store/memory"
)

func minuteRow(bucket time.Time, device string, f feature.Feature) feature.Row {
	return feature.Row{
		Window:      feature.WindowMinute,
		BucketStart: bucket,
		TenantID:    "acme",
		DeviceID:    device,
		Metric:      "temp",
		Feature:     f,
	}
}

func sched5m() Schedule {
	return Schedule{
		Window:      feature.Window5m,
		Interval:    time.Minute,
		StartOffset: 2 * time.Hour,
		EndOffset:   5 * time.Minute,
	}
}

func TestRun_DerivesFiveMinuteRollup(t *testing.T) {
	st := memory.New()
	defer st.Close()
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	minutes := []feature.Row{
		minuteRow(base, "dev-1", feature.Feature{}.Add(20).Add(22)),
		minuteRow(base.Add(time.Minute), "dev-1", feature.Feature{}.Add(24)),
	}
	if err := st.MergeMinutes(ctx, minutes); err != nil {
		t.Fatalf("MergeMinutes failed: %v", err)
	}

	eng := New(st)
	n, err := eng.Run(ctx, sched5m(), base.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("rows written = %d, want 1", n)
	}

	rows, err := st.QueryFeatures(ctx, store.Query{
		Window: feature.Window5m, TenantID: "acme",
		Start: base, End: base.Add(5 * time.Minute),
	})
	if err != nil {
		t.Fatalf("QueryFeatures failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 rollup row, got %d", len(rows))
	}

	f := rows[0].Feature
	if f.Count != 3 || f.Sum != 66.0 || f.Min != 20.0 || f.Max != 24.0 {
		t.Errorf("rollup = %+v, want count=3 sum=66 min=20 max=24", f)
	}
	if f.Avg() != 22.0 {
		t.Errorf("Avg() = %v, want 22", f.Avg())
	}
	if !rows[0].BucketStart.Equal(base) {
		t.Errorf("bucket start = %v, want %v", rows[0].BucketStart, base)
	}
}

func TestRun_IsIdempotent(t *testing.T) {
	st := memory.New()
	defer st.Close()
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if err := st.MergeMinutes(ctx, []feature.Row{
		minuteRow(base, "dev-1", feature.Feature{}.Add(20).Add(22)),
		minuteRow(base.Add(time.Minute), "dev-1", feature.Feature{}.Add(24)),
	}); err != nil {
		t.Fatalf("MergeMinutes failed: %v", err)
	}

	eng := New(st)
	now := base.Add(30 * time.Minute)
	for i := 0; i < 3; i++ {
		if _, err := eng.Run(ctx, sched5m(), now); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
	}

	rows, err := st.QueryFeatures(ctx, store.Query{
		Window: feature.Window5m, TenantID: "acme",
		Start: base, End: base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("QueryFeatures failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row after repeated runs, got %d", len(rows))
	}
	if rows[0].Feature.Count != 3 || rows[0].Feature.Sum != 66.0 {
		t.Errorf("rollup drifted across runs: %+v", rows[0].Feature)
	}
}

func TestRun_PicksUpLateMinuteFlush(t *testing.T) {
	st := memory.New()
	defer st.Close()
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	if err := st.MergeMinutes(ctx, []feature.Row{
		minuteRow(base, "dev-1", feature.Feature{}.Add(20)),
	}); err != nil {
		t.Fatalf("MergeMinutes failed: %v", err)
	}

	eng := New(st)
	now := base.Add(30 * time.Minute)
	if _, err := eng.Run(ctx, sched5m(), now); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// A straggler lands in an already-rolled-up bucket. The next run
	// re-derives the bucket and the rollup absorbs it.
	if err := st.MergeMinutes(ctx, []feature.Row{
		minuteRow(base.Add(2*time.Minute), "dev-1", feature.Feature{}.Add(30)),
	}); err != nil {
		t.Fatalf("late MergeMinutes failed: %v", err)
	}
	if _, err := eng.Run(ctx, sched5m(), now.Add(time.Minute)); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	rows, _ := st.QueryFeatures(ctx, store.Query{
		Window: feature.Window5m, TenantID: "acme",
		Start: base, End: base.Add(time.Hour),
	})
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	if rows[0].Feature.Count != 2 || rows[0].Feature.Sum != 50.0 {
		t.Errorf("rollup missing late minute: %+v", rows[0].Feature)
	}
}

func TestRun_ExcludesUnsettledTrailingBucket(t *testing.T) {
	st := memory.New()
	defer st.Close()
	ctx := context.Background()

	// now = 10:32, end offset 5m: range end aligns down to 10:25, so the
	// 10:25 bucket (still inside the offset) is not published.
	now := time.Date(2024, 1, 1, 10, 32, 0, 0, time.UTC)
	inRange := time.Date(2024, 1, 1, 10, 20, 0, 0, time.UTC)
	tooFresh := time.Date(2024, 1, 1, 10, 26, 0, 0, time.UTC)

	if err := st.MergeMinutes(ctx, []feature.Row{
		minuteRow(inRange, "dev-1", feature.Feature{}.Add(1)),
		minuteRow(tooFresh, "dev-1", feature.Feature{}.Add(2)),
	}); err != nil {
		t.Fatalf("MergeMinutes failed: %v", err)
	}

	eng := New(st)
	if _, err := eng.Run(ctx, sched5m(), now); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	rows, _ := st.QueryFeatures(ctx, store.Query{
		Window: feature.Window5m, TenantID: "acme",
		Start: now.Add(-time.Hour), End: now,
	})
	if len(rows) != 1 {
		t.Fatalf("expected 1 settled rollup row, got %d", len(rows))
	}
	if !rows[0].BucketStart.Equal(inRange) {
		t.Errorf("published bucket %v, want %v", rows[0].BucketStart, inRange)
	}
}

func TestRun_HourlyFromMinutes(t *testing.T) {
	st := memory.New()
	defer st.Close()
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	var minutes []feature.Row
	for i := 0; i < 60; i += 10 {
		minutes = append(minutes, minuteRow(base.Add(time.Duration(i)*time.Minute), "dev-1", feature.Feature{}.Add(float64(i))))
	}
	if err := st.MergeMinutes(ctx, minutes); err != nil {
		t.Fatalf("MergeMinutes failed: %v", err)
	}

	eng := New(st)
	sched := Schedule{
		Window:      feature.Window1h,
		Interval:    15 * time.Minute,
		StartOffset: 26 * time.Hour,
		EndOffset:   10 * time.Minute,
	}
	n, err := eng.Run(ctx, sched, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("rows written = %d, want 1", n)
	}

	rows, _ := st.QueryFeatures(ctx, store.Query{
		Window: feature.Window1h, TenantID: "acme",
		Start: base, End: base.Add(time.Hour),
	})
	if len(rows) != 1 {
		t.Fatalf("expected 1 hourly row, got %d", len(rows))
	}
	f := rows[0].Feature
	if f.Count != 6 || f.Sum != 150.0 || f.Min != 0.0 || f.Max != 50.0 {
		t.Errorf("hourly rollup = %+v", f)
	}
}

func TestDerive_SplitsSeries(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	minutes := []feature.Row{
		minuteRow(base, "dev-1", feature.Feature{}.Add(1)),
		minuteRow(base, "dev-2", feature.Feature{}.Add(2)),
		minuteRow(base.Add(6*time.Minute), "dev-1", feature.Feature{}.Add(3)),
	}

	rows := Derive(feature.Window5m, minutes)
	if len(rows) != 3 {
		t.Fatalf("expected 3 rollup rows (2 series x buckets), got %d", len(rows))
	}
	for _, r := range rows {
		if r.Window != feature.Window5m {
			t.Errorf("row window = %q", r.Window)
		}
		if r.Feature.Count != 1 {
			t.Errorf("series crosstalk in %s: %+v", r.SeriesKey(), r.Feature)
		}
	}
}

func TestRun_RejectsMinuteWindow(t *testing.T) {
	st := memory.New()
	defer st.Close()

	eng := New(st)
	sched := sched5m()
	sched.Window = feature.WindowMinute
	if _, err := eng.Run(context.Background(), sched, time.Now()); err == nil {
		t.Fatal("expected error for 1m rollup window")
	}
}
