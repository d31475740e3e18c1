package feature

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

func TestAdd_FirstObservation(t *testing.T) {
	f := Feature{}.Add(20.0)

	if f.Count != 1 || f.Sum != 20.0 || f.Min != 20.0 || f.Max != 20.0 || f.SumSq != 400.0 {
		t.Errorf("unexpected feature after first add: %+v", f)
	}
}

func TestMerge_MonoidLaws(t *testing.T) {
	// merge(A∪B) == merge(merge(A), merge(B)) for any split and any order.
	values := []float64{20.0, 22.0, 24.0, 19.5, 50.0, -3.2, 0.0, 21.1}

	var all Feature
	for _, v := range values {
		all = all.Add(v)
	}

	for split := 0; split <= len(values); split++ {
		var a, b Feature
		for _, v := range values[:split] {
			a = a.Add(v)
		}
		for _, v := range values[split:] {
			b = b.Add(v)
		}

		ab := a.Merge(b)
		ba := b.Merge(a)

		if ab != all {
			t.Errorf("split %d: merge(A,B) = %+v, want %+v", split, ab, all)
		}
		if ab != ba {
			t.Errorf("split %d: merge is not commutative: %+v vs %+v", split, ab, ba)
		}
	}
}

func TestMerge_Associative(t *testing.T) {
	r := rand.New(rand.NewSource(7))

	for trial := 0; trial < 50; trial++ {
		var a, b, c Feature
		for i := 0; i < 5; i++ {
			a = a.Add(r.NormFloat64() * 10)
			b = b.Add(r.NormFloat64() * 10)
			c = c.Add(r.NormFloat64() * 10)
		}

		left := a.Merge(b).Merge(c)
		right := a.Merge(b.Merge(c))
		if left != right {
			t.Fatalf("associativity violated: %+v vs %+v", left, right)
		}
	}
}

func TestMerge_EmptyIdentity(t *testing.T) {
	f := Feature{}.Add(5).Add(9)

	if got := f.Merge(Feature{}); got != f {
		t.Errorf("merge with empty changed value: %+v", got)
	}
	if got := (Feature{}).Merge(f); got != f {
		t.Errorf("empty merged with f changed value: %+v", got)
	}
}

func TestAvgStdDev(t *testing.T) {
	var f Feature
	for _, v := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		f = f.Add(v)
	}

	if got := f.Avg(); got != 5.0 {
		t.Errorf("Avg() = %v, want 5.0", got)
	}
	if got := f.StdDev(); math.Abs(got-2.0) > 1e-9 {
		t.Errorf("StdDev() = %v, want 2.0", got)
	}
}

func TestStdDev_ClampedToZero(t *testing.T) {
	// A constant series can produce a tiny negative variance from cancellation.
	var f Feature
	for i := 0; i < 1000; i++ {
		f = f.Add(0.1)
	}

	if got := f.StdDev(); got < 0 || math.IsNaN(got) {
		t.Errorf("StdDev() = %v, want clamped non-negative", got)
	}
}

func TestValidate(t *testing.T) {
	var f Feature
	for _, v := range []float64{1, 2, 3} {
		f = f.Add(v)
	}
	if err := f.Validate(); err != nil {
		t.Errorf("valid feature rejected: %v", err)
	}

	if err := (Feature{}).Validate(); err != nil {
		t.Errorf("empty feature rejected: %v", err)
	}

	corrupt := Feature{Count: 2, Sum: 10, Min: 8, Max: 9, SumSq: 50}
	if err := corrupt.Validate(); err == nil {
		t.Error("expected min>avg corruption to be detected")
	}

	corrupt = Feature{Count: 2, Sum: 10, Min: 4, Max: 6, SumSq: 10}
	if err := corrupt.Validate(); err == nil {
		t.Error("expected sumsq violation to be detected")
	}
}

func TestBucketStart(t *testing.T) {
	tests := []struct {
		window   Window
		input    time.Time
		expected time.Time
	}{
		{
			window:   WindowMinute,
			input:    time.Date(2024, 1, 1, 10, 0, 40, 123, time.UTC),
			expected: time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			window:   WindowMinute,
			input:    time.Date(2024, 1, 1, 10, 1, 10, 0, time.UTC),
			expected: time.Date(2024, 1, 1, 10, 1, 0, 0, time.UTC),
		},
		{
			window:   Window5m,
			input:    time.Date(2024, 1, 1, 12, 7, 15, 0, time.UTC),
			expected: time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC),
		},
		{
			window:   Window5m,
			input:    time.Date(2024, 1, 1, 12, 14, 59, 0, time.UTC),
			expected: time.Date(2024, 1, 1, 12, 10, 0, 0, time.UTC),
		},
		{
			window:   Window1h,
			input:    time.Date(2024, 1, 1, 12, 59, 59, 0, time.UTC),
			expected: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		},
	}

	for _, test := range tests {
		result := test.window.BucketStart(test.input)
		if !result.Equal(test.expected) {
			t.Errorf("%s.BucketStart(%v) = %v, expected %v",
				test.window, test.input, result, test.expected)
		}
	}
}

func TestWindowValid(t *testing.T) {
	if !Window5m.Valid() || !Window1h.Valid() || !WindowMinute.Valid() {
		t.Error("known windows reported invalid")
	}
	if Window("10m").Valid() {
		t.Error("unknown window reported valid")
	}
}
