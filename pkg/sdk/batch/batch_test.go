package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/telefold/telefold/pkg/telemetry"
)

// captureSender records every batch it receives.
type captureSender struct {
	mu      sync.Mutex
	batches [][]telemetry.SensorReading
}

func (s *captureSender) Send(ctx context.Context, readings []telemetry.SensorReading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := make([]telemetry.SensorReading, len(readings))
	copy(batch, readings)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *captureSender) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func reading(i int) telemetry.SensorReading {
	return telemetry.SensorReading{
		TenantID:   "acme",
		DeviceID:   "dev-1",
		SensorID:   "s-1",
		Metric:     "temp",
		Value:      float64(i),
		ObservedAt: time.Now().UTC(),
	}
}

func TestBatcher_FlushSendsPending(t *testing.T) {
	sender := &captureSender{}
	b := New(sender, Config{MaxBatchSize: 100, FlushEvery: time.Hour})

	for i := 0; i < 5; i++ {
		b.Add(reading(i))
	}
	if b.Pending() != 5 {
		t.Fatalf("Pending = %d, want 5", b.Pending())
	}

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if sender.total() != 5 {
		t.Errorf("sent = %d, want 5", sender.total())
	}
	if b.Pending() != 0 {
		t.Errorf("Pending after flush = %d", b.Pending())
	}
}

func TestBatcher_FlushesWhenFull(t *testing.T) {
	sender := &captureSender{}
	b := New(sender, Config{MaxBatchSize: 10, FlushEvery: time.Hour})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop()

	for i := 0; i < 10; i++ {
		b.Add(reading(i))
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sender.total() == 10 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("full batch not flushed: sent=%d", sender.total())
}

func TestBatcher_TimerFlush(t *testing.T) {
	sender := &captureSender{}
	b := New(sender, Config{MaxBatchSize: 1000, FlushEvery: 20 * time.Millisecond})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop()

	b.Add(reading(1))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sender.total() == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timer flush never fired: sent=%d", sender.total())
}

func TestBatcher_StopFlushesRemainder(t *testing.T) {
	sender := &captureSender{}
	b := New(sender, Config{MaxBatchSize: 1000, FlushEvery: time.Hour})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		b.Add(reading(i))
	}
	if err := b.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if sender.total() != 3 {
		t.Errorf("sent = %d, want 3 after Stop", sender.total())
	}
}

func TestBatcher_ConcurrentAdds(t *testing.T) {
	sender := &captureSender{}
	b := New(sender, Config{MaxBatchSize: 50, FlushEvery: 10 * time.Millisecond})
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Add(reading(g*100 + i))
			}
		}(g)
	}
	wg.Wait()

	if err := b.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	// A size-triggered background flush may still be landing right after
	// Stop's final flush returns.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sender.total() == 800 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("sent = %d, want 800", sender.total())
}
