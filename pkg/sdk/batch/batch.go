// Package batch accumulates readings and hands them to a sender in bounded
// batches, either when the batch fills or on a timer.
package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/telefold/telefold/pkg/telemetry"
)

// Sender delivers a batch of readings to the bus.
type Sender interface {
	Send(ctx context.Context, readings []telemetry.SensorReading) error
}

// Config holds configuration for the batcher.
type Config struct {
	MaxBatchSize int
	FlushEvery   time.Duration
}

// Batcher batches readings and sends them periodically.
type Batcher struct {
	config Config
	sender Sender

	readings []telemetry.SensorReading
	mu       sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	flushing atomic.Bool // one in-flight flush at a time
}

// New creates a new batcher.
func New(sender Sender, config Config) *Batcher {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 100
	}
	if config.FlushEvery <= 0 {
		config.FlushEvery = 2 * time.Second
	}
	return &Batcher{
		config:   config,
		sender:   sender,
		readings: make([]telemetry.SensorReading, 0, config.MaxBatchSize),
		done:     make(chan struct{}),
	}
}

// Start starts the flush loop.
func (b *Batcher) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)

	go b.flushLoop()
	return nil
}

// Add adds a reading to the batch. When the batch fills, a flush is kicked
// off in the background; the CompareAndSwap keeps a burst of Adds from
// spawning a flush goroutine each.
func (b *Batcher) Add(r telemetry.SensorReading) {
	b.mu.Lock()
	b.readings = append(b.readings, r)
	shouldFlush := len(b.readings) >= b.config.MaxBatchSize
	b.mu.Unlock()

	if shouldFlush && b.flushing.CompareAndSwap(false, true) {
		go func() {
			b.flush()
			b.flushing.Store(false)
		}()
	}
}

// Flush synchronously sends all pending readings.
func (b *Batcher) Flush() error {
	readings := b.take()
	if len(readings) == 0 {
		return nil
	}
	return b.send(readings)
}

// Stop stops the batcher and flushes whatever is pending.
func (b *Batcher) Stop() error {
	if b.cancel != nil {
		b.cancel()
	}

	<-b.done

	return b.Flush()
}

// Pending returns the number of buffered readings.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.readings)
}

func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if b.flushing.CompareAndSwap(false, true) {
				b.flush()
				b.flushing.Store(false)
			}
		}
	}
}

func (b *Batcher) flush() {
	readings := b.take()
	if len(readings) == 0 {
		return
	}
	b.send(readings)
}

func (b *Batcher) take() []telemetry.SensorReading {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.readings) == 0 {
		return nil
	}
	readings := make([]telemetry.SensorReading, len(b.readings))
	copy(readings, b.readings)
	b.readings = b.readings[:0]
	return readings
}

func (b *Batcher) send(readings []telemetry.SensorReading) error {
	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	return b.sender.Send(sendCtx, readings)
}
