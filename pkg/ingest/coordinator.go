// Package ingest runs the consume side of the pipeline: it pulls raw
// readings off the bus, applies the quality gate, tags anomalies, merges
// validated readings into per-partition minute accumulators and republishes
// them on the clean subject.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"

	"github.com/telefold/telefold/pkg/accumulate"
	"github.com/telefold/telefold/pkg/anomaly"
	"github.com/telefold/telefold/pkg/bus"
	"github.com/telefold/telefold/pkg/config"
	"github.com/telefold/telefold/pkg/deadletter"
	"github.com/telefold/telefold/pkg/store"
	"github.com/telefold/telefold/pkg/telemetry"
	"github.com/telefold/telefold/pkg/validate"
)

// Config holds coordinator tuning. Zero values take the package defaults.
type Config struct {
	Workers               int
	QueueSize             int
	BatchSize             int
	FlushInterval         time.Duration
	FlushBacklogThreshold int
	DedupWindow           time.Duration

	Accumulator accumulate.Config
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = config.DefaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = config.WorkerQueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = config.ConsumeBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = config.FlushInterval
	}
	if c.FlushBacklogThreshold <= 0 {
		c.FlushBacklogThreshold = config.FlushBacklogThreshold
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = config.DedupWindow
	}
	return c
}

// partition is the state one worker owns exclusively. Readings are routed by
// hashing their (tenant, device) key, so a device's readings are always
// processed by the same worker in order.
type partition struct {
	id    int
	in    chan *bus.Delivery
	acc   *accumulate.Accumulator
	dedup *Dedup

	// Stats snapshots for the health surface. The accumulator and dedup map
	// are single-writer, so other goroutines read these instead.
	openBuckets atomic.Int64
	backlog     atomic.Int64
	dedupKeys   atomic.Int64
}

func (p *partition) snapshot(now time.Time) {
	p.openBuckets.Store(int64(p.acc.OpenBuckets()))
	p.backlog.Store(int64(p.acc.Backlog(now)))
	p.dedupKeys.Store(int64(p.dedup.Size()))
}

// Coordinator wires the bus, the quality gate, the detector and the
// accumulators into the ingestion loop.
type Coordinator struct {
	bus       bus.Bus
	validator *validate.Validator
	detector  *anomaly.Detector
	dlq       *deadletter.Router
	hub       *AnomalyHub
	cfg       Config

	partitions []*partition

	mu       sync.Mutex
	consumer bus.Consumer
}

// New creates an ingestion coordinator. The hub may be nil when anomaly
// streaming is disabled.
func New(b bus.Bus, st store.FeatureStore, v *validate.Validator, det *anomaly.Detector, dlq *deadletter.Router, hub *AnomalyHub, cfg Config) *Coordinator {
	cfg = cfg.withDefaults()

	partitions := make([]*partition, cfg.Workers)
	for i := range partitions {
		partitions[i] = &partition{
			id:    i,
			in:    make(chan *bus.Delivery, cfg.QueueSize),
			acc:   accumulate.New(st, cfg.Accumulator),
			dedup: NewDedup(cfg.DedupWindow),
		}
	}

	return &Coordinator{
		bus:        b,
		validator:  v,
		detector:   det,
		dlq:        dlq,
		hub:        hub,
		cfg:        cfg,
		partitions: partitions,
	}
}

// Run consumes raw readings until the context is cancelled, then drains the
// partition queues and flushes every open bucket before returning.
func (c *Coordinator) Run(ctx context.Context) error {
	consumer, err := c.bus.Subscribe(ctx, telemetry.SubjectRawPrefix+".>", "ingest")
	if err != nil {
		return fmt.Errorf("raw subscription failed: %w", err)
	}
	c.mu.Lock()
	c.consumer = consumer
	c.mu.Unlock()
	defer consumer.Close()

	g, ctx := errgroup.WithContext(ctx)

	for _, p := range c.partitions {
		p := p
		g.Go(func() error { return c.runWorker(ctx, p) })
	}
	g.Go(func() error { return c.dispatch(ctx, consumer) })

	return g.Wait()
}

// dispatch routes fetched deliveries onto partition queues. A full queue
// blocks the dispatcher, which stops fetching: backpressure propagates to
// the bus as growing consumer lag instead of growing process memory.
func (c *Coordinator) dispatch(ctx context.Context, consumer bus.Consumer) error {
	defer func() {
		for _, p := range c.partitions {
			close(p.in)
		}
	}()

	for {
		deliveries, err := consumer.Fetch(ctx, c.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("Fetch failed: %v", err)
			continue
		}

		for _, d := range deliveries {
			p := c.partitions[c.partitionFor(d)]
			select {
			case p.in <- d:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// partitionFor picks the worker for a delivery. Routing keys off the payload
// when it parses, falling back to the subject for malformed payloads so they
// still land deterministically.
func (c *Coordinator) partitionFor(d *bus.Delivery) int {
	var r telemetry.SensorReading
	key := d.Subject
	if err := json.Unmarshal(d.Data, &r); err == nil && r.DeviceID != "" {
		key = r.PartitionKey()
	}
	return int(xxhash.Sum64String(key) % uint64(len(c.partitions)))
}

func (c *Coordinator) runWorker(ctx context.Context, p *partition) error {
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		// Over the backlog threshold the worker stops consuming and only
		// flushes. Its queue fills, the dispatcher blocks, fetching pauses.
		if p.acc.Backlog(time.Now()) > c.cfg.FlushBacklogThreshold {
			select {
			case <-ctx.Done():
				return c.drain(p)
			case now := <-ticker.C:
				c.flush(ctx, p, now)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return c.drain(p)
		case now := <-ticker.C:
			c.flush(ctx, p, now)
		case d, ok := <-p.in:
			if !ok {
				return c.flushAll(p)
			}
			c.process(ctx, p, d)
			p.snapshot(time.Now())
		}
	}
}

// process runs one delivery through the pipeline stages. The delivery is
// acked only after the reading has been merged into its bucket; a crash
// before that point causes a redelivery the dedup window absorbs.
func (c *Coordinator) process(ctx context.Context, p *partition, d *bus.Delivery) {
	var r telemetry.SensorReading
	if err := json.Unmarshal(d.Data, &r); err != nil {
		c.reject(ctx, d, deadletter.StageValidation, "malformed_payload")
		return
	}

	now := time.Now()
	if err := c.validator.Validate(r, now); err != nil {
		c.reject(ctx, d, deadletter.StageValidation, validationReason(err))
		return
	}

	if p.dedup.Seen(r.Key(), now) {
		d.Ack()
		return
	}

	tag := c.detector.Detect(r)
	if tag != nil {
		c.announce(ctx, *tag)
	}

	p.acc.Merge(r)

	// Clean republish is advisory for downstream consumers; its failure
	// never blocks the reading, which is already merged. An anomaly tag
	// rides along as tag entries so clean consumers see it without
	// subscribing to the anomaly subject.
	clean := r
	if tag != nil {
		tags := make(map[string]string, len(r.Tags)+2)
		for k, v := range r.Tags {
			tags[k] = v
		}
		tags["anomaly_reason"] = tag.Reason
		tags["anomaly_severity"] = string(tag.Severity)
		clean.Tags = tags
	}
	if data, err := json.Marshal(clean); err == nil {
		if err := c.bus.Publish(ctx, telemetry.SubjectFor(telemetry.SubjectCleanPrefix, clean), data); err != nil {
			log.Printf("Clean publish failed for %s: %v", clean.SeriesKey(), err)
		}
	}

	if err := d.Ack(); err != nil {
		log.Printf("Ack failed on partition %d: %v", p.id, err)
	}
}

// announce publishes an anomaly tag on the bus and streams it to WebSocket
// clients.
func (c *Coordinator) announce(ctx context.Context, tag telemetry.AnomalyTag) {
	data, err := json.Marshal(tag)
	if err != nil {
		return
	}
	subject := telemetry.SubjectFor(telemetry.SubjectAnomalyPrefix, tag.Reading)
	if err := c.bus.Publish(ctx, subject, data); err != nil {
		log.Printf("Anomaly publish failed for %s: %v", tag.Reading.SeriesKey(), err)
	}
	if c.hub != nil {
		c.hub.Broadcast(tag)
	}
}

// reject dead-letters a failed delivery. The ack happens only once the
// envelope is durably archived; if the archive write fails the delivery is
// nacked instead, so the bus redelivers it until the store recovers and the
// payload is never lost from both sides at once.
func (c *Coordinator) reject(ctx context.Context, d *bus.Delivery, stage deadletter.Stage, reason string) {
	if c.dlq != nil {
		if err := c.dlq.Capture(ctx, d.Data, d.Subject, stage, reason); err != nil {
			log.Printf("Dead-letter capture failed, nacking for redelivery: %v", err)
			if err := d.Nak(); err != nil {
				log.Printf("Nak failed: %v", err)
			}
			return
		}
	}
	d.Ack()
}

// flush runs one flush pass on a partition and dead-letters any buckets the
// accumulator had to evict unflushed.
func (c *Coordinator) flush(ctx context.Context, p *partition, now time.Time) {
	dropped, err := p.acc.FlushDue(ctx, now)
	defer p.snapshot(now)
	if err != nil {
		log.Printf("Flush failed on partition %d: %v", p.id, err)
	}
	for _, row := range dropped {
		data, err := json.Marshal(row)
		if err != nil {
			continue
		}
		subject := telemetry.Subject(telemetry.SubjectCleanPrefix, row.TenantID, "", row.DeviceID)
		if c.dlq != nil {
			if err := c.dlq.Capture(ctx, data, subject, deadletter.StageAccumulation, "flush_expired"); err != nil {
				log.Printf("Dead-letter capture of evicted bucket failed: %v", err)
			}
		}
	}
}

// drain empties a partition's queue on shutdown, then flushes its buckets.
// Queued deliveries are processed rather than dropped so their acks are not
// lost.
func (c *Coordinator) drain(p *partition) error {
	for {
		select {
		case d, ok := <-p.in:
			if !ok {
				return c.flushAll(p)
			}
			c.process(context.Background(), p, d)
		default:
			return c.flushAll(p)
		}
	}
}

func (c *Coordinator) flushAll(p *partition) error {
	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := p.acc.FlushAll(ctx); err != nil {
		return fmt.Errorf("final flush on partition %d failed: %w", p.id, err)
	}
	return nil
}

// PartitionStatus is the per-worker health snapshot.
type PartitionStatus struct {
	ID          int `json:"id"`
	OpenBuckets int `json:"open_buckets"`
	Backlog     int `json:"flush_backlog"`
	DedupKeys   int `json:"dedup_keys"`
}

// Status reports per-partition state and consumer lag for the health surface.
func (c *Coordinator) Status(ctx context.Context) ([]PartitionStatus, int) {
	statuses := make([]PartitionStatus, len(c.partitions))
	for i, p := range c.partitions {
		statuses[i] = PartitionStatus{
			ID:          p.id,
			OpenBuckets: int(p.openBuckets.Load()),
			Backlog:     int(p.backlog.Load()),
			DedupKeys:   int(p.dedupKeys.Load()),
		}
	}

	c.mu.Lock()
	consumer := c.consumer
	c.mu.Unlock()

	lag := -1
	if consumer != nil {
		if n, err := consumer.Pending(ctx); err == nil {
			lag = n
		}
	}
	return statuses, lag
}

// validationReason maps a quality-gate error to its dead-letter reason code.
func validationReason(err error) string {
	switch {
	case errors.Is(err, validate.ErrStale):
		return "stale"
	case errors.Is(err, validate.ErrFutureTimestamp):
		return "future_timestamp"
	case errors.Is(err, validate.ErrNonFiniteValue):
		return "non_finite_value"
	case errors.Is(err, validate.ErrMissingField):
		return "missing_field"
	case errors.Is(err, validate.ErrTooManyTags):
		return "too_many_tags"
	default:
		return "invalid_structure"
	}
}
