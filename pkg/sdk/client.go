package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/telefold/telefold/pkg/bus"
	"github.com/telefold/telefold/pkg/config"
	"github.com/telefold/telefold/pkg/sdk/batch"
	"github.com/telefold/telefold/pkg/telemetry"
)

// ClientConfig holds configuration for the device client.
type ClientConfig struct {
	TenantID   string        `json:"tenant_id"`
	DeviceID   string        `json:"device_id"`
	DeviceType string        `json:"device_type,omitempty"`
	BatchSize  int           `json:"batch_size,omitempty"`
	FlushEvery time.Duration `json:"flush_every,omitempty"`
}

// Client is the device-side publisher. It stamps readings with the device
// identity, batches them and publishes each on its raw subject.
type Client struct {
	config  ClientConfig
	pub     bus.Publisher
	batcher *batch.Batcher

	started bool
	cancel  context.CancelFunc
}

// New creates a device client publishing through the given bus.
func New(pub bus.Publisher, cfg ClientConfig) (*Client, error) {
	if cfg.TenantID == "" {
		return nil, fmt.Errorf("tenant_id is required")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device_id is required")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = config.SDKBatchSize
	}
	if cfg.FlushEvery == 0 {
		cfg.FlushEvery = config.SDKFlushInterval
	}

	client := &Client{config: cfg, pub: pub}
	client.batcher = batch.New(senderFunc(client.publish), batch.Config{
		MaxBatchSize: cfg.BatchSize,
		FlushEvery:   cfg.FlushEvery,
	})
	return client, nil
}

// Start begins background flushing.
func (c *Client) Start(ctx context.Context) error {
	if c.started {
		return fmt.Errorf("client already started")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.started = true

	if err := c.batcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start batcher: %w", err)
	}
	return nil
}

// Stop flushes pending readings and stops the client.
func (c *Client) Stop() error {
	if !c.started {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.started = false
	return c.batcher.Stop()
}

// Record queues one observation. The device identity from the config is
// stamped on; a zero observed_at is filled with the current time.
func (c *Client) Record(sensorID, metric string, value float64, observedAt time.Time, tags map[string]string) {
	if observedAt.IsZero() {
		observedAt = time.Now().UTC()
	}
	c.batcher.Add(telemetry.SensorReading{
		TenantID:   c.config.TenantID,
		DeviceID:   c.config.DeviceID,
		SensorID:   sensorID,
		DeviceType: c.config.DeviceType,
		Metric:     metric,
		Value:      value,
		ObservedAt: observedAt,
		Tags:       tags,
	})
}

// Flush synchronously publishes all queued readings.
func (c *Client) Flush() error {
	return c.batcher.Flush()
}

// publish sends a batch, one message per reading so subject-filtered
// consumers see exactly their devices.
func (c *Client) publish(ctx context.Context, readings []telemetry.SensorReading) error {
	for _, r := range readings {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal reading: %w", err)
		}
		subject := telemetry.SubjectFor(telemetry.SubjectRawPrefix, r)
		if err := c.pub.Publish(ctx, subject, data); err != nil {
			return fmt.Errorf("failed to publish reading: %w", err)
		}
	}
	return nil
}

type senderFunc func(ctx context.Context, readings []telemetry.SensorReading) error

func (f senderFunc) Send(ctx context.Context, readings []telemetry.SensorReading) error {
	return f(ctx, readings)
}
