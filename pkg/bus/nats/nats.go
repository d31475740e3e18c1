// Package nats implements the bus on NATS JetStream. One stream captures all
// sensor subjects; the pipeline consumes through durable pull consumers with
// explicit acks, so an unacked reading is redelivered after a crash.
package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/telefold/telefold/pkg/bus"
)

// Config holds transport configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// Stream is the JetStream stream name.
	Stream string

	// Subjects are the subjects captured by the stream.
	Subjects []string

	// AckWait is how long the server waits for an ack before redelivering.
	AckWait time.Duration
}

// Bus is a NATS JetStream implementation of bus.Bus.
type Bus struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	stream  jetstream.Stream
	ackWait time.Duration
}

// fetchWait bounds each underlying pull so Fetch can honor its context.
const fetchWait = 2 * time.Second

// Connect dials NATS and ensures the stream exists.
func Connect(ctx context.Context, cfg Config) (*Bus, error) {
	if cfg.Stream == "" {
		cfg.Stream = "SENSOR"
	}
	if len(cfg.Subjects) == 0 {
		cfg.Subjects = []string{"sensor.>"}
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}

	nc, err := nats.Connect(cfg.URL, nats.Name("telefold"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create jetstream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: cfg.Subjects,
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream %s: %w", cfg.Stream, err)
	}

	return &Bus{nc: nc, js: js, stream: stream, ackWait: cfg.AckWait}, nil
}

// Publish publishes with JetStream acknowledgement.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe creates or resumes a durable pull consumer on the stream.
func (b *Bus) Subscribe(ctx context.Context, filter, durable string) (bus.Consumer, error) {
	cons, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: filter,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.ackWait,
		MaxDeliver:    -1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer %s: %w", durable, err)
	}
	return &Consumer{cons: cons}, nil
}

// Close drains and closes the connection.
func (b *Bus) Close() error {
	return b.nc.Drain()
}

// Consumer wraps a JetStream pull consumer.
type Consumer struct {
	cons jetstream.Consumer
}

// Fetch pulls up to max messages, blocking until at least one arrives or the
// context is done.
func (c *Consumer) Fetch(ctx context.Context, max int) ([]*bus.Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		batch, err := c.cons.Fetch(max, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			return nil, fmt.Errorf("fetch failed: %w", err)
		}

		var deliveries []*bus.Delivery
		for msg := range batch.Messages() {
			attempts := 1
			if meta, err := msg.Metadata(); err == nil {
				attempts = int(meta.NumDelivered)
			}
			deliveries = append(deliveries, bus.NewDelivery(
				bus.Message{Subject: msg.Subject(), Data: msg.Data()},
				attempts,
				msg.Ack,
				msg.Nak,
			))
		}
		if err := batch.Error(); err != nil {
			return deliveries, err
		}
		if len(deliveries) > 0 {
			return deliveries, nil
		}
		// Empty pull: loop and wait again.
	}
}

// Pending returns the number of undelivered messages for this consumer.
func (c *Consumer) Pending(ctx context.Context) (int, error) {
	info, err := c.cons.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("consumer info failed: %w", err)
	}
	return int(info.NumPending), nil
}

// Close is a no-op: durable consumers survive process restarts by design.
func (c *Consumer) Close() error {
	return nil
}
