// Package memory implements an in-process bus with NATS-style subject
// matching, explicit acks and Nak redelivery. Data is lost on restart.
// Useful for testing and development.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/telefold/telefold/pkg/bus"
)

// Bus is an in-process implementation of bus.Bus.
type Bus struct {
	mu        sync.Mutex
	consumers map[string]*Consumer // keyed by durable name
	closed    bool
}

// New creates an in-process bus.
func New() *Bus {
	return &Bus{consumers: make(map[string]*Consumer)}
}

// Publish delivers the message to every subscription whose filter matches.
func (b *Bus) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	msg := bus.Message{Subject: subject, Data: append([]byte(nil), data...)}
	for _, c := range b.consumers {
		if matchSubject(c.filter, subject) {
			c.enqueue(pending{msg: msg, attempts: 0})
		}
	}
	return nil
}

// Subscribe creates or resumes a durable subscription.
func (b *Bus) Subscribe(ctx context.Context, filter, durable string) (bus.Consumer, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.consumers[durable]; ok {
		return c, nil
	}
	c := &Consumer{
		filter: filter,
		wake:   make(chan struct{}, 1),
	}
	b.consumers[durable] = c
	return c, nil
}

// Close shuts the bus down.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

type pending struct {
	msg      bus.Message
	attempts int
}

// Consumer is an in-process subscription queue.
type Consumer struct {
	mu     sync.Mutex
	filter string
	queue  []pending
	wake   chan struct{}
	closed bool
}

func (c *Consumer) enqueue(p pending) {
	c.mu.Lock()
	c.queue = append(c.queue, p)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Fetch returns up to max deliveries, blocking until one is available or the
// context is done.
func (c *Consumer) Fetch(ctx context.Context, max int) ([]*bus.Delivery, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, context.Canceled
		}
		n := len(c.queue)
		if n > 0 {
			if n > max {
				n = max
			}
			batch := make([]pending, n)
			copy(batch, c.queue[:n])
			c.queue = append([]pending(nil), c.queue[n:]...)
			c.mu.Unlock()

			deliveries := make([]*bus.Delivery, n)
			for i, p := range batch {
				p := p
				p.attempts++
				deliveries[i] = bus.NewDelivery(p.msg, p.attempts,
					func() error { return nil }, // ack: nothing to do, already dequeued
					func() error { // nak: requeue for redelivery
						c.enqueue(p)
						return nil
					})
			}
			return deliveries, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.wake:
		}
	}
}

// Pending returns the queue depth.
func (c *Consumer) Pending(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue), nil
}

// Close stops the subscription.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// matchSubject implements NATS subject matching: "*" matches one token,
// ">" matches the remainder.
func matchSubject(filter, subject string) bool {
	if filter == subject || filter == ">" {
		return true
	}

	ft := strings.Split(filter, ".")
	st := strings.Split(subject, ".")

	for i, f := range ft {
		if f == ">" {
			return true
		}
		if i >= len(st) {
			return false
		}
		if f != "*" && f != st[i] {
			return false
		}
	}
	return len(ft) == len(st)
}
