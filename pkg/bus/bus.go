// Package bus defines the topic-based message transport the pipeline consumes
// from and publishes to.
//
// Implementations: memory (testing/dev), nats (production, JetStream).
package bus

import "context"

// Message is a payload published on a subject.
type Message struct {
	Subject string
	Data    []byte
}

// Delivery is a received message with acknowledgement controls. The pipeline
// acks only after the reading has been merged; a crash before ack causes
// redelivery, which the dedup window absorbs.
type Delivery struct {
	Message

	// Attempts is 1 for the first delivery and counts redeliveries.
	Attempts int

	ack func() error
	nak func() error
}

// NewDelivery wraps a message with acknowledgement callbacks. Used by
// transport implementations.
func NewDelivery(msg Message, attempts int, ack, nak func() error) *Delivery {
	return &Delivery{Message: msg, Attempts: attempts, ack: ack, nak: nak}
}

// Ack acknowledges the delivery. The bus will not redeliver it.
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nak rejects the delivery and requests redelivery.
func (d *Delivery) Nak() error {
	if d.nak == nil {
		return nil
	}
	return d.nak()
}

// Publisher publishes messages to subjects.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Consumer pulls deliveries from a subscription.
type Consumer interface {
	// Fetch returns up to max pending deliveries. It blocks until at least
	// one delivery is available or the context is done.
	Fetch(ctx context.Context, max int) ([]*Delivery, error)

	// Pending returns the number of undelivered messages (consumer lag).
	Pending(ctx context.Context) (int, error)

	// Close stops the subscription.
	Close() error
}

// Bus is a full transport: publishing plus durable subscriptions.
type Bus interface {
	Publisher

	// Subscribe creates (or resumes) a durable subscription matching the
	// subject filter. NATS wildcard syntax: "*" one token, ">" the rest.
	Subscribe(ctx context.Context, filter, durable string) (Consumer, error)

	// Close shuts the transport down.
	Close() error
}
