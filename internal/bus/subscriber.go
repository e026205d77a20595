// Package bus consumes storage node membership traffic from a message broker.
// Nodes announce themselves on the register subject and withdraw on the
// deregister subject; the control plane only ever consumes.
package bus

import (
	"context"
)

// MessageHandler is a function that processes incoming messages
type MessageHandler func(ctx context.Context, subject string, data []byte) error

// Subscriber defines the interface for message subscription
type Subscriber interface {
	// Subscribe subscribes to a subject/topic with the given handler
	Subscribe(ctx context.Context, subject string, handler MessageHandler) error

	// Unsubscribe unsubscribes from a subject/topic
	Unsubscribe(subject string) error

	// Close closes the subscriber and releases resources
	Close() error
}

// Config holds common subscriber configuration
type Config struct {
	// InstanceID uniquely identifies this control plane instance
	InstanceID string

	// ConsumerGroup is the consumer group name for group-based consumption
	ConsumerGroup string
}
