package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/blockplane/blockplane/internal/logging"
)

var natsLog = logging.Global().With("component", "bus.nats")

// NATSSubscriber implements Subscriber over core NATS. Membership traffic is
// deliberately not persisted: registrations are periodic heartbeats, so a
// control plane that starts late simply picks up the next announcement round
// rather than replaying stale ones.
type NATSSubscriber struct {
	conn          *nats.Conn
	instanceID    string
	queueGroup    string
	subscriptions map[string]*nats.Subscription
	mu            sync.RWMutex
}

// NewNATSSubscriber creates a new NATS subscriber
func NewNATSSubscriber(url, instanceID, queueGroup string) (*NATSSubscriber, error) {
	opts := []nats.Option{
		nats.Name(fmt.Sprintf("blockplane-%s", instanceID)),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				natsLog.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			natsLog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSSubscriber{
		conn:          conn,
		instanceID:    instanceID,
		queueGroup:    queueGroup,
		subscriptions: make(map[string]*nats.Subscription),
	}, nil
}

// Subscribe subscribes to a subject with the given handler. When a queue
// group is configured, instances in the group share the subject so each
// announcement is handled once.
func (s *NATSSubscriber) Subscribe(ctx context.Context, subject string, handler MessageHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subscriptions[subject]; exists {
		return fmt.Errorf("already subscribed to subject: %s", subject)
	}

	cb := func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		if err := handler(ctx, msg.Subject, msg.Data); err != nil {
			natsLog.Error("Failed to handle message", "subject", msg.Subject, "error", err)
		}
	}

	var sub *nats.Subscription
	var err error
	if s.queueGroup != "" {
		sub, err = s.conn.QueueSubscribe(subject, s.queueGroup, cb)
	} else {
		sub, err = s.conn.Subscribe(subject, cb)
	}
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	s.subscriptions[subject] = sub
	natsLog.Info("Subscribed to subject", "subject", subject, "queue", s.queueGroup)
	return nil
}

// Unsubscribe unsubscribes from a subject
func (s *NATSSubscriber) Unsubscribe(subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sub, exists := s.subscriptions[subject]
	if !exists {
		return fmt.Errorf("not subscribed to subject: %s", subject)
	}

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe from %s: %w", subject, err)
	}

	delete(s.subscriptions, subject)
	natsLog.Info("Unsubscribed from subject", "subject", subject)
	return nil
}

// Close closes all subscriptions and the connection
func (s *NATSSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for subject, sub := range s.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			natsLog.Warn("Failed to unsubscribe", "subject", subject, "error", err)
		}
	}
	s.subscriptions = make(map[string]*nats.Subscription)

	s.conn.Close()
	natsLog.Info("NATS subscriber closed")
	return nil
}
