package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/blockplane/blockplane/internal/logging"
)

var kafkaLog = logging.Global().With("component", "bus.kafka")

// KafkaSubscriber implements Subscriber for Kafka
type KafkaSubscriber struct {
	brokers       []string
	consumerGroup string
	readers       map[string]*kafka.Reader
	cancels       map[string]context.CancelFunc
	mu            sync.RWMutex
}

// NewKafkaSubscriber creates a new Kafka subscriber
func NewKafkaSubscriber(brokers []string, consumerGroup string) (*KafkaSubscriber, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}

	return &KafkaSubscriber{
		brokers:       brokers,
		consumerGroup: consumerGroup,
		readers:       make(map[string]*kafka.Reader),
		cancels:       make(map[string]context.CancelFunc),
	}, nil
}

// Subscribe subscribes to a topic with the given handler
func (s *KafkaSubscriber) Subscribe(ctx context.Context, subject string, handler MessageHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.readers[subject]; exists {
		return fmt.Errorf("already subscribed to topic: %s", subject)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:               s.brokers,
		GroupID:               s.consumerGroup,
		Topic:                 subject,
		MinBytes:              1,
		MaxBytes:              10e6,
		MaxWait:               3 * time.Second,
		CommitInterval:        time.Second,
		StartOffset:           kafka.LastOffset, // old announcements are stale
		HeartbeatInterval:     3 * time.Second,
		SessionTimeout:        30 * time.Second,
		RebalanceTimeout:      60 * time.Second,
		WatchPartitionChanges: true,
		ErrorLogger:           kafka.LoggerFunc(func(msg string, args ...interface{}) { kafkaLog.Debug(fmt.Sprintf(msg, args...)) }),
	})

	s.readers[subject] = reader

	subCtx, cancel := context.WithCancel(ctx)
	s.cancels[subject] = cancel

	go s.consume(subCtx, reader, subject, handler)

	kafkaLog.Info("Subscribed to Kafka topic", "topic", subject, "group", s.consumerGroup)
	return nil
}

// consume reads messages from the topic and processes them
func (s *KafkaSubscriber) consume(ctx context.Context, reader *kafka.Reader, subject string, handler MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			kafkaLog.Error("Failed to fetch message", "topic", reader.Config().Topic, "error", err)
			time.Sleep(time.Second)
			continue
		}

		if err := handler(ctx, subject, msg.Value); err != nil {
			kafkaLog.Error("Failed to handle message", "topic", reader.Config().Topic, "offset", msg.Offset, "error", err)
		}
		if err := reader.CommitMessages(ctx, msg); err != nil {
			kafkaLog.Error("Failed to commit message", "topic", reader.Config().Topic, "offset", msg.Offset, "error", err)
		}
	}
}

// Unsubscribe unsubscribes from a topic
func (s *KafkaSubscriber) Unsubscribe(subject string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancel, exists := s.cancels[subject]
	if !exists {
		return fmt.Errorf("not subscribed to topic: %s", subject)
	}

	cancel()
	delete(s.cancels, subject)

	if reader, ok := s.readers[subject]; ok {
		if err := reader.Close(); err != nil {
			kafkaLog.Warn("Failed to close reader", "topic", subject, "error", err)
		}
		delete(s.readers, subject)
	}

	kafkaLog.Info("Unsubscribed from Kafka topic", "topic", subject)
	return nil
}

// Close closes all readers and subscriptions
func (s *KafkaSubscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for topic, cancel := range s.cancels {
		cancel()
		kafkaLog.Debug("Cancelled subscription", "topic", topic)
	}
	s.cancels = make(map[string]context.CancelFunc)

	var lastErr error
	for topic, reader := range s.readers {
		if err := reader.Close(); err != nil {
			kafkaLog.Warn("Failed to close reader", "topic", topic, "error", err)
			lastErr = err
		}
	}
	s.readers = make(map[string]*kafka.Reader)

	kafkaLog.Info("Kafka subscriber closed")
	return lastErr
}
