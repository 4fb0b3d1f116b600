package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

func cleanBrokers(raw []string) []string {
	brokers := make([]string, 0, len(raw))
	for _, b := range raw {
		trimmed := strings.TrimSpace(b)
		if trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}

// KafkaBus publishes notification events to a kafka topic.
type KafkaBus struct {
	writer *kafka.Writer
}

func NewKafkaBus(cfg KafkaConfig) (*KafkaBus, error) {
	brokers := cleanBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
	}
	return &KafkaBus{writer: w}, nil
}

func (b *KafkaBus) WriteMessages(ctx context.Context, msgs ...BusMessage) error {
	if b == nil || b.writer == nil {
		return fmt.Errorf("kafka bus not initialized")
	}
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, kafka.Message{Key: m.Key, Value: m.Value})
	}
	return b.writer.WriteMessages(ctx, out...)
}

func (b *KafkaBus) Close() error {
	if b == nil || b.writer == nil {
		return nil
	}
	return b.writer.Close()
}

// FeedConsumer reads provider status events, e-invoice clearing results
// for example, from a kafka topic.
type FeedConsumer struct {
	reader feedReader
}

type feedReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type FeedMessage struct {
	Key   []byte
	Value []byte
}

func NewFeedConsumer(cfg KafkaConfig) (*FeedConsumer, error) {
	brokers := cleanBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &FeedConsumer{reader: r}, nil
}

func (c *FeedConsumer) ReadMessage(ctx context.Context) (FeedMessage, error) {
	if c == nil || c.reader == nil {
		return FeedMessage{}, fmt.Errorf("feed consumer not initialized")
	}
	msg, err := c.reader.ReadMessage(ctx)
	if err != nil {
		return FeedMessage{}, err
	}
	return FeedMessage{Key: msg.Key, Value: msg.Value}, nil
}

func (c *FeedConsumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
