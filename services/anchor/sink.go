package anchor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// LogSink only logs roots. Used in development where no anchor exists.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a new log sink
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Anchor logs the root and returns a local anchor id
func (s *LogSink) Anchor(ctx context.Context, root string, count int, metadataHash string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.logger.Info("anchor requested",
		zap.String("root", root),
		zap.Int("count", count),
		zap.String("metadata_hash", metadataHash))
	return "log:" + root, nil
}

// Request is the message published for every root
type Request struct {
	Root         string    `json:"root"`
	Count        int       `json:"count"`
	MetadataHash string    `json:"metadata_hash"`
	RequestedAt  time.Time `json:"requested_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes anchor requests to a topic consumed by the anchor chain bridge
type KafkaSink struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaSink creates a sink writing to topic on brokers
func NewKafkaSink(brokers []string, topic string, logger *zap.Logger) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka anchor sink requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka anchor sink requires a topic")
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		},
		topic:  topic,
		logger: logger,
	}, nil
}

// Anchor publishes the root keyed by itself. The anchor id names the topic and key.
func (s *KafkaSink) Anchor(ctx context.Context, root string, count int, metadataHash string) (string, error) {
	payload, err := json.Marshal(Request{
		Root:         root,
		Count:        count,
		MetadataHash: metadataHash,
		RequestedAt:  time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode anchor request: %w", err)
	}

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(root),
		Value: payload,
		Time:  time.Now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to publish anchor request: %w", err)
	}

	s.logger.Debug("anchor request published", zap.String("topic", s.topic), zap.String("root", root))
	return fmt.Sprintf("kafka:%s:%s", s.topic, root), nil
}

// Close flushes and closes the writer
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
