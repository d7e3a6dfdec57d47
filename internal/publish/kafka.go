package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
)

// messageWriter is the subset of *kafka.Writer used by KafkaPublisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher writes windows as JSON to a topic. Messages are keyed by
// market so one market stays on one partition.
type KafkaPublisher struct {
	writer messageWriter
	now    func() time.Time
}

var _ Publisher = (*KafkaPublisher)(nil)

// NewKafkaPublisher creates a publisher backed by a kafka.Writer.
func NewKafkaPublisher(config KafkaConfig) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &KafkaPublisher{writer: writer, now: time.Now}
}

// Name returns the metric label for this publisher.
func (p *KafkaPublisher) Name() string { return "kafka" }

// Publish writes w.
func (p *KafkaPublisher) Publish(ctx context.Context, w *domain.FeatureWindow) error {
	data, err := marshalWindow(w)
	if err != nil {
		return fmt.Errorf("marshal window: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   MarketKey(w.Venue, w.Symbol),
		Value: data,
		Time:  p.now(),
	})
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// MarketKey returns the partition key venue|symbol.
func MarketKey(venue domain.Venue, symbol string) []byte {
	return []byte(venue.String() + "|" + symbol)
}
