// Package redpanda streams usage events to Redpanda/Kafka.
//
// The stream feeds external analytics; it is strictly best-effort and the
// chat path never blocks on broker availability.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/ai-chat-bot/internal/domain"
)

// TopicUsage is the Kafka topic carrying usage ledger events.
const TopicUsage = "usage-events"

// UsageProducer publishes usage records as JSON events keyed by user id.
type UsageProducer struct {
	client *kgo.Client
}

// usageEvent is the wire shape of one published record.
type usageEvent struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Tokens      int       `json:"tokens"`
	Cost        float64   `json:"cost"`
	Model       string    `json:"model"`
	RequestType string    `json:"request_type"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewUsageProducer connects to the given brokers and ensures the usage topic
// exists. An empty broker list yields a nil producer, which is a valid no-op
// publisher.
func NewUsageProducer(brokers []string) (*UsageProducer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}
	slog.Info("creating usage event producer", slog.Any("brokers", brokers))

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(5),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.NewUsageProducer: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := createTopicIfNotExists(ctx, client, TopicUsage, 1, 1); err != nil {
		slog.Warn("failed to create usage topic, it may already exist",
			slog.String("topic", TopicUsage),
			slog.Any("error", err))
	}
	return &UsageProducer{client: client}, nil
}

// PublishUsage sends one usage event. Safe on a nil receiver.
func (p *UsageProducer) PublishUsage(ctx domain.Context, u domain.UsageRecord) error {
	if p == nil || p.client == nil {
		return nil
	}

	b, err := json.Marshal(usageEvent{
		ID:          u.ID,
		UserID:      u.UserID,
		Tokens:      u.Tokens,
		Cost:        u.Cost,
		Model:       u.Model,
		RequestType: u.RequestType,
		CreatedAt:   u.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("op=redpanda.PublishUsage marshal: %w", err)
	}

	record := &kgo.Record{
		Topic: TopicUsage,
		Key:   []byte(u.UserID),
		Value: b,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("op=redpanda.PublishUsage produce: %w", err)
	}
	return nil
}

// Close flushes and shuts the underlying client down.
func (p *UsageProducer) Close() {
	if p == nil || p.client == nil {
		return
	}
	p.client.Close()
}
