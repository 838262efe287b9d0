package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/ifuryst/postwave/internal/config"
)

const (
	EventPublished = "content.published"
	EventFailed    = "content.failed"
)

// Producer is the part of *kgo.Client the emitter needs
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Envelope is the JSON value of every notification record
type Envelope struct {
	Type       string          `json:"type"`
	OwnerID    string          `json:"owner_id"`
	BrandID    string          `json:"brand_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Published  *PublishedEvent `json:"published,omitempty"`
	Failed     *FailedEvent    `json:"failed,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// KafkaEmitter publishes notifications to a topic, keyed by content id so the
// events of one item stay ordered within a partition.
type KafkaEmitter struct {
	producer Producer
	topic    string
	logger   *zap.Logger
	now      func() time.Time
}

func NewKafkaEmitter(cfg config.KafkaConfig, logger *zap.Logger) (*KafkaEmitter, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10*time.Millisecond),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return newKafkaEmitter(client, cfg.Topic, logger), nil
}

func newKafkaEmitter(producer Producer, topic string, logger *zap.Logger) *KafkaEmitter {
	return &KafkaEmitter{
		producer: producer,
		topic:    topic,
		logger:   logger,
		now:      time.Now,
	}
}

func (k *KafkaEmitter) NotifyPublished(ctx context.Context, ownerID, brandID string, ev PublishedEvent) error {
	return k.produce(ctx, ev.ContentID, Envelope{
		Type:       EventPublished,
		OwnerID:    ownerID,
		BrandID:    brandID,
		OccurredAt: k.now(),
		Published:  &ev,
	})
}

func (k *KafkaEmitter) NotifyFailed(ctx context.Context, ownerID, brandID string, ev FailedEvent, errMsg string) error {
	return k.produce(ctx, ev.ContentID, Envelope{
		Type:       EventFailed,
		OwnerID:    ownerID,
		BrandID:    brandID,
		OccurredAt: k.now(),
		Failed:     &ev,
		Error:      errMsg,
	})
}

func (k *KafkaEmitter) produce(ctx context.Context, key string, env Envelope) error {
	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	record := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(key),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(env.Type)},
		},
	}
	if env.BrandID != "" {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: "tenant_id", Value: []byte(env.BrandID)})
	}

	if err := k.producer.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("failed to produce notification: %w", err)
	}
	k.logger.Debug("Notification produced",
		zap.String("topic", k.topic),
		zap.String("event_type", env.Type),
		zap.String("content_id", key))
	return nil
}

func (k *KafkaEmitter) Close() {
	k.producer.Close()
}
