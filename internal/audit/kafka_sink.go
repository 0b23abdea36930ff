package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaSink publishes every audit record to a Kafka topic so downstream
// consumers (compliance pipelines, the demo dashboard's history view) can
// tail the trail without querying the store.
type KafkaSink struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// KafkaConfig holds sink configuration.
type KafkaConfig struct {
	Brokers string
	Topic   string
}

// NewKafkaSink connects a producer. Returns an error if brokers are
// unreachable at dial time; per-record publish failures are surfaced through
// Append and handled by the recorder's best-effort contract.
func NewKafkaSink(cfg KafkaConfig, logger *slog.Logger) (*KafkaSink, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(strings.Split(cfg.Brokers, ",")...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ProducerBatchMaxBytes(1<<20),
		kgo.ProduceRequestTimeout(5*time.Second),
		kgo.RequiredAcks(kgo.LeaderAck()),
		kgo.DisableIdempotentWrite(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaSink{client: client, topic: cfg.Topic, logger: logger}, nil
}

func (s *KafkaSink) Append(ctx context.Context, rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}

	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(rec.UserID.String()),
		Value: value,
	}

	result := s.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("produce audit record: %w", err)
	}
	return nil
}

// Close flushes pending records and shuts the producer down.
func (s *KafkaSink) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Flush(ctx); err != nil && s.logger != nil {
		s.logger.Warn("kafka flush on close failed", "error", err)
	}
	s.client.Close()
}
