package auditstore

import (
	"context"
	"encoding/json"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"github.com/propgate/propgate/pkg/pipeline/model"
)

// KafkaPublisher mirrors audit records to a Kafka topic for downstream
// compliance consumers. Records are keyed by account so per-account order
// is preserved across partitions.
type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

func NewKafkaPublisher(cfg *KafkaConfig) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Balancer:               &kafka.Hash{},
			BatchTimeout:           50 * time.Millisecond,
			AllowAutoTopicCreation: true,
			RequiredAcks:           kafka.RequireOne,
		},
		topic: cfg.Topic,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, record *model.AuditRecord) error {
	value, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(record.AccountID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(record.EventType)},
			{Key: "record_id", Value: []byte(record.RecordID)},
		},
		Time: record.RecordedAt,
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
