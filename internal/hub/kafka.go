package hub

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"aoidash/internal/config"
	"aoidash/internal/model"
)

// KafkaSink mirrors update events onto a Kafka topic so shop-floor
// systems that cannot hold an SSE connection still see the change signal.
type KafkaSink struct {
	writer *kafka.Writer
	logger *slog.Logger
}

func NewKafkaSink(cfg config.KafkaConfig, logger *slog.Logger) *KafkaSink {
	if logger != nil {
		logger.Info("kafka event mirror enabled", "brokers", cfg.Brokers, "topic", cfg.Topic)
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}
}

func (s *KafkaSink) Publish(ctx context.Context, ev model.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{Value: payload})
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
