package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mcules/forecast-inference/internal/inference"
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// OutputTopic receives forecasts. Empty disables the sink.
	OutputTopic string
}

// KafkaSource reads a topic as part of a consumer group. Offsets are
// committed explicitly after a message is handled.
type KafkaSource struct {
	r *kafka.Reader
}

func NewKafkaSource(cfg KafkaConfig) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" || cfg.GroupID == "" {
		return nil, fmt.Errorf("kafka source needs brokers, topic and group id")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: 0,
		StartOffset:    kafka.FirstOffset,
	})
	return &KafkaSource{r: r}, nil
}

func (s *KafkaSource) Name() string { return "kafka" }

func (s *KafkaSource) Fetch(ctx context.Context) (Message, error) {
	m, err := s.r.FetchMessage(ctx)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Time:      m.Time,
	}, nil
}

func (s *KafkaSource) Commit(ctx context.Context, m Message) error {
	return s.r.CommitMessages(ctx, kafka.Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
	})
}

func (s *KafkaSource) Close() error { return s.r.Close() }

// KafkaSink publishes forecasts keyed by the triggering message key.
type KafkaSink struct {
	w *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}}
}

func (s *KafkaSink) Publish(ctx context.Context, key []byte, fc *inference.Forecast) error {
	b, err := json.Marshal(fc)
	if err != nil {
		return err
	}
	return s.w.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: b,
		Headers: []kafka.Header{
			{Key: "content-type", Value: []byte("application/json")},
			{Key: "forecast-id", Value: []byte(fc.ID)},
		},
	})
}

func (s *KafkaSink) Close() error { return s.w.Close() }
