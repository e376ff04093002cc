package trigger

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mcules/forecast-inference/internal/config"
	"github.com/mcules/forecast-inference/internal/metrics"
	"github.com/mcules/forecast-inference/internal/perf"
)

// Open builds the configured source and its sink.
func Open(cfg *config.Config, log *zap.Logger) (Source, Sink, error) {
	switch cfg.Consumer.Source {
	case "kafka":
		src, err := NewKafkaSource(KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		})
		if err != nil {
			return nil, nil, err
		}
		var sink Sink = NopSink{}
		if cfg.Kafka.OutputTopic != "" {
			sink = NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.OutputTopic)
		}
		return src, sink, nil

	case "mqtt":
		mc := MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Topic:       cfg.MQTT.Topic,
			OutputTopic: cfg.MQTT.OutputTopic,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			QoS:         byte(cfg.MQTT.QoS),
			Buffer:      cfg.Consumer.QueueSize,
		}
		src, err := NewMQTTSource(mc, log)
		if err != nil {
			return nil, nil, err
		}
		var sink Sink = NopSink{}
		if mc.OutputTopic != "" {
			s, err := NewMQTTSink(mc)
			if err != nil {
				_ = src.Close()
				return nil, nil, err
			}
			sink = s
		}
		return src, sink, nil

	default:
		return nil, nil, fmt.Errorf("unknown consumer source %q", cfg.Consumer.Source)
	}
}

// Supervise runs a consumer and reopens the source after it fails, until
// ctx is cancelled. partitions may be nil.
func Supervise(ctx context.Context, cfg *config.Config, pred Predictor, claims ClaimFetcher, m *metrics.Collectors, partitions *perf.Store, log *zap.Logger) {
	for {
		err := consumeOnce(ctx, cfg, pred, claims, m, partitions, log)
		if ctx.Err() != nil {
			return
		}
		log.Warn("consumer ended, restarting", zap.String("source", cfg.Consumer.Source), zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func consumeOnce(ctx context.Context, cfg *config.Config, pred Predictor, claims ClaimFetcher, m *metrics.Collectors, partitions *perf.Store, log *zap.Logger) error {
	src, sink, err := Open(cfg, log)
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.Consumer.Source, err)
	}
	defer src.Close()
	defer sink.Close()

	c := NewConsumer(src, pred, log)
	c.Sink = sink
	c.Claims = claims
	c.Workers = cfg.Consumer.Workers
	c.QueueSize = cfg.Consumer.QueueSize
	c.MaxAttempts = cfg.Consumer.MaxAttempts
	c.Backoff = cfg.Consumer.Backoff
	c.MaxBackoff = cfg.Consumer.MaxBackoff
	c.Metrics = m
	c.Perf = partitions

	log.Info("consumer started", zap.String("source", src.Name()), zap.Int("workers", c.Workers))
	return c.Run(ctx)
}
