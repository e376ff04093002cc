package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mcules/forecast-inference/internal/inference"
)

var ErrSourceClosed = errors.New("source closed")

type MQTTConfig struct {
	Broker   string
	ClientID string
	Topic    string
	// OutputTopic receives forecasts. Empty disables the sink.
	OutputTopic string
	Username    string
	Password    string
	QoS         byte
	Buffer      int
}

var hostname = os.Hostname

// options builds the client options. The broker keys a persistent session
// by client ID, so an unset ID is derived from host, broker and topic and
// stays the same across restarts. If no stable ID can be derived the
// session is clean, since a random ID would strand a new session on the
// broker every start.
func (c MQTTConfig) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.Broker)
	id, stable := c.ClientID, true
	if id == "" {
		id, stable = defaultClientID(c.Broker, c.Topic)
	}
	opts.SetClientID(id)
	if c.Username != "" {
		opts.SetUsername(c.Username)
		opts.SetPassword(c.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetCleanSession(!stable)
	return opts
}

func defaultClientID(broker, topic string) (string, bool) {
	host, err := hostname()
	if err != nil || host == "" {
		return "forecast-" + uuid.NewString()[:8], false
	}
	sum := uuid.NewSHA1(uuid.NameSpaceURL, []byte(host+"|"+broker+"|"+topic))
	return "forecast-" + sum.String()[:8], true
}

func connect(client mqtt.Client) error {
	tok := client.Connect()
	if !tok.WaitTimeout(30 * time.Second) {
		return errors.New("mqtt connect timed out")
	}
	return tok.Error()
}

// MQTTSource subscribes to a topic filter and hands messages to Fetch
// through a buffered channel. Messages are acked on Commit.
type MQTTSource struct {
	client mqtt.Client
	ch     chan Message
	done   chan struct{}
	once   sync.Once
	log    *zap.Logger
}

func NewMQTTSource(cfg MQTTConfig, log *zap.Logger) (*MQTTSource, error) {
	if cfg.Broker == "" || cfg.Topic == "" {
		return nil, errors.New("mqtt source needs broker and topic")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.QoS == 0 {
		cfg.QoS = 1
	}
	buf := cfg.Buffer
	if buf <= 0 {
		buf = 256
	}
	s := newMQTTSource(buf, log)

	opts := cfg.options()
	opts.SetAutoAckDisabled(true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		tok := c.Subscribe(cfg.Topic, cfg.QoS, func(_ mqtt.Client, m mqtt.Message) { s.deliver(m) })
		tok.Wait()
		if err := tok.Error(); err != nil {
			s.log.Error("subscribe failed", zap.String("topic", cfg.Topic), zap.Error(err))
			return
		}
		s.log.Info("subscribed", zap.String("topic", cfg.Topic))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.log.Warn("connection lost", zap.Error(err))
	})

	s.client = mqtt.NewClient(opts)
	if err := connect(s.client); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return s, nil
}

func newMQTTSource(buf int, log *zap.Logger) *MQTTSource {
	return &MQTTSource{
		ch:   make(chan Message, buf),
		done: make(chan struct{}),
		log:  log.Named("mqtt"),
	}
}

// deliver runs on the paho router goroutine. It blocks while the buffer is
// full, which applies backpressure to the broker.
func (s *MQTTSource) deliver(m mqtt.Message) {
	msg := Message{
		Topic:  m.Topic(),
		Offset: int64(m.MessageID()),
		Value:  m.Payload(),
		Time:   time.Now(),
		ack:    m.Ack,
	}
	select {
	case s.ch <- msg:
	case <-s.done:
	}
}

func (s *MQTTSource) Name() string { return "mqtt" }

func (s *MQTTSource) Fetch(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-s.done:
		return Message{}, ErrSourceClosed
	case m := <-s.ch:
		return m, nil
	}
}

func (s *MQTTSource) Commit(_ context.Context, m Message) error {
	if m.ack != nil {
		m.ack()
	}
	return nil
}

func (s *MQTTSource) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.client != nil {
			s.client.Disconnect(250)
		}
	})
	return nil
}

type MQTTSink struct {
	client mqtt.Client
	topic  string
	qos    byte
}

func NewMQTTSink(cfg MQTTConfig) (*MQTTSink, error) {
	if cfg.OutputTopic == "" {
		return nil, errors.New("mqtt sink needs an output topic")
	}
	opts := cfg.options()
	opts.SetClientID(opts.ClientID + "-pub")
	// Publish only; nothing to keep between sessions.
	opts.SetCleanSession(true)
	client := mqtt.NewClient(opts)
	if err := connect(client); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	qos := cfg.QoS
	if qos == 0 {
		qos = 1
	}
	return &MQTTSink{client: client, topic: cfg.OutputTopic, qos: qos}, nil
}

func (s *MQTTSink) Publish(ctx context.Context, _ []byte, fc *inference.Forecast) error {
	b, err := json.Marshal(fc)
	if err != nil {
		return err
	}
	tok := s.client.Publish(s.topic, s.qos, false, b)
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
