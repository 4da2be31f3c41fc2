package sink

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/livox.relay/internal/lidar/relay"
)

// MQTTConfig configures the MQTT sink.
type MQTTConfig struct {
	Broker      string // e.g. tcp://localhost:1883
	ClientID    string
	TopicPrefix string
	QoS         byte
	Queue       int
	Timeout     time.Duration
	Codec       Codec
	Retry       RetryPolicy
}

type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes each frame to <prefix>/<broadcast code>/cloud.
type MQTTSink struct {
	*worker
	cfg    MQTTConfig
	client mqttPublisher
	close  func()
}

// NewMQTTSink connects to the broker, retrying per cfg.Retry.
func NewMQTTSink(ctx context.Context, cfg MQTTConfig, m *Metrics) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(10 * time.Second)
	client := mqtt.NewClient(opts)

	err := connect(ctx, "mqtt", cfg.Retry, func(context.Context) error {
		token := client.Connect()
		token.Wait()
		return token.Error()
	})
	if err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	s := newMQTTSink(cfg, client, m)
	s.close = func() { client.Disconnect(250) }
	return s, nil
}

func newMQTTSink(cfg MQTTConfig, client mqttPublisher, m *Metrics) *MQTTSink {
	if cfg.Codec == nil {
		cfg.Codec = BinaryCodec
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "livox"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	s := &MQTTSink{cfg: cfg, client: client}
	s.worker = newWorker("mqtt", cfg.Queue, s.deliver, m)
	return s
}

// Topic is where frames from code are published.
func (s *MQTTSink) Topic(code string) string {
	return fmt.Sprintf("%s/%s/cloud", s.cfg.TopicPrefix, code)
}

func (s *MQTTSink) deliver(_ context.Context, f *relay.Frame) error {
	payload, err := s.cfg.Codec.Encode(f)
	if err != nil {
		return err
	}
	token := s.client.Publish(s.Topic(f.BroadcastCode), s.cfg.QoS, false, payload)
	if !token.WaitTimeout(s.cfg.Timeout) {
		return fmt.Errorf("publish timed out after %v", s.cfg.Timeout)
	}
	return token.Error()
}

// Close disconnects from the broker.
func (s *MQTTSink) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
