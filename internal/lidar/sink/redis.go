package sink

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/banshee-data/livox.relay/internal/lidar/relay"
)

// RedisConfig configures the Redis pub/sub sink.
type RedisConfig struct {
	URL           string // redis://host:6379/0
	ChannelPrefix string
	Queue         int
	Codec         Codec
	Retry         RetryPolicy
}

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisSink publishes each frame on <prefix>:<broadcast code>.
type RedisSink struct {
	*worker
	cfg    RedisConfig
	client redisPublisher
}

// NewRedisSink parses the URL and pings the server, retrying per cfg.Retry.
func NewRedisSink(ctx context.Context, cfg RedisConfig, m *Metrics) (*RedisSink, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	err = connect(ctx, "redis", cfg.Retry, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connect %s: %w", opts.Addr, err)
	}
	return newRedisSink(cfg, client, m), nil
}

func newRedisSink(cfg RedisConfig, client redisPublisher, m *Metrics) *RedisSink {
	if cfg.Codec == nil {
		cfg.Codec = BinaryCodec
	}
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = "livox"
	}
	s := &RedisSink{cfg: cfg, client: client}
	s.worker = newWorker("redis", cfg.Queue, s.deliver, m)
	return s
}

// Channel is where frames from code are published.
func (s *RedisSink) Channel(code string) string {
	return s.cfg.ChannelPrefix + ":" + code
}

func (s *RedisSink) deliver(ctx context.Context, f *relay.Frame) error {
	payload, err := s.cfg.Codec.Encode(f)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.Channel(f.BroadcastCode), payload).Err()
}

// Close closes the client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
