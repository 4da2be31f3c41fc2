package main

import (
	"context"
	"fmt"
	"log"

	"github.com/banshee-data/livox.relay/internal/api"
	"github.com/banshee-data/livox.relay/internal/config"
	"github.com/banshee-data/livox.relay/internal/lidar/relay"
	"github.com/banshee-data/livox.relay/internal/lidar/sink"
)

type queuedSink interface {
	PublishFrame(f *relay.Frame)
	Start(ctx context.Context)
	Wait()
	Close() error
	Stats() sink.Stats
}

// sinkSet is every configured downstream transport.
type sinkSet struct {
	multi  sink.Multi
	stats  map[string]api.SinkStats
	queued []queuedSink
	grpc   *sink.GRPCSink
}

// buildSinks connects each configured sink. Sinks that were already
// connected are closed if a later one fails.
func buildSinks(ctx context.Context, cfg config.SinksConfig, m *sink.Metrics) (*sinkSet, error) {
	codec, err := sink.CodecByName(cfg.Codec)
	if err != nil {
		return nil, err
	}
	set := &sinkSet{stats: make(map[string]api.SinkStats)}

	add := func(name string, s queuedSink) {
		set.multi = append(set.multi, s)
		set.stats[name] = s
		set.queued = append(set.queued, s)
	}

	if g := cfg.GRPC; g != nil {
		gs := sink.NewGRPCSink(sink.GRPCConfig{ListenAddr: g.Listen, ClientQueue: g.ClientQueue, Codec: codec}, m)
		if err := gs.Start(); err != nil {
			return nil, fmt.Errorf("grpc sink: %w", err)
		}
		set.grpc = gs
		set.multi = append(set.multi, gs)
		set.stats["grpc"] = gs
	}

	if c := cfg.MQTT; c != nil {
		s, err := sink.NewMQTTSink(ctx, sink.MQTTConfig{
			Broker:      c.Broker,
			ClientID:    c.ClientID,
			TopicPrefix: c.TopicPrefix,
			QoS:         c.QoS,
			Queue:       cfg.Queue,
			Codec:       codec,
			Retry:       sink.DefaultRetry,
		}, m)
		if err != nil {
			set.close()
			return nil, err
		}
		add("mqtt", s)
	}

	if c := cfg.Kafka; c != nil {
		s, err := sink.NewKafkaSink(ctx, sink.KafkaConfig{
			Brokers: c.Brokers,
			Topic:   c.Topic,
			Queue:   cfg.Queue,
			Codec:   codec,
			Retry:   sink.DefaultRetry,
		}, m)
		if err != nil {
			set.close()
			return nil, err
		}
		add("kafka", s)
	}

	if c := cfg.Redis; c != nil {
		s, err := sink.NewRedisSink(ctx, sink.RedisConfig{
			URL:           c.URL,
			ChannelPrefix: c.ChannelPrefix,
			Queue:         cfg.Queue,
			Codec:         codec,
			Retry:         sink.DefaultRetry,
		}, m)
		if err != nil {
			set.close()
			return nil, err
		}
		add("redis", s)
	}

	return set, nil
}

// start launches the delivery loop of every queued sink.
func (s *sinkSet) start(ctx context.Context) {
	for _, q := range s.queued {
		q.Start(ctx)
	}
}

// close waits for delivery loops to exit, then releases connections.
func (s *sinkSet) close() {
	for _, q := range s.queued {
		q.Wait()
		if err := q.Close(); err != nil {
			log.Printf("sink close error: %v", err)
		}
	}
	if s.grpc != nil {
		s.grpc.Stop()
	}
}
