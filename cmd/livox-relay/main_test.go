package main

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/livox.relay/internal/config"
	"github.com/banshee-data/livox.relay/internal/lidar/relay"
	"github.com/banshee-data/livox.relay/internal/lidar/sink"
)

func TestUDPPort(t *testing.T) {
	tests := []struct {
		addr    string
		want    int
		wantErr bool
	}{
		{":56001", 56001, false},
		{"192.168.1.50:56001", 56001, false},
		{"56001", 0, true},
		{":data", 0, true},
	}
	for _, tt := range tests {
		got, err := udpPort(tt.addr)
		if (err != nil) != tt.wantErr {
			t.Errorf("udpPort(%q) error = %v, wantErr %v", tt.addr, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("udpPort(%q) = %d, want %d", tt.addr, got, tt.want)
		}
	}
}

func TestBuildSinksNoneConfigured(t *testing.T) {
	set, err := buildSinks(context.Background(), config.SinksConfig{}, nil)
	if err != nil {
		t.Fatalf("buildSinks: %v", err)
	}
	if len(set.multi) != 0 || len(set.stats) != 0 {
		t.Fatalf("expected no sinks, got %d", len(set.multi))
	}
	set.multi.PublishFrame(&relay.Frame{})
	set.close()
}

func TestBuildSinksUnknownCodec(t *testing.T) {
	_, err := buildSinks(context.Background(), config.SinksConfig{Codec: "lz4"}, nil)
	if !errors.Is(err, sink.ErrUnknownCodec) {
		t.Fatalf("err = %v, want ErrUnknownCodec", err)
	}
}

func TestBuildSinksGRPC(t *testing.T) {
	m := sink.NewMetrics(prometheus.NewRegistry())
	set, err := buildSinks(context.Background(), config.SinksConfig{
		Codec: "half",
		GRPC:  &config.GRPCSink{Listen: "127.0.0.1:0"},
	}, m)
	if err != nil {
		t.Fatalf("buildSinks: %v", err)
	}
	defer set.close()

	if set.grpc == nil || set.grpc.Addr() == nil {
		t.Fatal("grpc sink not started")
	}
	if _, ok := set.stats["grpc"]; !ok {
		t.Fatal("grpc sink missing from stats")
	}
	set.multi.PublishFrame(&relay.Frame{BroadcastCode: "A"})
	if got := set.stats["grpc"].Stats().Sent; got != 0 {
		t.Errorf("Sent = %d with no subscribers, want 0", got)
	}
}
