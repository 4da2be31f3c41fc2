// Package config loads the relay's configuration file and applies
// RELAY_* environment overrides.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/livox.relay/internal/lidar/livox"
	"github.com/banshee-data/livox.relay/internal/lidar/livoxhost"
	"github.com/banshee-data/livox.relay/internal/lidar/relay"
)

const maxFileSize = 1 * 1024 * 1024

// RelayConfig is the root configuration. Every scalar is optional; the
// Get* methods supply defaults for fields the file leaves out.
type RelayConfig struct {
	// Core
	QueueCapacity *uint32  `json:"queue_capacity,omitempty" yaml:"queue_capacity,omitempty" env:"RELAY_QUEUE_CAPACITY"`
	FrameSize     *uint32  `json:"frame_size,omitempty" yaml:"frame_size,omitempty" env:"RELAY_FRAME_SIZE"`
	PollRateHz    *int     `json:"poll_rate_hz,omitempty" yaml:"poll_rate_hz,omitempty" env:"RELAY_POLL_RATE_HZ"`
	GapThreshold  *string  `json:"gap_threshold,omitempty" yaml:"gap_threshold,omitempty" env:"RELAY_GAP_THRESHOLD"` // duration string like "1500us"
	MaxDevices    *int     `json:"max_devices,omitempty" yaml:"max_devices,omitempty" env:"RELAY_MAX_DEVICES"`
	FrameID       *string  `json:"frame_id,omitempty" yaml:"frame_id,omitempty" env:"RELAY_FRAME_ID"`
	AllowList     []string `json:"allow_list,omitempty" yaml:"allow_list,omitempty" env:"RELAY_ALLOW_LIST" envSeparator:","`

	// Devices and ingest
	Devices           []DeviceEntry `json:"devices,omitempty" yaml:"devices,omitempty"`
	UDPAddr           *string       `json:"udp_addr,omitempty" yaml:"udp_addr,omitempty" env:"RELAY_UDP_ADDR"`
	UDPRcvBuf         *int          `json:"udp_rcvbuf,omitempty" yaml:"udp_rcvbuf,omitempty" env:"RELAY_UDP_RCVBUF"`
	ForwardAddr       *string       `json:"forward_addr,omitempty" yaml:"forward_addr,omitempty" env:"RELAY_FORWARD_ADDR"`
	DisconnectTimeout *string       `json:"disconnect_timeout,omitempty" yaml:"disconnect_timeout,omitempty" env:"RELAY_DISCONNECT_TIMEOUT"`

	// Outputs
	Sinks SinksConfig `json:"sinks" yaml:"sinks"`

	// Operations
	HTTPAddr         *string `json:"http_addr,omitempty" yaml:"http_addr,omitempty" env:"RELAY_HTTP_ADDR"`
	StatsDB          *string `json:"stats_db,omitempty" yaml:"stats_db,omitempty" env:"RELAY_STATS_DB"`
	SnapshotInterval *string `json:"snapshot_interval,omitempty" yaml:"snapshot_interval,omitempty" env:"RELAY_SNAPSHOT_INTERVAL"`
	LogLevel         *string `json:"log_level,omitempty" yaml:"log_level,omitempty" env:"RELAY_LOG_LEVEL"`
	LogDevelopment   *bool   `json:"log_development,omitempty" yaml:"log_development,omitempty" env:"RELAY_LOG_DEVELOPMENT"`
}

// DeviceEntry is one expected device.
type DeviceEntry struct {
	BroadcastCode string `json:"broadcast_code" yaml:"broadcast_code"`
	IP            string `json:"ip" yaml:"ip"`
	Type          string `json:"type" yaml:"type"`
	Firmware      string `json:"firmware,omitempty" yaml:"firmware,omitempty"`
}

// SinksConfig selects downstream transports. A nil section is disabled.
type SinksConfig struct {
	Codec string     `json:"codec,omitempty" yaml:"codec,omitempty" env:"RELAY_SINK_CODEC"`
	Queue int        `json:"queue,omitempty" yaml:"queue,omitempty"`
	GRPC  *GRPCSink  `json:"grpc,omitempty" yaml:"grpc,omitempty"`
	MQTT  *MQTTSink  `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
	Kafka *KafkaSink `json:"kafka,omitempty" yaml:"kafka,omitempty"`
	Redis *RedisSink `json:"redis,omitempty" yaml:"redis,omitempty"`
}

type GRPCSink struct {
	Listen      string `json:"listen" yaml:"listen"`
	ClientQueue int    `json:"client_queue,omitempty" yaml:"client_queue,omitempty"`
}

type MQTTSink struct {
	Broker      string `json:"broker" yaml:"broker"`
	ClientID    string `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	TopicPrefix string `json:"topic_prefix,omitempty" yaml:"topic_prefix,omitempty"`
	QoS         byte   `json:"qos,omitempty" yaml:"qos,omitempty"`
}

type KafkaSink struct {
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
}

type RedisSink struct {
	URL           string `json:"url" yaml:"url"`
	ChannelPrefix string `json:"channel_prefix,omitempty" yaml:"channel_prefix,omitempty"`
}

// Load reads a .json, .yaml or .yml file, then applies environment
// overrides and validates the result. An empty path loads defaults plus
// environment only.
func Load(path string) (*RelayConfig, error) {
	cfg := &RelayConfig{}
	if path != "" {
		if err := readFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func readFile(path string, cfg *RelayConfig) error {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("config file must be .json, .yaml or .yml, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if info.Size() > maxFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if ext == ".json" {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config %s: %w", filepath.Base(cleanPath), err)
	}
	return nil
}

// Validate checks the values that are set.
func (c *RelayConfig) Validate() error {
	capacity := c.GetQueueCapacity()
	if capacity < 2 || capacity&(capacity-1) != 0 {
		return fmt.Errorf("queue_capacity must be a power of two >= 2, got %d", capacity)
	}
	if c.GetFrameSize() == 0 || c.GetFrameSize() >= capacity {
		return fmt.Errorf("frame_size must be between 1 and queue_capacity-1, got %d", c.GetFrameSize())
	}
	if c.PollRateHz != nil && *c.PollRateHz <= 0 {
		return fmt.Errorf("poll_rate_hz must be positive, got %d", *c.PollRateHz)
	}
	if c.MaxDevices != nil && (*c.MaxDevices < 1 || *c.MaxDevices > livox.MaxLidarCount) {
		return fmt.Errorf("max_devices must be between 1 and %d, got %d", livox.MaxLidarCount, *c.MaxDevices)
	}

	for name, d := range map[string]*string{
		"gap_threshold":      c.GapThreshold,
		"disconnect_timeout": c.DisconnectTimeout,
		"snapshot_interval":  c.SnapshotInterval,
	} {
		if d == nil || *d == "" {
			continue
		}
		if v, err := time.ParseDuration(*d); err != nil || v <= 0 {
			return fmt.Errorf("invalid %s %q", name, *d)
		}
	}

	seen := make(map[string]bool)
	for i, d := range c.Devices {
		if d.BroadcastCode == "" {
			return fmt.Errorf("devices[%d]: broadcast_code is required", i)
		}
		if net.ParseIP(d.IP) == nil {
			return fmt.Errorf("devices[%d]: invalid ip %q", i, d.IP)
		}
		if _, err := livox.ParseDeviceType(d.Type); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if _, err := parseFirmware(d.Firmware); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if seen[d.BroadcastCode] {
			return fmt.Errorf("devices[%d]: duplicate broadcast_code %s", i, d.BroadcastCode)
		}
		seen[d.BroadcastCode] = true
	}

	switch c.Sinks.Codec {
	case "", "binary", "half", "json":
	default:
		return fmt.Errorf("unknown sinks.codec %q", c.Sinks.Codec)
	}
	if k := c.Sinks.Kafka; k != nil && (len(k.Brokers) == 0 || k.Topic == "") {
		return fmt.Errorf("sinks.kafka needs brokers and a topic")
	}
	if m := c.Sinks.MQTT; m != nil && m.Broker == "" {
		return fmt.Errorf("sinks.mqtt needs a broker")
	}
	if r := c.Sinks.Redis; r != nil && r.URL == "" {
		return fmt.Errorf("sinks.redis needs a url")
	}
	return nil
}

func parseFirmware(s string) ([4]uint8, error) {
	var v [4]uint8
	if s == "" {
		return v, nil
	}
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return v, fmt.Errorf("firmware must look like 1.2.3.4, got %q", s)
	}
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return v, fmt.Errorf("firmware must look like 1.2.3.4, got %q", s)
		}
		v[i] = uint8(n)
	}
	return v, nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

// GetQueueCapacity returns the per-device queue capacity or the default.
func (c *RelayConfig) GetQueueCapacity() uint32 {
	if c.QueueCapacity == nil {
		return 32768
	}
	return *c.QueueCapacity
}

// GetFrameSize returns the points per frame or the default.
func (c *RelayConfig) GetFrameSize() uint32 {
	if c.FrameSize == nil {
		return 5000
	}
	return *c.FrameSize
}

func (c *RelayConfig) GetPollRateHz() int {
	if c.PollRateHz == nil {
		return 500
	}
	return *c.PollRateHz
}

func (c *RelayConfig) GetGapThreshold() time.Duration {
	return durationOr(c.GapThreshold, 1500*time.Microsecond)
}

func (c *RelayConfig) GetMaxDevices() int {
	if c.MaxDevices == nil {
		return livox.MaxLidarCount
	}
	return *c.MaxDevices
}

func (c *RelayConfig) GetFrameID() string {
	if c.FrameID == nil || *c.FrameID == "" {
		return "sensor_frame"
	}
	return *c.FrameID
}

func (c *RelayConfig) GetUDPAddr() string {
	if c.UDPAddr == nil || *c.UDPAddr == "" {
		return ":56001"
	}
	return *c.UDPAddr
}

func (c *RelayConfig) GetUDPRcvBuf() int {
	if c.UDPRcvBuf == nil {
		return 4 << 20
	}
	return *c.UDPRcvBuf
}

// GetForwardAddr returns the raw packet mirror address; empty disables it.
func (c *RelayConfig) GetForwardAddr() string {
	if c.ForwardAddr == nil {
		return ""
	}
	return *c.ForwardAddr
}

func (c *RelayConfig) GetDisconnectTimeout() time.Duration {
	return durationOr(c.DisconnectTimeout, 2*time.Second)
}

func (c *RelayConfig) GetHTTPAddr() string {
	if c.HTTPAddr == nil || *c.HTTPAddr == "" {
		return ":8080"
	}
	return *c.HTTPAddr
}

// GetStatsDB returns the statistics database path; empty disables it.
func (c *RelayConfig) GetStatsDB() string {
	if c.StatsDB == nil {
		return ""
	}
	return *c.StatsDB
}

func (c *RelayConfig) GetSnapshotInterval() time.Duration {
	return durationOr(c.SnapshotInterval, 10*time.Second)
}

func (c *RelayConfig) GetLogLevel() string {
	if c.LogLevel == nil || *c.LogLevel == "" {
		return "info"
	}
	return *c.LogLevel
}

func (c *RelayConfig) GetLogDevelopment() bool {
	return c.LogDevelopment != nil && *c.LogDevelopment
}

// AllowedCodes is the explicit allow-list, or every configured device's
// broadcast code when the list is empty.
func (c *RelayConfig) AllowedCodes() []string {
	if len(c.AllowList) > 0 {
		return append([]string(nil), c.AllowList...)
	}
	codes := make([]string, 0, len(c.Devices))
	for _, d := range c.Devices {
		codes = append(codes, d.BroadcastCode)
	}
	return codes
}

// Relay builds the core configuration.
func (c *RelayConfig) Relay() relay.Config {
	return relay.Config{
		QueueCapacity: c.GetQueueCapacity(),
		FrameSize:     c.GetFrameSize(),
		PollRate:      float64(c.GetPollRateHz()),
		GapThreshold:  uint64(c.GetGapThreshold()),
		MaxDevices:    c.GetMaxDevices(),
		AllowList:     c.AllowedCodes(),
		FrameID:       c.GetFrameID(),
	}
}

// HostDevices converts the device table. Validate has already checked it.
func (c *RelayConfig) HostDevices() []livoxhost.DeviceConfig {
	out := make([]livoxhost.DeviceConfig, 0, len(c.Devices))
	for _, d := range c.Devices {
		t, _ := livox.ParseDeviceType(d.Type)
		fw, _ := parseFirmware(d.Firmware)
		out = append(out, livoxhost.DeviceConfig{
			BroadcastCode: d.BroadcastCode,
			IP:            d.IP,
			Type:          t,
			Firmware:      fw,
		})
	}
	return out
}
