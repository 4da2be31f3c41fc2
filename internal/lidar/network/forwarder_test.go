package network

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/livox.relay/internal/monitoring"
)

func TestPacketForwarder_MirrorsDatagrams(t *testing.T) {
	receiver, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer receiver.Close()

	stats := NewPacketStats()
	f, err := NewPacketForwarder(receiver.LocalAddr().String(), 8, stats, time.Second)
	require.NoError(t, err)
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)

	packet := []byte{0x05, 0x01, 0x02}
	f.ForwardAsync(packet)
	packet[0] = 0xff // the forwarder owns a copy

	buf := make([]byte, 16)
	require.NoError(t, receiver.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := receiver.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x05, 0x01, 0x02}, buf[:n])
}

func TestPacketForwarder_DropsWhenFull(t *testing.T) {
	stats := NewPacketStats()
	f, err := NewPacketForwarder("127.0.0.1:9", 2, stats, time.Second)
	require.NoError(t, err)
	defer f.Close()

	// Not started, so nothing drains the queue.
	for i := 0; i < 5; i++ {
		f.ForwardAsync([]byte{byte(i)})
	}
	assert.Equal(t, int64(3), stats.GetAndReset().Dropped)
}

func TestNewPacketForwarder_BadAddress(t *testing.T) {
	_, err := NewPacketForwarder("no-port-here", 1, nil, 0)
	assert.Error(t, err)
}

func TestPacketForwarder_StartIsIdempotent(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	t.Cleanup(func() { monitoring.SetLogger(nil) })

	f, err := NewPacketForwarder("127.0.0.1:9", 4, nil, time.Second)
	require.NoError(t, err)
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)
	f.Start(ctx)

	mu.Lock()
	defer mu.Unlock()
	started := 0
	for _, l := range lines {
		if strings.Contains(l, "mirroring packets") {
			started++
		}
	}
	assert.Equal(t, 1, started)
}
