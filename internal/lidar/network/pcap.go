package network

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/livox.relay/internal/monitoring"
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// ReplayOptions controls capture replay.
type ReplayOptions struct {
	// Realtime sleeps between packets to reproduce the capture's pacing.
	Realtime bool
	// SpeedMultiplier scales realtime pacing; 2.0 replays twice as fast.
	SpeedMultiplier float64
}

type packetReader interface {
	gopacket.PacketDataSource
	LinkType() layers.LinkType
}

// openCapture accepts both classic pcap and pcapng files.
func openCapture(r io.Reader) (packetReader, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}
	if bytes.Equal(magic, pcapngMagic) {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

// ReadPCAPFile replays the UDP datagrams sent to udpPort in a capture file
// through handler. It returns nil at end of file.
func ReadPCAPFile(ctx context.Context, path string, udpPort int, handler PacketHandler, stats PacketStatsInterface, opts ReplayOptions) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", path, err)
	}
	defer f.Close()

	reader, err := openCapture(f)
	if err != nil {
		return fmt.Errorf("failed to read PCAP file %s: %w", path, err)
	}
	if stats == nil {
		stats = noopStats{}
	}
	speed := opts.SpeedMultiplier
	if speed <= 0 {
		speed = 1
	}

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.DecodeOptions = gopacket.DecodeOptions{Lazy: true}

	var (
		count     int
		last      time.Time
		startTime = time.Now()
	)
	for {
		if err := ctx.Err(); err != nil {
			monitoring.Logf("[PCAP] stopping after %d packets", count)
			return err
		}
		packet, err := source.NextPacket()
		if err == io.EOF {
			monitoring.Logf("[PCAP] replay complete: %d packets in %v", count, time.Since(startTime))
			return nil
		}
		if err != nil {
			monitoring.Warnf("[PCAP] skipping unreadable packet: %v", err)
			continue
		}

		src, payload, ok := udpPayload(packet, udpPort)
		if !ok {
			continue
		}

		if opts.Realtime {
			captured := packet.Metadata().Timestamp
			if !last.IsZero() {
				if wait := time.Duration(float64(captured.Sub(last)) / speed); wait > 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(wait):
					}
				}
			}
			last = captured
		}

		count++
		stats.AddPacket(len(payload))
		if err := handler.HandlePacket(src, payload); err != nil {
			stats.AddRejected()
		}
		if count%10000 == 0 {
			monitoring.Logf("[PCAP] progress: %d packets in %v", count, time.Since(startTime))
		}
	}
}

// udpPayload extracts the source address and payload of a UDP datagram
// sent to port.
func udpPayload(packet gopacket.Packet, port int) (net.IP, []byte, bool) {
	udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok || int(udp.DstPort) != port || len(udp.Payload) == 0 {
		return nil, nil, false
	}
	var src net.IP
	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		src = ip.SrcIP
	case *layers.IPv6:
		src = ip.SrcIP
	}
	return src, udp.Payload, true
}
