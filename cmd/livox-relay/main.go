package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/banshee-data/livox.relay/internal/api"
	"github.com/banshee-data/livox.relay/internal/config"
	"github.com/banshee-data/livox.relay/internal/lidar/livoxhost"
	"github.com/banshee-data/livox.relay/internal/lidar/network"
	"github.com/banshee-data/livox.relay/internal/lidar/relay"
	"github.com/banshee-data/livox.relay/internal/lidar/sink"
	"github.com/banshee-data/livox.relay/internal/lidar/statsdb"
	"github.com/banshee-data/livox.relay/internal/monitoring"
	"github.com/banshee-data/livox.relay/internal/version"
)

var (
	configPath   = flag.String("config", "", "Path to a .json, .yaml or .yml relay config")
	listen       = flag.String("listen", "", "HTTP listen address (overrides http_addr)")
	udpAddress   = flag.String("udp-addr", "", "UDP bind address for Livox data (overrides udp_addr)")
	pcapFile     = flag.String("pcap", "", "Replay a pcap/pcapng capture instead of listening on UDP")
	pcapRealtime = flag.Bool("pcap-realtime", false, "Pace pcap replay by capture timestamps")
	pcapSpeed    = flag.Float64("pcap-speed", 1.0, "Speed multiplier for realtime pcap replay")
	logInterval  = flag.Duration("log-interval", 2*time.Second, "Packet statistics logging interval")
	showVersion  = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.HTTPAddr = listen
	}
	if *udpAddress != "" {
		cfg.UDPAddr = udpAddress
	}

	logger, err := monitoring.NewZapLogger(cfg.GetLogLevel(), cfg.GetLogDevelopment())
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	restore := monitoring.UseZap(logger)
	defer restore()
	defer logger.Sync() //nolint:errcheck

	log.Printf("Starting %s", version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, stop, cfg); err != nil {
		log.Printf("relay exited with error: %v", err)
		restore()
		os.Exit(1)
	}
	log.Printf("Graceful shutdown complete")
}

func run(ctx context.Context, stop context.CancelFunc, cfg *config.RelayConfig) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	host, err := livoxhost.New(livoxhost.Config{
		Devices:           cfg.HostDevices(),
		DisconnectTimeout: cfg.GetDisconnectTimeout(),
	})
	if err != nil {
		return fmt.Errorf("device host: %w", err)
	}

	var (
		store    *statsdb.Store
		runID    string
		recorder *statsdb.Recorder
	)
	if path := cfg.GetStatsDB(); path != "" {
		store, err = statsdb.Open(path)
		if err != nil {
			return err
		}
		defer store.Close()
		hostname, _ := os.Hostname()
		r, err := store.StartRun(time.Now(), hostname)
		if err != nil {
			return err
		}
		runID = r.ID
		log.Printf("Recording relay statistics to %s (run %s)", path, runID)
	}

	sinks, err := buildSinks(ctx, cfg.Sinks, sink.NewMetrics(reg))
	if err != nil {
		return err
	}
	if len(sinks.multi) == 0 {
		log.Printf("No sinks configured; frames are counted and discarded")
	}

	opts := relay.Options{
		Commander: host,
		Sink:      sinks.multi,
		Metrics:   relay.NewMetrics(reg),
	}
	if store != nil {
		// recorder is assigned before any device can report a loss.
		opts.OnLoss = func(e relay.LossEvent) { recorder.RecordLoss(e) }
	}
	rl, err := relay.New(cfg.Relay(), opts)
	if err != nil {
		sinks.close()
		return fmt.Errorf("relay: %w", err)
	}
	host.SetEventHandler(rl)
	if store != nil {
		recorder = statsdb.NewRecorder(statsdb.RecorderConfig{
			Store:    store,
			Run:      runID,
			Source:   rl,
			Interval: cfg.GetSnapshotInterval(),
		})
	}

	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()
	sinks.start(sinkCtx)

	var wg sync.WaitGroup
	goRun := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("%s error: %v", name, err)
			}
			log.Printf("%s routine terminated", name)
		}()
	}

	goRun("Publisher", func() error { return rl.Run(ctx) })
	goRun("Device host", func() error { return host.Run(ctx) })
	if recorder != nil {
		goRun("Stats recorder", func() error { return recorder.Run(ctx) })
	}

	server := api.NewServer(api.Options{
		Relay:    rl,
		Store:    store,
		Run:      runID,
		Gatherer: reg,
		Sinks:    sinks.stats,
	})
	goRun("HTTP server", func() error { return server.ListenAndServe(ctx, cfg.GetHTTPAddr()) })

	stats := network.NewPacketStats()
	if *pcapFile != "" {
		port, err := udpPort(cfg.GetUDPAddr())
		if err != nil {
			stop()
			wg.Wait()
			stopSinks()
			sinks.close()
			return err
		}
		goRun("PCAP replay", func() error {
			// Replay ends the process once the capture is exhausted.
			defer stop()
			return network.ReadPCAPFile(ctx, *pcapFile, port, host, stats, network.ReplayOptions{
				Realtime:        *pcapRealtime,
				SpeedMultiplier: *pcapSpeed,
			})
		})
	} else {
		var forwarder *network.PacketForwarder
		if addr := cfg.GetForwardAddr(); addr != "" {
			forwarder, err = network.NewPacketForwarder(addr, 1000, stats, *logInterval)
			if err != nil {
				stop()
				wg.Wait()
				stopSinks()
				sinks.close()
				return err
			}
			// The listener starts the forwarder's writer.
			defer forwarder.Close()
		}
		listener := network.NewUDPListener(network.UDPListenerConfig{
			Address:     cfg.GetUDPAddr(),
			RcvBuf:      cfg.GetUDPRcvBuf(),
			LogInterval: *logInterval,
			Stats:       stats,
			Handler:     host,
			Forwarder:   forwarder,
		})
		goRun("UDP listener", func() error { return listener.Start(ctx) })
	}

	<-ctx.Done()
	log.Printf("Stopping device sampling...")
	rl.Stop()

	wg.Wait()
	stopSinks()
	sinks.close()
	return nil
}

// udpPort extracts the numeric port from a host:port bind address.
func udpPort(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid udp address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return 0, fmt.Errorf("invalid udp port %q: %w", p, err)
	}
	return port, nil
}
