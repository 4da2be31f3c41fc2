// Package api serves the relay's status endpoints, Prometheus metrics and
// the tsweb debug pages.
package api

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"tailscale.com/tsweb"

	"github.com/banshee-data/livox.relay/internal/httputil"
	"github.com/banshee-data/livox.relay/internal/lidar/relay"
	"github.com/banshee-data/livox.relay/internal/lidar/sink"
	"github.com/banshee-data/livox.relay/internal/lidar/statsdb"
	"github.com/banshee-data/livox.relay/internal/monitoring"
	"github.com/banshee-data/livox.relay/internal/version"
)

// RelayView is the read-only surface of the relay the API reports on.
type RelayView interface {
	Config() relay.Config
	Snapshot(handle uint8) (relay.SlotSnapshot, bool)
	Snapshots() []relay.SlotSnapshot
	QueueUsed(handle uint8) (uint32, bool)
}

// SinkStats reports delivery counters for one sink.
type SinkStats interface {
	Stats() sink.Stats
}

// Options configures a Server. Relay is required.
type Options struct {
	Relay RelayView
	// Store and Run enable /api/losses and the SQL debug pages.
	Store *statsdb.Store
	Run   string
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Sinks    map[string]SinkStats
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	relay    RelayView
	store    *statsdb.Store
	run      string
	gatherer prometheus.Gatherer
	sinks    map[string]SinkStats
	started  time.Time
}

// NewServer builds a Server.
func NewServer(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		relay:    opts.Relay,
		store:    opts.Store,
		run:      opts.Run,
		gatherer: opts.Gatherer,
		sinks:    opts.Sinks,
		started:  time.Now(),
	}
}

// Handler returns the router for every endpoint.
func (s *Server) Handler() (http.Handler, error) {
	debugMux := http.NewServeMux()
	debug := tsweb.Debugger(debugMux)
	debug.KV("Version", version.String())
	if s.run != "" {
		debug.KV("Run", s.run)
	}
	debug.Handle("devices", "Relay slot snapshots", http.HandlerFunc(s.listDevices))
	if s.store != nil {
		if err := s.store.AttachAdminRoutes(debugMux); err != nil {
			return nil, err
		}
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware)

	r.Get("/healthz", s.healthz)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	r.Handle("/debug/*", debugMux)

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", s.listDevices)
		r.Get("/devices/{handle}", s.getDevice)
		r.Get("/queues", s.listQueues)
		r.Get("/sinks", s.listSinks)
		r.Get("/losses", s.listLosses)
	})
	return r, nil
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]interface{}{
		"status":  "ok",
		"version": version.Version,
		"devices": len(s.relay.Snapshots()),
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, s.relay.Snapshots())
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	handle, err := strconv.ParseUint(chi.URLParam(r, "handle"), 10, 8)
	if err != nil {
		httputil.BadRequest(w, "invalid handle")
		return
	}
	snap, ok := s.relay.Snapshot(uint8(handle))
	if !ok || snap.BroadcastCode == "" {
		httputil.NotFound(w, "no device at handle "+strconv.FormatUint(handle, 10))
		return
	}
	httputil.WriteJSONOK(w, snap)
}

// QueueStatus is one entry of /api/queues.
type QueueStatus struct {
	Handle        uint8  `json:"handle"`
	BroadcastCode string `json:"broadcast_code"`
	Used          uint32 `json:"used"`
	Capacity      uint32 `json:"capacity"`
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	capacity := s.relay.Config().QueueCapacity
	snaps := s.relay.Snapshots()
	out := make([]QueueStatus, 0, len(snaps))
	for _, snap := range snaps {
		used, _ := s.relay.QueueUsed(snap.Handle)
		out = append(out, QueueStatus{
			Handle:        snap.Handle,
			BroadcastCode: snap.BroadcastCode,
			Used:          used,
			Capacity:      capacity,
		})
	}
	httputil.WriteJSONOK(w, out)
}

// SinkStatus is one entry of /api/sinks.
type SinkStatus struct {
	Name string `json:"name"`
	sink.Stats
}

func (s *Server) listSinks(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.sinks))
	for name := range s.sinks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]SinkStatus, 0, len(names))
	for _, name := range names {
		out = append(out, SinkStatus{Name: name, Stats: s.sinks[name].Stats()})
	}
	httputil.WriteJSONOK(w, out)
}

func (s *Server) listLosses(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		httputil.ServiceUnavailable(w, "stats database disabled")
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "invalid limit")
			return
		}
		limit = n
	}
	events, err := s.store.LossEvents(s.run, limit)
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if events == nil {
		events = []statsdb.LossRecord{}
	}
	httputil.WriteJSONOK(w, events)
}

// ListenAndServe serves until ctx is cancelled, then shuts down with a
// short grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		monitoring.Logf("[API] Starting HTTP server on %s", addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	monitoring.Logf("[API] shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Warnf("[API] HTTP server shutdown error: %v", err)
		return server.Close()
	}
	return nil
}
