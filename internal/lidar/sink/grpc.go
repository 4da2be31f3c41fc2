package sink

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/livox.relay/internal/lidar/relay"
	"github.com/banshee-data/livox.relay/internal/monitoring"
)

const (
	frameStreamService = "livox.relay.FrameStream"
	subscribeMethod    = "/" + frameStreamService + "/Subscribe"
	maxMsgSize         = 16 * 1024 * 1024
)

// frameStreamServer is the server side of
//
//	service FrameStream {
//	  rpc Subscribe(google.protobuf.Empty) returns (stream google.protobuf.BytesValue);
//	}
//
// where every BytesValue carries one binary-encoded frame.
type frameStreamServer interface {
	Subscribe(*emptypb.Empty, grpc.ServerStream) error
}

var frameStreamDesc = grpc.ServiceDesc{
	ServiceName: frameStreamService,
	HandlerType: (*frameStreamServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		Handler:       subscribeHandler,
		ServerStreams: true,
	}},
	Metadata: "livox/relay/frame_stream.proto",
}

func subscribeHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(emptypb.Empty)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(frameStreamServer).Subscribe(in, stream)
}

// GRPCConfig configures the gRPC sink.
type GRPCConfig struct {
	ListenAddr string
	// ClientQueue is each subscriber's frame buffer.
	ClientQueue int
	Codec       Codec
}

type subscriber struct {
	id     string
	frames chan *wrapperspb.BytesValue
}

// GRPCSink streams frames to every connected subscriber. A slow
// subscriber misses frames rather than holding up the others.
type GRPCSink struct {
	cfg     GRPCConfig
	metrics *Metrics

	mu      sync.RWMutex
	clients map[string]*subscriber

	server   *grpc.Server
	listener net.Listener

	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewGRPCSink builds the sink. Call Register or Start to serve it.
func NewGRPCSink(cfg GRPCConfig, m *Metrics) *GRPCSink {
	if cfg.ClientQueue <= 0 {
		cfg.ClientQueue = 10
	}
	if cfg.Codec == nil {
		cfg.Codec = BinaryCodec
	}
	return &GRPCSink{cfg: cfg, metrics: m, clients: make(map[string]*subscriber)}
}

// Register adds the FrameStream service to an existing server.
func (s *GRPCSink) Register(server *grpc.Server) {
	server.RegisterService(&frameStreamDesc, s)
}

// Start listens on cfg.ListenAddr and serves in the background.
func (s *GRPCSink) Start() error {
	lis, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = lis
	s.server = grpc.NewServer(grpc.MaxSendMsgSize(maxMsgSize))
	s.Register(s.server)
	go func() {
		monitoring.Logf("[Sink/gRPC] listening on %s", lis.Addr())
		if err := s.server.Serve(lis); err != nil {
			monitoring.Warnf("[Sink/gRPC] server error: %v", err)
		}
	}()
	return nil
}

// Addr is the bound address once Start has succeeded.
func (s *GRPCSink) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop ends every stream and shuts the server down.
func (s *GRPCSink) Stop() {
	if s.server != nil {
		s.server.Stop()
	}
}

// Subscribe serves one subscriber until it goes away.
func (s *GRPCSink) Subscribe(_ *emptypb.Empty, stream grpc.ServerStream) error {
	sub := s.addClient()
	defer s.removeClient(sub.id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-sub.frames:
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func (s *GRPCSink) addClient() *subscriber {
	sub := &subscriber{id: uuid.NewString(), frames: make(chan *wrapperspb.BytesValue, s.cfg.ClientQueue)}
	s.mu.Lock()
	s.clients[sub.id] = sub
	n := len(s.clients)
	s.mu.Unlock()
	s.metrics.setClients(n)
	monitoring.Logf("[Sink/gRPC] client connected: %s (total: %d)", sub.id, n)
	return sub
}

func (s *GRPCSink) removeClient(id string) {
	s.mu.Lock()
	delete(s.clients, id)
	n := len(s.clients)
	s.mu.Unlock()
	s.metrics.setClients(n)
	monitoring.Logf("[Sink/gRPC] client disconnected: %s (remaining: %d)", id, n)
}

// Clients returns the number of connected subscribers.
func (s *GRPCSink) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// PublishFrame encodes f once and offers it to every subscriber.
func (s *GRPCSink) PublishFrame(f *relay.Frame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.clients) == 0 {
		return
	}
	payload, err := s.cfg.Codec.Encode(f)
	if err != nil {
		s.failed.Add(1)
		s.metrics.failedFrame("grpc")
		return
	}
	msg := wrapperspb.Bytes(payload)
	for _, sub := range s.clients {
		select {
		case sub.frames <- msg:
			s.sent.Add(1)
			s.metrics.sentFrame("grpc")
		default:
			s.dropped.Add(1)
			s.metrics.droppedFrame("grpc")
		}
	}
}

// Stats returns per-subscriber delivery totals.
func (s *GRPCSink) Stats() Stats {
	return Stats{Sent: s.sent.Load(), Dropped: s.dropped.Load(), Failed: s.failed.Load()}
}

// FrameStreamClient receives frames from a relay's FrameStream service.
type FrameStreamClient struct {
	stream grpc.ClientStream
}

// SubscribeFrames opens a FrameStream subscription on cc.
func SubscribeFrames(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (*FrameStreamClient, error) {
	stream, err := cc.NewStream(ctx, &frameStreamDesc.Streams[0], subscribeMethod, opts...)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &FrameStreamClient{stream: stream}, nil
}

// Recv blocks for the next frame.
func (c *FrameStreamClient) Recv() (*relay.Frame, error) {
	msg := new(wrapperspb.BytesValue)
	if err := c.stream.RecvMsg(msg); err != nil {
		return nil, err
	}
	return Decode(msg.GetValue())
}
