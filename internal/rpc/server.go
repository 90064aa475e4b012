package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/ryandielhenn/zephyrpace/internal/telemetry"
	"github.com/ryandielhenn/zephyrpace/pkg/gossip"
)

const (
	ServiceName    = "zephyrpace.Discovery"
	discoverMethod = "/" + ServiceName + "/Discover"
)

// Responder answers inbound gossip pushes. *gossip.Gossiper satisfies it.
type Responder interface {
	HandleDiscover(msg gossip.DiscoveryMessage) gossip.DiscoveryMessage
}

// DiscoveryServer is the server API of the Discovery service.
type DiscoveryServer interface {
	Discover(ctx context.Context, in *gossip.DiscoveryMessage) (*gossip.DiscoveryMessage, error)
}

type discoveryServer struct {
	r Responder
}

func (s *discoveryServer) Discover(ctx context.Context, in *gossip.DiscoveryMessage) (*gossip.DiscoveryMessage, error) {
	if in == nil {
		return nil, status.Error(codes.InvalidArgument, "empty discovery message")
	}
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	reply := s.r.HandleDiscover(*in)
	return &reply, nil
}

func discoverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(gossip.DiscoveryMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DiscoveryServer).Discover(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: discoverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DiscoveryServer).Discover(ctx, req.(*gossip.DiscoveryMessage))
	}
	return interceptor(ctx, in, info, handler)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DiscoveryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Discover", Handler: discoverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "zephyrpace/discovery",
}

// NewServer returns a gRPC server that speaks the JSON codec and records
// request metrics.
func NewServer(opts ...grpc.ServerOption) *grpc.Server {
	base := []grpc.ServerOption{
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainUnaryInterceptor(instrument),
	}
	return grpc.NewServer(append(base, opts...)...)
}

// Register mounts the Discovery service backed by r.
func Register(s *grpc.Server, r Responder) {
	s.RegisterService(&serviceDesc, &discoveryServer{r: r})
}

func instrument(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	const op = "grpc_discover"
	start := time.Now()
	telemetry.InFlight.WithLabelValues(op).Inc()
	defer telemetry.InFlight.WithLabelValues(op).Dec()

	resp, err := handler(ctx, req)

	telemetry.RequestsTotal.WithLabelValues(op, status.Code(err).String()).Inc()
	telemetry.RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	return resp, err
}
