package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service and method names of peersync.v1.PeerSync.
const (
	ServiceName   = "peersync.v1.PeerSync"
	PairMethod    = "/" + ServiceName + "/Pair"
	ConnectMethod = "/" + ServiceName + "/Connect"
)

// PeerSyncServer is the server API. Pair takes and returns structpb.Struct;
// Connect streams wrapperspb.BytesValue frames both ways.
type PeerSyncServer interface {
	Pair(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Connect(stream grpc.ServerStream) error
}

// ServiceDesc describes peersync.v1.PeerSync for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*PeerSyncServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Pair", Handler: pairHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Connect", Handler: connectHandler, ServerStreams: true, ClientStreams: true},
	},
	Metadata: "peersync/v1/peersync.proto",
}

// Register adds srv to gs.
func Register(gs grpc.ServiceRegistrar, srv PeerSyncServer) {
	gs.RegisterService(&ServiceDesc, srv)
}

func pairHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PeerSyncServer).Pair(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PairMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PeerSyncServer).Pair(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(PeerSyncServer).Connect(stream)
}
