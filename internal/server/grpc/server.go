// Package grpcserver exposes the peersync gRPC API: pairing and the sync stream.
package grpcserver

import (
	"context"
	"errors"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/peersync/internal/convert"
	"github.com/and161185/peersync/internal/errs"
	"github.com/and161185/peersync/internal/service"
	"github.com/and161185/peersync/internal/session"
	"github.com/and161185/peersync/internal/transport"
)

// Attacher binds transport channels to sessions. session.Manager implements it.
type Attacher interface {
	Attach(ctx context.Context, ch session.PacketChannel) (*session.Session, error)
	Detach(ch session.PacketChannel)
}

// Server wires services into gRPC handlers.
type Server struct {
	pair     service.Pairer
	sessions Attacher
	log      *zap.Logger
}

var _ PeerSyncServer = (*Server)(nil)

// New constructs a gRPC server with injected services.
func New(pair service.Pairer, sessions Attacher, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{pair: pair, sessions: sessions, log: log}
}

// NewGRPCServer builds a grpc.Server with the interceptor chain and srv registered.
func NewGRPCServer(srv *Server, signKey []byte, log *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log)),
		grpc.ChainStreamInterceptor(RecoverStream(log), LoggingStream(log), AuthStream(signKey)),
	)
	gs := grpc.NewServer(opts...)
	Register(gs, srv)
	return gs
}

// Pair exchanges a pairing code for a peer token.
func (s *Server) Pair(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	identity, code, err := convert.FromProtoPairRequest(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	tok, err := s.pair.Pair(ctx, identity, code, remoteIP(ctx))
	if err != nil {
		return nil, toStatus("pair", err)
	}
	out, err := convert.ToProtoTokens(tok)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "pair: %v", err)
	}
	return out, nil
}

// Connect runs one sync channel for the authenticated peer until either side
// ends the stream.
func (s *Server) Connect(stream grpc.ServerStream) error {
	ctx := stream.Context()
	identity, ok := PeerIDFromCtx(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "no auth")
	}

	ch := transport.NewChannel(transport.NewGRPCConn(stream), identity, s.log)
	if _, err := s.sessions.Attach(ctx, ch); err != nil {
		s.sessions.Detach(ch)
		return toStatus("attach", err)
	}
	defer s.sessions.Detach(ch)

	if err := ch.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return toStatus("connect", err)
	}
	return nil
}

// toStatus maps domain errors to gRPC status codes.
func toStatus(op string, err error) error {
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		return status.Error(codes.Unauthenticated, "bad credentials")
	case errors.Is(err, errs.ErrRateLimited):
		return status.Error(codes.ResourceExhausted, "rate limited")
	case errors.Is(err, errs.ErrIdentityMismatch):
		return status.Error(codes.PermissionDenied, "identity mismatch")
	case errors.Is(err, errs.ErrMalformedPayload):
		return status.Errorf(codes.InvalidArgument, "%s: %v", op, err)
	case errors.Is(err, errs.ErrNotFound):
		return status.Error(codes.NotFound, "not found")
	case errors.Is(err, errs.ErrClosed), errors.Is(err, errs.ErrNoActiveChannel):
		return status.Errorf(codes.Unavailable, "%s: %v", op, err)
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, op)
	default:
		if _, ok := status.FromError(err); ok {
			return err
		}
		return status.Errorf(codes.Internal, "%s: %v", op, err)
	}
}

func remoteIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
