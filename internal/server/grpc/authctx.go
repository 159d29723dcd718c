package grpcserver

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/and161185/peersync/internal/errs"
	"github.com/and161185/peersync/internal/service"
)

type ctxKey string

const peerIDKey ctxKey = "ps.peerID"

// WithPeerID stores the authenticated peer identity in context.
func WithPeerID(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, peerIDKey, identity)
}

// PeerIDFromCtx fetches the peer identity from context.
func PeerIDFromCtx(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(peerIDKey).(string)
	return id, ok && id != ""
}

// peerIDFromMD verifies "authorization: Bearer <JWT>" and returns its subject.
func peerIDFromMD(ctx context.Context, signKey []byte) (string, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", fmt.Errorf("no metadata: %w", errs.ErrUnauthorized)
	}
	tok, err := service.BearerToken(md.Get("authorization")...)
	if err != nil {
		return "", err
	}
	return service.ParsePeerToken(signKey, tok)
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }

// AuthStream rejects streams without a valid peer token and exposes the peer
// identity through PeerIDFromCtx.
func AuthStream(signKey []byte) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) error {
		id, err := peerIDFromMD(ss.Context(), signKey)
		if err != nil {
			return status.Error(codes.Unauthenticated, "no auth")
		}
		return next(srv, &authedStream{ServerStream: ss, ctx: WithPeerID(ss.Context(), id)})
	}
}
