package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/and161185/peersync/internal/convert"
	"github.com/and161185/peersync/internal/model"
)

// Client calls peersync.v1.PeerSync.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps a client connection.
func NewClient(cc grpc.ClientConnInterface) *Client { return &Client{cc: cc} }

// Pair exchanges a pairing code for a peer token.
func (c *Client) Pair(ctx context.Context, identity, code string) (model.Tokens, error) {
	in, err := convert.ToProtoPairRequest(identity, code)
	if err != nil {
		return model.Tokens{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, PairMethod, in, out); err != nil {
		return model.Tokens{}, err
	}
	return convert.FromProtoTokens(out)
}

// Connect opens the sync stream authenticated with token.
func (c *Client) Connect(ctx context.Context, token string) (grpc.ClientStream, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	return c.cc.NewStream(ctx, &ServiceDesc.Streams[0], ConnectMethod)
}
