package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// MsgStream is the part of grpc.ServerStream and grpc.ClientStream a channel needs.
type MsgStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// GRPCConn carries frames as BytesValue messages on a bidirectional stream.
type GRPCConn struct {
	stream MsgStream
}

// NewGRPCConn wraps a server or client stream.
func NewGRPCConn(s MsgStream) *GRPCConn { return &GRPCConn{stream: s} }

func (g *GRPCConn) ReadFrame() ([]byte, error) {
	var m wrapperspb.BytesValue
	if err := g.stream.RecvMsg(&m); err != nil {
		return nil, err
	}
	return m.GetValue(), nil
}

func (g *GRPCConn) WriteFrame(_ context.Context, frame []byte) error {
	return g.stream.SendMsg(wrapperspb.Bytes(frame))
}

// Close half-closes a client stream. A server stream ends when its handler
// returns, so Close is a no-op there.
func (g *GRPCConn) Close() error {
	if cs, ok := g.stream.(grpc.ClientStream); ok {
		return cs.CloseSend()
	}
	return nil
}
