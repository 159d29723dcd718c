// Package transport implements session.PacketChannel over framed connections.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/peersync/internal/errs"
	"github.com/and161185/peersync/internal/protocol"
	"github.com/and161185/peersync/internal/session"
)

// FrameConn moves whole frames. ReadFrame is called from one goroutine;
// WriteFrame calls are serialized by Channel.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(ctx context.Context, frame []byte) error
	Close() error
}

// Channel is a PacketChannel over a FrameConn. It answers PING itself and
// hands every other packet to its handler.
type Channel struct {
	id       string
	identity string
	conn     FrameConn
	log      *zap.Logger

	wmu sync.Mutex

	mu      sync.Mutex
	handler session.PacketHandler

	stopOnce sync.Once
	done     chan struct{}
}

var _ session.PacketChannel = (*Channel)(nil)

// NewChannel wraps conn for the peer identity. The channel gets a random id.
func NewChannel(conn FrameConn, identity string, log *zap.Logger) *Channel {
	if log == nil {
		log = zap.NewNop()
	}
	id := uuid.Must(uuid.NewV4()).String()
	return &Channel{
		id:       id,
		identity: identity,
		conn:     conn,
		log:      log.With(zap.String("channel", id), zap.String("peer", identity)),
		done:     make(chan struct{}),
	}
}

func (c *Channel) ID() string             { return c.id }
func (c *Channel) RemoteIdentity() string { return c.identity }

func (c *Channel) SetHandler(h session.PacketHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Send writes one packet. Concurrent callers are serialized.
func (c *Channel) Send(ctx context.Context, pkt protocol.Packet) error {
	select {
	case <-c.done:
		return fmt.Errorf("channel %s: %w", c.id, errs.ErrClosed)
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteFrame(ctx, protocol.Encode(pkt)); err != nil {
		return fmt.Errorf("write %s/%s: %w", pkt.Opcode, pkt.SubOpcode, err)
	}
	return nil
}

// Stop closes the connection and ends Serve. Later calls are no-ops.
func (c *Channel) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		if err := c.conn.Close(); err != nil {
			c.log.Debug("close", zap.Error(err))
		}
	})
}

// Done is closed once Stop has been called.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Serve reads frames until the connection ends, ctx is cancelled or Stop is
// called. A clean end of stream returns nil.
func (c *Channel) Serve(ctx context.Context) error {
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			b, err := c.conn.ReadFrame()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- b:
			case <-c.done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return nil
		case err := <-readErr:
			select {
			case <-c.done:
				return nil
			default:
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case b := <-frames:
			c.handleFrame(ctx, b)
		}
	}
}

func (c *Channel) handleFrame(ctx context.Context, b []byte) {
	pkt, err := protocol.Decode(b)
	if err != nil {
		c.log.Warn("frame dropped", zap.Error(err))
		return
	}
	switch pkt.Opcode {
	case protocol.OpcodePing:
		if err := c.Send(ctx, protocol.Packet{Opcode: protocol.OpcodePong}); err != nil {
			c.log.Warn("pong", zap.Error(err))
		}
		return
	case protocol.OpcodePong:
		return
	}

	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h == nil {
		c.log.Warn("packet before handler", zap.Stringer("opcode", pkt.Opcode))
		return
	}
	h.HandlePacket(ctx, c, pkt)
}
