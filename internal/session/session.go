// Package session multiplexes an authorized logical session with one remote
// peer over any number of packet channels, and routes inbound packets.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/peersync/internal/errs"
	"github.com/and161185/peersync/internal/protocol"
)

// PacketHandler receives packets read from a channel.
type PacketHandler interface {
	HandlePacket(ctx context.Context, ch PacketChannel, pkt protocol.Packet)
}

// PacketChannel is one transport connection to a remote peer. Implementations
// must allow Send from multiple goroutines.
type PacketChannel interface {
	// ID identifies the channel for logging and removal.
	ID() string
	// RemoteIdentity is the authenticated identity of the remote end.
	RemoteIdentity() string
	// Send writes one packet.
	Send(ctx context.Context, pkt protocol.Packet) error
	// Stop closes the transport. It must not block on the handler.
	Stop()
	// SetHandler routes subsequently read packets to h.
	SetHandler(h PacketHandler)
}

// DataHandler processes DATA packets of an authorized session.
type DataHandler interface {
	HandleData(ctx context.Context, s *Session, sub protocol.SubOpcode, payload []byte) error
}

// Callbacks observe session transitions. Every field is optional. Callbacks run
// on the goroutine that caused the transition and never under the session lock.
type Callbacks struct {
	// OnAuthorized fires once, on the first transition into authorized.
	OnAuthorized func(s *Session)
	// OnUnauthorized fires on every NOTIFY_UNAUTHORIZED received.
	OnUnauthorized func(s *Session)
	// OnConnectedChanged fires when the channel set becomes empty or non-empty.
	OnConnectedChanged func(s *Session, connected bool)
	// OnClose fires once when the session is closed.
	OnClose func(s *Session)
}

// Session is the authorization state machine and channel set for one peer.
type Session struct {
	identity string
	data     DataHandler
	cb       Callbacks
	log      *zap.Logger

	mu               sync.Mutex
	channels         []PacketChannel
	connected        bool
	localAuthorized  bool
	remoteAuthorized bool
	wasAuthorized    bool
	closed           bool

	closeOnce sync.Once
}

// New constructs a session for remoteIdentity.
func New(remoteIdentity string, data DataHandler, cb Callbacks, log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	return &Session{
		identity: remoteIdentity,
		data:     data,
		cb:       cb,
		log:      log.Named("session").With(zap.String("peer", remoteIdentity)),
	}
}

// RemoteIdentity returns the peer identity this session is bound to.
func (s *Session) RemoteIdentity() string { return s.identity }

// IsAuthorized reports whether both sides have authorized the session.
func (s *Session) IsAuthorized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localAuthorized && s.remoteAuthorized
}

// IsConnected reports whether at least one channel is attached.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ChannelCount returns the number of attached channels.
func (s *Session) ChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// AddChannel attaches ch. The channel's remote identity must match the session's.
func (s *Session) AddChannel(ch PacketChannel) error {
	if ch.RemoteIdentity() != s.identity {
		return fmt.Errorf("attach %s (identity %q) to session %q: %w",
			ch.ID(), ch.RemoteIdentity(), s.identity, errs.ErrIdentityMismatch)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("attach %s: %w", ch.ID(), errs.ErrClosed)
	}
	if !slices.ContainsFunc(s.channels, sameChannel(ch)) {
		s.channels = append(s.channels, ch)
	}
	flipped, conn := s.setConnectedLocked()
	s.mu.Unlock()

	ch.SetHandler(s)
	s.log.Debug("channel attached", zap.String("channel", ch.ID()))
	s.fireConnected(flipped, conn)
	return nil
}

// RemoveChannel detaches ch. The session and its authorization flags survive.
func (s *Session) RemoveChannel(ch PacketChannel) {
	s.mu.Lock()
	s.channels = slices.DeleteFunc(s.channels, sameChannel(ch))
	flipped, conn := s.setConnectedLocked()
	s.mu.Unlock()

	s.log.Debug("channel detached", zap.String("channel", ch.ID()))
	s.fireConnected(flipped, conn)
}

// Authorize grants this peer locally and tells it so over ch, or over any
// attached channel when ch is nil.
func (s *Session) Authorize(ctx context.Context, ch PacketChannel) error {
	pkt := protocol.Packet{Opcode: protocol.OpcodeNotifyAuthorized}
	if err := s.sendVia(ctx, ch, pkt); err != nil {
		return fmt.Errorf("authorize: %w", err)
	}
	s.mu.Lock()
	s.localAuthorized = true
	s.mu.Unlock()
	s.checkAuthorized()
	return nil
}

// Unauthorize tells the peer it is no longer authorized over ch, or over any
// attached channel when ch is nil. Local flags are left as they are.
func (s *Session) Unauthorize(ctx context.Context, ch PacketChannel) error {
	pkt := protocol.Packet{Opcode: protocol.OpcodeNotifyUnauthorized}
	if err := s.sendVia(ctx, ch, pkt); err != nil {
		return fmt.Errorf("unauthorize: %w", err)
	}
	return nil
}

// Close stops every attached channel and fires OnClose. Later calls are no-ops.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		chans := s.channels
		s.channels = nil
		flipped, conn := s.setConnectedLocked()
		s.mu.Unlock()

		for _, ch := range chans {
			ch.Stop()
		}
		s.fireConnected(flipped, conn)
		if s.cb.OnClose != nil {
			s.cb.OnClose(s)
		}
		s.log.Info("session closed", zap.Int("channels", len(chans)))
	})
}

// Send writes pkt to one attached channel. A channel that detaches while the
// write is in flight is reported as errs.ErrNoActiveChannel.
func (s *Session) Send(ctx context.Context, pkt protocol.Packet) error {
	return s.sendVia(ctx, nil, pkt)
}

// SendJSON sends v as the JSON body of a DATA packet.
func (s *Session) SendJSON(ctx context.Context, sub protocol.SubOpcode, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", sub, err)
	}
	return s.Send(ctx, protocol.Packet{Opcode: protocol.OpcodeData, SubOpcode: sub, Payload: body})
}

func (s *Session) sendVia(ctx context.Context, ch PacketChannel, pkt protocol.Packet) error {
	if ch == nil {
		ch = s.firstChannel()
		if ch == nil {
			return fmt.Errorf("send %s/%s: %w", pkt.Opcode, pkt.SubOpcode, errs.ErrNoActiveChannel)
		}
	}
	err := ch.Send(ctx, pkt)
	if err != nil && !s.hasChannel(ch) {
		return fmt.Errorf("send %s/%s on detached channel %s: %v: %w",
			pkt.Opcode, pkt.SubOpcode, ch.ID(), err, errs.ErrNoActiveChannel)
	}
	return err
}

// HandlePacket routes one inbound packet. Failures are logged and the packet
// dropped; they never reach the transport.
func (s *Session) HandlePacket(ctx context.Context, ch PacketChannel, pkt protocol.Packet) {
	log := s.log.With(
		zap.String("channel", ch.ID()),
		zap.Stringer("opcode", pkt.Opcode),
		zap.Stringer("sub", pkt.SubOpcode),
		zap.Int("len", len(pkt.Payload)),
	)
	log.Debug("packet")
	defer func() {
		if r := recover(); r != nil {
			log.Warn("packet dropped after panic", zap.Any("reason", r), zap.ByteString("stack", debug.Stack()))
		}
	}()

	switch pkt.Opcode {
	case protocol.OpcodeNotifyAuthorized:
		s.mu.Lock()
		s.remoteAuthorized = true
		s.mu.Unlock()
		s.checkAuthorized()
	case protocol.OpcodeNotifyUnauthorized:
		s.mu.Lock()
		s.remoteAuthorized = false
		s.mu.Unlock()
		if s.cb.OnUnauthorized != nil {
			s.cb.OnUnauthorized(s)
		}
	}

	if !s.IsAuthorized() {
		return
	}
	if pkt.Opcode != protocol.OpcodeData {
		if !pkt.Opcode.IsControl() {
			log.Warn("unsupported opcode dropped")
		}
		return
	}
	if s.data == nil {
		return
	}
	if err := s.data.HandleData(ctx, s, pkt.SubOpcode, pkt.Payload); err != nil {
		log.Warn("packet dropped", zap.Error(err))
	}
}

func (s *Session) checkAuthorized() {
	s.mu.Lock()
	fire := !s.wasAuthorized && s.localAuthorized && s.remoteAuthorized
	if fire {
		s.wasAuthorized = true
	}
	s.mu.Unlock()

	if fire {
		s.log.Info("session authorized")
		if s.cb.OnAuthorized != nil {
			s.cb.OnAuthorized(s)
		}
	}
}

func (s *Session) firstChannel() PacketChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.channels) == 0 {
		return nil
	}
	return s.channels[0]
}

func (s *Session) hasChannel(ch PacketChannel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.ContainsFunc(s.channels, sameChannel(ch))
}

// setConnectedLocked recomputes connected and reports whether it changed.
func (s *Session) setConnectedLocked() (flipped, connected bool) {
	c := len(s.channels) > 0
	if c == s.connected {
		return false, c
	}
	s.connected = c
	return true, c
}

func (s *Session) fireConnected(flipped, connected bool) {
	if !flipped || s.cb.OnConnectedChanged == nil {
		return
	}
	s.cb.OnConnectedChanged(s, connected)
}

func sameChannel(ch PacketChannel) func(PacketChannel) bool {
	id := ch.ID()
	return func(c PacketChannel) bool { return c.ID() == id }
}
