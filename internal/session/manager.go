package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/peersync/internal/errs"
	"github.com/and161185/peersync/internal/model"
	"github.com/and161185/peersync/internal/protocol"
	"github.com/and161185/peersync/internal/repository"
	"github.com/and161185/peersync/internal/worker"
)

// Policy decides whether a peer identity is authorized locally on attach.
type Policy func(identity string) bool

// AllowAll authorizes every authenticated peer.
func AllowAll(string) bool { return true }

// AllowList authorizes only the listed identities. An empty list allows everyone.
func AllowList(ids []string) Policy {
	if len(ids) == 0 {
		return AllowAll
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	return func(identity string) bool {
		_, ok := set[identity]
		return ok
	}
}

// Info describes a session for diagnostics.
type Info struct {
	Identity   string `json:"identity"`
	Connected  bool   `json:"connected"`
	Authorized bool   `json:"authorized"`
	Channels   int    `json:"channels"`
}

// ManagerConfig carries the Manager collaborators.
type ManagerConfig struct {
	Data   DataHandler
	Peers  repository.PeerSyncStore
	Policy Policy
	// Main runs state exchange requests.
	Main worker.Executor
	Log  *zap.Logger
}

// Manager owns one Session per remote identity.
type Manager struct {
	cfg ManagerConfig
	log *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager constructs an empty Manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Policy == nil {
		cfg.Policy = AllowAll
	}
	if cfg.Main == nil {
		cfg.Main = worker.Inline{Log: cfg.Log}
	}
	return &Manager{cfg: cfg, log: cfg.Log.Named("manager"), sessions: map[string]*Session{}}
}

// Attach binds ch to the session of its remote identity, creating the session on
// first sight, and authorizes the peer over ch when the policy allows it.
func (m *Manager) Attach(ctx context.Context, ch PacketChannel) (*Session, error) {
	identity := ch.RemoteIdentity()
	if identity == "" {
		return nil, fmt.Errorf("attach %s: empty identity: %w", ch.ID(), errs.ErrUnauthorized)
	}

	s := m.getOrCreate(identity)
	err := s.AddChannel(ch)
	if errors.Is(err, errs.ErrClosed) {
		// lost a race with Forget; the closed session is already unregistered
		s = m.getOrCreate(identity)
		err = s.AddChannel(ch)
	}
	if err != nil {
		return nil, err
	}
	if m.cfg.Policy(identity) {
		if err := s.Authorize(ctx, ch); err != nil {
			return s, err
		}
	} else {
		m.log.Info("peer not in allow list", zap.String("peer", identity))
	}
	return s, nil
}

// Detach removes ch from its session. The session is kept for reconnection.
func (m *Manager) Detach(ch PacketChannel) {
	m.mu.Lock()
	s := m.sessions[ch.RemoteIdentity()]
	m.mu.Unlock()
	if s != nil {
		s.RemoveChannel(ch)
	}
}

// Get returns the session of identity.
func (m *Manager) Get(identity string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[identity]
	return s, ok
}

// Forget closes and drops the session of identity.
func (m *Manager) Forget(identity string) error {
	s, ok := m.Get(identity)
	if !ok {
		return fmt.Errorf("session %s: %w", identity, errs.ErrNotFound)
	}
	s.Close()
	return nil
}

// Close closes every session.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}

// Sessions lists known sessions ordered by identity.
func (m *Manager) Sessions() []Info {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(all))
	for _, s := range all {
		out = append(out, Info{
			Identity:   s.RemoteIdentity(),
			Connected:  s.IsConnected(),
			Authorized: s.IsAuthorized(),
			Channels:   s.ChannelCount(),
		})
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.Identity, b.Identity) })
	return out
}

// SendToDevice asks the peer to open url at position seconds.
func (m *Manager) SendToDevice(ctx context.Context, identity, url string, position int64) error {
	s, ok := m.Get(identity)
	if !ok {
		return fmt.Errorf("session %s: %w", identity, errs.ErrNotFound)
	}
	return s.SendJSON(ctx, protocol.SubSendToDevice, model.SendToDevicePackage{URL: url, Position: position})
}

// RequestStateExchange sends this device's watermarks for the peer, which makes
// the peer reply with its snapshots.
func (m *Manager) RequestStateExchange(ctx context.Context, s *Session) error {
	data, err := m.cfg.Peers.Get(ctx, s.RemoteIdentity())
	if err != nil {
		return fmt.Errorf("load watermarks: %w", err)
	}
	return s.SendJSON(ctx, protocol.SubSyncStateExchange, data)
}

func (m *Manager) getOrCreate(identity string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[identity]; ok {
		return s
	}
	s := New(identity, m.cfg.Data, Callbacks{
		OnAuthorized:       m.onAuthorized,
		OnUnauthorized:     m.onUnauthorized,
		OnConnectedChanged: m.onConnectedChanged,
		OnClose:            m.onClose,
	}, m.cfg.Log)
	m.sessions[identity] = s
	return s
}

func (m *Manager) onAuthorized(s *Session) {
	m.scheduleStateExchange(s)
}

func (m *Manager) onUnauthorized(s *Session) {
	m.log.Info("peer revoked authorization", zap.String("peer", s.RemoteIdentity()))
}

// onConnectedChanged re-runs the state exchange when an already authorized
// session gets a channel back.
func (m *Manager) onConnectedChanged(s *Session, connected bool) {
	m.log.Debug("connection changed", zap.String("peer", s.RemoteIdentity()), zap.Bool("connected", connected))
	if connected && s.IsAuthorized() {
		m.scheduleStateExchange(s)
	}
}

func (m *Manager) onClose(s *Session) {
	m.mu.Lock()
	if m.sessions[s.RemoteIdentity()] == s {
		delete(m.sessions, s.RemoteIdentity())
	}
	m.mu.Unlock()
}

func (m *Manager) scheduleStateExchange(s *Session) {
	err := m.cfg.Main.Submit("requestStateExchange", func(ctx context.Context) error {
		return m.RequestStateExchange(ctx, s)
	})
	if err != nil {
		m.log.Warn("state exchange not scheduled", zap.String("peer", s.RemoteIdentity()), zap.Error(err))
	}
}
