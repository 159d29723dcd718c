package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/peersync/internal/model"
	"github.com/and161185/peersync/internal/protocol"
	"github.com/and161185/peersync/internal/repository/memory"
	"github.com/and161185/peersync/internal/service"
)

const remote = "remote-peer-0123456789"

type fakeChannel struct {
	id       string
	identity string

	mu      sync.Mutex
	sent    []protocol.Packet
	sendErr error
	onSend  func()
	stopped int
	handler PacketHandler
}

func newChannel(id, identity string) *fakeChannel {
	return &fakeChannel{id: id, identity: identity}
}

func (c *fakeChannel) ID() string             { return c.id }
func (c *fakeChannel) RemoteIdentity() string { return c.identity }

func (c *fakeChannel) Send(_ context.Context, pkt protocol.Packet) error {
	c.mu.Lock()
	hook, err := c.onSend, c.sendErr
	if err == nil {
		c.sent = append(c.sent, pkt)
	}
	c.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (c *fakeChannel) Stop() {
	c.mu.Lock()
	c.stopped++
	c.mu.Unlock()
}

func (c *fakeChannel) SetHandler(h PacketHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

func (c *fakeChannel) packets() []protocol.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Packet(nil), c.sent...)
}

func (c *fakeChannel) subOpcodes() []protocol.SubOpcode {
	var out []protocol.SubOpcode
	for _, p := range c.packets() {
		if p.Opcode == protocol.OpcodeData {
			out = append(out, p.SubOpcode)
		}
	}
	return out
}

func (c *fakeChannel) reset() {
	c.mu.Lock()
	c.sent = nil
	c.mu.Unlock()
}

// deliver feeds a packet through the handler the channel was given, the way a
// transport read loop does.
func (c *fakeChannel) deliver(t *testing.T, pkt protocol.Packet) {
	t.Helper()
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	require.NotNil(t, h, "channel %s has no handler", c.id)
	h.HandlePacket(context.Background(), c, pkt)
}

func control(op protocol.Opcode) protocol.Packet { return protocol.Packet{Opcode: op} }

func data(t *testing.T, sub protocol.SubOpcode, v any) protocol.Packet {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return protocol.Packet{Opcode: protocol.OpcodeData, SubOpcode: sub, Payload: b}
}

type recordingReporter struct {
	mu      sync.Mutex
	results []model.MergeResult
}

func (r *recordingReporter) Report(_ string, res model.MergeResult) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

type recordingURLs struct {
	mu   sync.Mutex
	urls []string
}

func (r *recordingURLs) HandleURL(_ context.Context, _ string, url string, _ int64) error {
	r.mu.Lock()
	r.urls = append(r.urls, url)
	r.mu.Unlock()
	return nil
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	stores     service.Stores
	subs       *memory.Subscriptions
	history    *memory.History
	peers      *memory.Peers
	reporter   *recordingReporter
	urls       *recordingURLs
	dispatcher *Dispatcher
}

func newFixture(t *testing.T, passphrase string) *fixture {
	t.Helper()
	clock := func() time.Time { return t0.Add(time.Hour) }
	f := &fixture{
		subs:     memory.NewSubscriptions(clock),
		history:  memory.NewHistory(),
		peers:    memory.NewPeers(),
		reporter: &recordingReporter{},
		urls:     &recordingURLs{},
	}
	f.stores = service.Stores{
		Subscriptions: f.subs,
		Groups:        memory.NewGroups(clock),
		Playlists:     memory.NewPlaylists(clock),
		History:       f.history,
		Peers:         f.peers,
	}
	log := zaptest.NewLogger(t)
	f.dispatcher = NewDispatcher(DispatcherConfig{
		Merger:           service.NewMerger(f.stores, log),
		Reporter:         f.reporter,
		URLs:             f.urls,
		ExportPassphrase: []byte(passphrase),
		Log:              log,
	})
	return f
}

// authorizedSession returns a session with one channel and both flags set.
func (f *fixture) authorizedSession(t *testing.T) (*Session, *fakeChannel) {
	t.Helper()
	s := New(remote, f.dispatcher, Callbacks{}, zaptest.NewLogger(t))
	ch := newChannel("c1", remote)
	require.NoError(t, s.AddChannel(ch))
	require.NoError(t, s.Authorize(context.Background(), ch))
	ch.deliver(t, control(protocol.OpcodeNotifyAuthorized))
	require.True(t, s.IsAuthorized())
	ch.reset()
	return s, ch
}
