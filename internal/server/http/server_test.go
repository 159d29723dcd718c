package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/peersync/internal/model"
	"github.com/and161185/peersync/internal/protocol"
	"github.com/and161185/peersync/internal/repository/memory"
	"github.com/and161185/peersync/internal/service"
	"github.com/and161185/peersync/internal/session"
	"github.com/and161185/peersync/internal/transport"
)

var signKey = []byte("test-secret")

func newTestServer(t *testing.T, adminToken string) (*httptest.Server, *session.Manager) {
	t.Helper()
	log := zaptest.NewLogger(t)
	stores := service.Stores{
		Subscriptions: memory.NewSubscriptions(nil),
		Groups:        memory.NewGroups(nil),
		Playlists:     memory.NewPlaylists(nil),
		History:       memory.NewHistory(),
		Peers:         memory.NewPeers(),
	}
	d := session.NewDispatcher(session.DispatcherConfig{Merger: service.NewMerger(stores, log), Log: log})
	m := session.NewManager(session.ManagerConfig{Data: d, Peers: stores.Peers, Log: log})

	srv := httptest.NewServer(New(Config{Identity: "local", Sessions: m, SignKey: signKey, AdminToken: adminToken, Log: log}).Handler())
	t.Cleanup(func() {
		m.Close()
		srv.Close()
	})
	return srv, m
}

type packetSink chan protocol.Packet

func (p packetSink) HandlePacket(_ context.Context, _ session.PacketChannel, pkt protocol.Packet) {
	p <- pkt
}

// dialPeer connects a WebSocket peer and waits for the server's authorization.
func dialPeer(t *testing.T, ctx context.Context, srv *httptest.Server, identity string) (*transport.Channel, packetSink) {
	t.Helper()
	tok, _, err := service.IssuePeerToken(signKey, identity, time.Hour, time.Now())
	require.NoError(t, err)
	conn, err := transport.DialWS(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/sync", tok)
	require.NoError(t, err)

	ch := transport.NewChannel(conn, "server", zaptest.NewLogger(t))
	in := make(packetSink, 8)
	ch.SetHandler(in)
	go func() { _ = ch.Serve(ctx) }()
	t.Cleanup(ch.Stop)

	select {
	case pkt := <-in:
		require.Equal(t, protocol.OpcodeNotifyAuthorized, pkt.Opcode)
	case <-ctx.Done():
		t.Fatalf("no authorization from server")
	}
	return ch, in
}

func do(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, "")
	resp := do(t, http.MethodGet, srv.URL+"/healthz", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		OK       bool   `json:"ok"`
		Identity string `json:"identity"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.True(t, body.OK)
	require.Equal(t, "local", body.Identity)
}

func TestSync_RequiresToken(t *testing.T) {
	srv, m := newTestServer(t, "")
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/sync"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, err = transport.DialWS(context.Background(), wsURL, "garbage")
	require.Error(t, err)
	require.Empty(t, m.Sessions())
}

func TestPeers_ListSendForget(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv, m := newTestServer(t, "")

	_, in := dialPeer(t, ctx, srv, "peer-a")

	resp := do(t, http.MethodGet, srv.URL+"/peers", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var infos []session.Info
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&infos))
	require.Equal(t, []session.Info{{Identity: "peer-a", Connected: true, Channels: 1}}, infos)

	resp = do(t, http.MethodPost, srv.URL+"/peers/peer-a/send", "", `{"url":"https://v/1","position":30}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	select {
	case pkt := <-in:
		require.Equal(t, protocol.SubSendToDevice, pkt.SubOpcode)
		var got model.SendToDevicePackage
		require.NoError(t, json.Unmarshal(pkt.Payload, &got))
		require.Equal(t, model.SendToDevicePackage{URL: "https://v/1", Position: 30}, got)
	case <-ctx.Done():
		t.Fatalf("peer did not receive url")
	}

	resp = do(t, http.MethodPost, srv.URL+"/peers/peer-a/send", "", `{"position":30}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = do(t, http.MethodPost, srv.URL+"/peers/nobody/send", "", `{"url":"u"}`)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodDelete, srv.URL+"/peers/peer-a", "", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_, ok := m.Get("peer-a")
	require.False(t, ok)

	resp = do(t, http.MethodDelete, srv.URL+"/peers/peer-a", "", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPeers_AdminToken(t *testing.T) {
	srv, _ := newTestServer(t, "admin")

	require.Equal(t, http.StatusUnauthorized, do(t, http.MethodGet, srv.URL+"/peers", "", "").StatusCode)
	require.Equal(t, http.StatusUnauthorized, do(t, http.MethodGet, srv.URL+"/peers", "wrong", "").StatusCode)
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/peers", "admin", "").StatusCode)
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/healthz", "", "").StatusCode)
}
