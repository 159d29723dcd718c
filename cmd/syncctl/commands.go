package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strconv"
	"time"

	u "github.com/gofrs/uuid/v5"
	"github.com/pterm/pterm"

	"github.com/and161185/peersync/internal/crypto/bundle"
	"github.com/and161185/peersync/internal/export"
	"github.com/and161185/peersync/internal/model"
	"github.com/and161185/peersync/internal/protocol"
	grpcserver "github.com/and161185/peersync/internal/server/grpc"
	"github.com/and161185/peersync/internal/session"
	"github.com/and161185/peersync/internal/transport"
)

// ---- peer connection ----

// grpcLinger is how long a gRPC peer waits after half-closing before it
// tears the connection down.
const grpcLinger = 200 * time.Millisecond

// peer is an authorized sync channel to syncd.
type peer struct {
	ch     *transport.Channel
	in     chan protocol.Packet
	closer func()
}

func (p *peer) HandlePacket(_ context.Context, _ session.PacketChannel, pkt protocol.Packet) {
	select {
	case p.in <- pkt:
	default:
		// nobody is reading; drop rather than stall the read loop
	}
}

// openPeer connects with the saved token and completes the authorization
// handshake: wait for the device to authorize us, then authorize it back.
func openPeer(ctx context.Context, g globals) (*peer, error) {
	tok, err := loadToken()
	if err != nil {
		return nil, err
	}

	var (
		conn   transport.FrameConn
		closer = func() {}
	)
	if g.ws != "" {
		ws, err := transport.DialWS(ctx, g.ws, tok)
		if err != nil {
			return nil, err
		}
		conn = ws
	} else {
		cc, err := dial(g)
		if err != nil {
			return nil, err
		}
		stream, err := grpcserver.NewClient(cc).Connect(ctx, tok)
		if err != nil {
			_ = cc.Close()
			return nil, err
		}
		conn = transport.NewGRPCConn(stream)
		closer = func() {
			// sends are buffered by grpc; let the half-close reach syncd
			time.Sleep(grpcLinger)
			_ = cc.Close()
		}
	}

	p := &peer{in: make(chan protocol.Packet, 64)}
	p.ch = transport.NewChannel(conn, "syncd", nil)
	p.ch.SetHandler(p)
	p.closer = closer
	go func() { _ = p.ch.Serve(ctx) }()

	for {
		pkt, err := p.recv(ctx)
		if err != nil {
			p.close()
			return nil, fmt.Errorf("waiting for authorization: %w", err)
		}
		if pkt.Opcode == protocol.OpcodeNotifyAuthorized {
			break
		}
		if pkt.Opcode == protocol.OpcodeNotifyUnauthorized {
			p.close()
			return nil, errors.New("device refused authorization")
		}
	}
	if err := p.ch.Send(ctx, protocol.Packet{Opcode: protocol.OpcodeNotifyAuthorized}); err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

func (p *peer) recv(ctx context.Context) (protocol.Packet, error) {
	select {
	case pkt := <-p.in:
		return pkt, nil
	case <-p.ch.Done():
		return protocol.Packet{}, errors.New("connection closed")
	case <-ctx.Done():
		return protocol.Packet{}, ctx.Err()
	}
}

func (p *peer) sendJSON(ctx context.Context, sub protocol.SubOpcode, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", sub, err)
	}
	return p.send(ctx, sub, body)
}

func (p *peer) send(ctx context.Context, sub protocol.SubOpcode, body []byte) error {
	return p.ch.Send(ctx, protocol.Packet{Opcode: protocol.OpcodeData, SubOpcode: sub, Payload: body})
}

func (p *peer) close() {
	p.ch.Stop()
	p.closer()
}

// ---- commands ----

func cmdPair(ctx context.Context, g globals, args []string) error {
	fs := flag.NewFlagSet("pair", flag.ContinueOnError)
	code := fs.String("code", "", "pairing code shown by syncd")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *code == "" {
		return errors.New("need -code")
	}
	id, err := loadIdentity()
	if err != nil {
		return err
	}
	cc, err := dial(g)
	if err != nil {
		return err
	}
	defer cc.Close()

	tok, err := grpcserver.NewClient(cc).Pair(ctx, id, *code)
	if err != nil {
		return err
	}
	if err := saveToken(tok.AccessToken, tok.ExpiresAt); err != nil {
		return err
	}
	pterm.Success.Printfln("paired as %s, token valid until %s", id, tok.ExpiresAt.Format(time.RFC3339))
	return nil
}

func cmdSend(ctx context.Context, g globals, args []string) error {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	url := fs.String("url", "", "URL to open on the device")
	pos := fs.Int64("position", 0, "playback position in seconds")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *url == "" {
		return errors.New("need -url")
	}
	p, err := openPeer(ctx, g)
	if err != nil {
		return err
	}
	defer p.close()

	if err := p.sendJSON(ctx, protocol.SubSendToDevice, model.SendToDevicePackage{URL: *url, Position: *pos}); err != nil {
		return err
	}
	pterm.Success.Printfln("sent %s", *url)
	return nil
}

// snapshot is what the device pushes in reply to a state exchange.
type snapshot struct {
	Subscriptions *model.SyncSubscriptionsPackage      `json:"subscriptions,omitempty"`
	Groups        *model.SyncSubscriptionGroupsPackage `json:"groups,omitempty"`
	Playlists     *model.SyncPlaylistsPackage          `json:"playlists,omitempty"`
	History       []model.HistoryVideo                 `json:"history,omitempty"`
}

// add decodes pkt into the snapshot. Packets that are not snapshots are ignored.
func (s *snapshot) add(pkt protocol.Packet) error {
	if pkt.Opcode != protocol.OpcodeData {
		return nil
	}
	var v any
	switch pkt.SubOpcode {
	case protocol.SubSyncSubscriptions:
		s.Subscriptions = &model.SyncSubscriptionsPackage{}
		v = s.Subscriptions
	case protocol.SubSyncSubscriptionGroups:
		s.Groups = &model.SyncSubscriptionGroupsPackage{}
		v = s.Groups
	case protocol.SubSyncPlaylists:
		s.Playlists = &model.SyncPlaylistsPackage{}
		v = s.Playlists
	case protocol.SubSyncHistory:
		v = &s.History
	default:
		return nil
	}
	if err := json.Unmarshal(pkt.Payload, v); err != nil {
		return fmt.Errorf("decode %s: %w", pkt.SubOpcode, err)
	}
	return nil
}

func (s *snapshot) complete() bool {
	return s.Subscriptions != nil && s.Groups != nil && s.Playlists != nil
}

func (s *snapshot) table() pterm.TableData {
	rows := pterm.TableData{{"Data", "Records", "Removals"}}
	if s.Subscriptions != nil {
		rows = append(rows, []string{"subscriptions", strconv.Itoa(len(s.Subscriptions.Subscriptions)), strconv.Itoa(len(s.Subscriptions.SubscriptionRemovals))})
	}
	if s.Groups != nil {
		rows = append(rows, []string{"subscription groups", strconv.Itoa(len(s.Groups.Groups)), strconv.Itoa(len(s.Groups.GroupRemovals))})
	}
	if s.Playlists != nil {
		rows = append(rows, []string{"playlists", strconv.Itoa(len(s.Playlists.Playlists)), strconv.Itoa(len(s.Playlists.PlaylistRemovals))})
	}
	rows = append(rows, []string{"history", strconv.Itoa(len(s.History)), "-"})
	return rows
}

// historyGrace is how long exchange waits for the optional history packet.
const historyGrace = 500 * time.Millisecond

func cmdExchange(ctx context.Context, g globals, args []string) error {
	fs := flag.NewFlagSet("exchange", flag.ContinueOnError)
	since := fs.String("since", "", "only history watched after this RFC3339 time")
	asJSON := fs.Bool("json", false, "print the snapshots as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var lastHistory time.Time
	if *since != "" {
		t, err := time.Parse(time.RFC3339, *since)
		if err != nil {
			return fmt.Errorf("-since: %w", err)
		}
		lastHistory = t
	}
	id, err := loadIdentity()
	if err != nil {
		return err
	}

	snap, err := exchange(ctx, g, model.SyncSessionData{PublicKey: id, LastHistory: lastHistory})
	if err != nil {
		return err
	}
	if *asJSON {
		printJSON(snap)
		return nil
	}
	return pterm.DefaultTable.WithHasHeader().WithData(snap.table()).Render()
}

func exchange(ctx context.Context, g globals, data model.SyncSessionData) (*snapshot, error) {
	p, err := openPeer(ctx, g)
	if err != nil {
		return nil, err
	}
	defer p.close()

	if err := p.sendJSON(ctx, protocol.SubSyncStateExchange, data); err != nil {
		return nil, err
	}

	snap := &snapshot{}
	for !snap.complete() {
		pkt, err := p.recv(ctx)
		if err != nil {
			return nil, err
		}
		if err := snap.add(pkt); err != nil {
			return nil, err
		}
	}

	graceCtx, cancel := context.WithTimeout(ctx, historyGrace)
	defer cancel()
	for {
		pkt, err := p.recv(graceCtx)
		if err != nil {
			return snap, nil
		}
		if err := snap.add(pkt); err != nil {
			return nil, err
		}
		if pkt.SubOpcode == protocol.SubSyncHistory {
			return snap, nil
		}
	}
}

func cmdExport(ctx context.Context, g globals, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	file := fs.String("file", "", "existing export archive, - for stdin")
	pass := fs.String("passphrase", "", "seal the bundle with this passphrase")
	var subs multiFlag
	fs.Var(&subs, "sub", "channel URL to include (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	body, err := buildExport(*file, subs, *pass)
	if err != nil {
		return err
	}
	p, err := openPeer(ctx, g)
	if err != nil {
		return err
	}
	defer p.close()

	if err := p.send(ctx, protocol.SubSyncExport, body); err != nil {
		return err
	}
	pterm.Success.Printfln("export sent (%d bytes)", len(body))
	return nil
}

// buildExport reads an archive from file or builds one from subscription URLs,
// then seals it when passphrase is set.
func buildExport(file string, subs []string, passphrase string) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	switch {
	case file != "" && len(subs) > 0:
		return nil, errors.New("use either -file or -sub")
	case file != "":
		body, err = readAll(file)
	case len(subs) > 0:
		body, err = export.Build(map[string][]string{export.StoreSubscriptions: subs}, nil)
	default:
		return nil, errors.New("need -file or -sub")
	}
	if err != nil {
		return nil, err
	}
	if passphrase == "" || bundle.IsSealed(body) {
		return body, nil
	}
	return bundle.Seal([]byte(passphrase), body)
}

func cmdPushGroup(ctx context.Context, g globals, args []string) error {
	fs := flag.NewFlagSet("push-group", flag.ContinueOnError)
	name := fs.String("name", "", "group name")
	var urls multiFlag
	fs.Var(&urls, "url", "channel URL (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("need -name")
	}
	now := time.Now().UTC()
	grp := model.SubscriptionGroup{
		ID:           u.Must(u.NewV4()).String(),
		Name:         *name,
		URLs:         urls,
		CreationTime: now,
		LastChange:   now,
	}
	if grp.URLs == nil {
		grp.URLs = []string{}
	}
	p, err := openPeer(ctx, g)
	if err != nil {
		return err
	}
	defer p.close()

	if err := p.sendJSON(ctx, protocol.SubSyncSubscriptionGroups, model.SyncSubscriptionGroupsPackage{
		Groups:        []model.SubscriptionGroup{grp},
		GroupRemovals: model.Removals{},
	}); err != nil {
		return err
	}
	pterm.Success.Printfln("group %s pushed as %s", *name, grp.ID)
	return nil
}

func cmdPushPlaylist(ctx context.Context, g globals, args []string) error {
	fs := flag.NewFlagSet("push-playlist", flag.ContinueOnError)
	name := fs.String("name", "", "playlist name")
	var videos multiFlag
	fs.Var(&videos, "video", "video URL (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return errors.New("need -name")
	}
	now := time.Now().UTC()
	pl := model.Playlist{
		ID:           u.Must(u.NewV4()).String(),
		Name:         *name,
		Videos:       []model.Video{},
		DateCreation: now,
		DateUpdate:   now,
	}
	for _, v := range videos {
		pl.Videos = append(pl.Videos, model.Video{URL: v})
	}
	p, err := openPeer(ctx, g)
	if err != nil {
		return err
	}
	defer p.close()

	if err := p.sendJSON(ctx, protocol.SubSyncPlaylists, model.SyncPlaylistsPackage{
		Playlists:        []model.Playlist{pl},
		PlaylistRemovals: model.Removals{},
	}); err != nil {
		return err
	}
	pterm.Success.Printfln("playlist %s pushed as %s", *name, pl.ID)
	return nil
}
