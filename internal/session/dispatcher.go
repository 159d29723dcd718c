package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/peersync/internal/errs"
	"github.com/and161185/peersync/internal/export"
	"github.com/and161185/peersync/internal/model"
	"github.com/and161185/peersync/internal/protocol"
	"github.com/and161185/peersync/internal/service"
	"github.com/and161185/peersync/internal/worker"
)

// Reporter receives the outcome of every merge, e.g. to notify the user.
type Reporter interface {
	Report(peer string, res model.MergeResult)
}

// URLHandler opens a URL pushed by a peer.
type URLHandler interface {
	HandleURL(ctx context.Context, peer, url string, position int64) error
}

// DispatcherConfig carries the Dispatcher collaborators.
type DispatcherConfig struct {
	Merger   *service.Merger
	Reporter Reporter
	URLs     URLHandler
	// Main runs ordered, latency-sensitive work: URL handling and state
	// exchange replies.
	Main worker.Executor
	// Background runs slow export ingestion.
	Background worker.Executor
	// ExportPassphrase opens sealed export bundles.
	ExportPassphrase []byte
	Log              *zap.Logger
}

// Dispatcher decodes DATA packets and applies them through the merger.
type Dispatcher struct {
	cfg DispatcherConfig
	st  service.Stores
	log *zap.Logger
}

var _ DataHandler = (*Dispatcher)(nil)

// NewDispatcher constructs a Dispatcher. Nil executors run inline.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Main == nil {
		cfg.Main = worker.Inline{Log: cfg.Log}
	}
	if cfg.Background == nil {
		cfg.Background = worker.Inline{Log: cfg.Log}
	}
	return &Dispatcher{cfg: cfg, st: cfg.Merger.Stores(), log: cfg.Log.Named("dispatch")}
}

// HandleData routes a DATA packet by sub-opcode.
func (d *Dispatcher) HandleData(ctx context.Context, s *Session, sub protocol.SubOpcode, payload []byte) error {
	peer := s.RemoteIdentity()

	switch sub {
	case protocol.SubSendToDevice:
		var pkg model.SendToDevicePackage
		if err := decode(sub, payload, &pkg); err != nil {
			return err
		}
		d.log.Info("url received", zap.String("peer", peer), zap.String("url", pkg.URL))
		if d.cfg.URLs == nil {
			return nil
		}
		return d.cfg.Main.Submit("sendToDevice", func(ctx context.Context) error {
			return d.cfg.URLs.HandleURL(ctx, peer, pkg.URL, pkg.Position)
		})

	case protocol.SubSyncStateExchange:
		var remote model.SyncSessionData
		if err := decode(sub, payload, &remote); err != nil {
			return err
		}
		d.log.Info("state exchange received", zap.String("peer", peer))
		return d.cfg.Main.Submit("stateExchange", func(ctx context.Context) error {
			return d.ReplyStateExchange(ctx, s, remote)
		})

	case protocol.SubSyncExport:
		return d.ingestExport(s, payload)

	case protocol.SubSyncSubscriptions:
		var pack model.SyncSubscriptionsPackage
		if err := decode(sub, payload, &pack); err != nil {
			return err
		}
		res, err := d.cfg.Merger.MergeSubscriptions(ctx, peer, pack, true)
		d.report(peer, res)
		return err

	case protocol.SubSyncSubscriptionGroups:
		var pack model.SyncSubscriptionGroupsPackage
		if err := decode(sub, payload, &pack); err != nil {
			return err
		}
		res, err := d.cfg.Merger.MergeSubscriptionGroups(ctx, peer, pack)
		d.report(peer, res)
		return err

	case protocol.SubSyncPlaylists:
		var pack model.SyncPlaylistsPackage
		if err := decode(sub, payload, &pack); err != nil {
			return err
		}
		res, err := d.cfg.Merger.MergePlaylists(ctx, peer, pack)
		d.report(peer, res)
		return err

	case protocol.SubSyncHistory:
		var entries []model.HistoryVideo
		if err := decode(sub, payload, &entries); err != nil {
			return err
		}
		d.log.Info("history received", zap.String("peer", peer), zap.Int("videos", len(entries)))
		// history syncs silently; only the record domains notify the user
		_, err := d.cfg.Merger.MergeHistory(ctx, peer, entries)
		return err

	default:
		return fmt.Errorf("%s: %w", sub, errs.ErrUnknownSubOpcode)
	}
}

// ReplyStateExchange pushes full subscription, group and playlist snapshots and
// the history newer than the peer's lastHistory, when there is any.
func (d *Dispatcher) ReplyStateExchange(ctx context.Context, s *Session, remote model.SyncSessionData) error {
	subs, err := d.st.Subscriptions.SnapshotPackage(ctx)
	if err != nil {
		return fmt.Errorf("snapshot subscriptions: %w", err)
	}
	if err := s.SendJSON(ctx, protocol.SubSyncSubscriptions, subs); err != nil {
		return err
	}

	groups, err := d.st.Groups.SnapshotPackage(ctx)
	if err != nil {
		return fmt.Errorf("snapshot groups: %w", err)
	}
	if err := s.SendJSON(ctx, protocol.SubSyncSubscriptionGroups, groups); err != nil {
		return err
	}

	playlists, err := d.st.Playlists.SnapshotPackage(ctx)
	if err != nil {
		return fmt.Errorf("snapshot playlists: %w", err)
	}
	if err := s.SendJSON(ctx, protocol.SubSyncPlaylists, playlists); err != nil {
		return err
	}

	recent, err := d.st.History.RecentSince(ctx, remote.LastHistory)
	if err != nil {
		return fmt.Errorf("recent history: %w", err)
	}
	if len(recent) == 0 {
		return nil
	}
	return s.SendJSON(ctx, protocol.SubSyncHistory, recent)
}

// ingestExport parses the bundle on the caller and merges every subscriptions
// store in the background through the live subscription merge path.
func (d *Dispatcher) ingestExport(s *Session, payload []byte) error {
	b, err := export.Parse(payload, d.cfg.ExportPassphrase)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	peer := s.RemoteIdentity()
	for name, entries := range b.Stores {
		if !strings.EqualFold(name, export.StoreSubscriptions) {
			continue
		}
		err := d.cfg.Background.Submit("export:"+name, func(ctx context.Context) error {
			pack, err := d.reconstruct(ctx, entries, b.Cache)
			if err != nil {
				return err
			}
			res, err := d.cfg.Merger.MergeSubscriptions(ctx, peer, pack, false)
			d.report(peer, res)
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) reconstruct(ctx context.Context, entries []string, cache model.ExportCache) (model.SyncSubscriptionsPackage, error) {
	subs := make([]model.Subscription, 0, len(entries))
	for _, e := range entries {
		sub, err := d.st.Subscriptions.ReconstructFromExport(e, cache)
		if err != nil {
			return model.SyncSubscriptionsPackage{}, err
		}
		subs = append(subs, sub)
	}
	removals, err := d.st.Subscriptions.Removals(ctx)
	if err != nil {
		return model.SyncSubscriptionsPackage{}, fmt.Errorf("local removals: %w", err)
	}
	return model.SyncSubscriptionsPackage{Subscriptions: subs, SubscriptionRemovals: removals}, nil
}

func (d *Dispatcher) report(peer string, res model.MergeResult) {
	if d.cfg.Reporter != nil && !res.Empty() {
		d.cfg.Reporter.Report(peer, res)
	}
}

func decode(sub protocol.SubOpcode, payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode %s: %v: %w", sub, err, errs.ErrMalformedPayload)
	}
	return nil
}
