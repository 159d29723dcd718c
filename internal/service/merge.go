// Package service contains the merge rules applied to remote snapshots and the
// pairing service that admits new peers.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/peersync/internal/errs"
	"github.com/and161185/peersync/internal/model"
	"github.com/and161185/peersync/internal/repository"
)

// storePrecision is the finest timestamp resolution every store keeps
// (TIMESTAMPTZ holds microseconds). Remote times are cut to it before they are
// compared or written, so re-applying a snapshot is a no-op.
const storePrecision = time.Microsecond

func storeTime(t time.Time) time.Time { return t.Truncate(storePrecision) }

// Stores bundles the collaborators the merger reads and writes.
type Stores struct {
	Subscriptions repository.SubscriptionStore
	Groups        repository.SubscriptionGroupStore
	Playlists     repository.PlaylistStore
	History       repository.HistoryStore
	Peers         repository.PeerSyncStore
}

// Merger applies remote snapshots to local state with last-writer-wins and
// tombstone rules, and keeps per-peer watermarks.
type Merger struct {
	st  Stores
	log *zap.Logger
}

// NewMerger constructs a Merger.
func NewMerger(st Stores, log *zap.Logger) *Merger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Merger{st: st, log: log.Named("merge")}
}

// Stores returns the collaborators the merger was built with.
func (m *Merger) Stores() Stores { return m.st }

// MergeSubscriptions adds remote subscriptions that are neither subscribed
// locally nor tombstoned at or after their creation time, then applies the
// package removals. Removals are only honoured when the package carries at least
// one subscription. With updateWatermark the peer's lastSubscription advances to
// the newest creation time in the package.
func (m *Merger) MergeSubscriptions(ctx context.Context, peer string, pack model.SyncSubscriptionsPackage, updateWatermark bool) (model.MergeResult, error) {
	res := model.MergeResult{Domain: model.DomainSubscriptions}
	var newest time.Time

	for _, sub := range pack.Subscriptions {
		sub.CreationTime = storeTime(sub.CreationTime)
		if sub.CreationTime.After(newest) {
			newest = sub.CreationTime
		}
		if sub.Channel.URL == "" {
			continue
		}
		subscribed, err := m.st.Subscriptions.IsSubscribed(ctx, sub.Channel.URL)
		if err != nil {
			return res, fmt.Errorf("is subscribed %s: %w", sub.Channel.URL, err)
		}
		if subscribed {
			continue
		}
		removedAt, err := m.st.Subscriptions.RemovalTime(ctx, sub.Channel.URL)
		if err != nil {
			return res, fmt.Errorf("removal time %s: %w", sub.Channel.URL, err)
		}
		if !sub.CreationTime.After(removedAt) {
			continue
		}
		added, err := m.st.Subscriptions.Add(ctx, sub.Channel, sub.CreationTime)
		if err != nil {
			return res, fmt.Errorf("add subscription %s: %w", sub.Channel.URL, err)
		}
		res.Added = append(res.Added, displayName(added.Channel.Name, added.Channel.URL))
	}

	if len(pack.Subscriptions) > 0 && len(pack.SubscriptionRemovals) > 0 {
		removed, err := m.st.Subscriptions.ApplyRemovals(ctx, pack.SubscriptionRemovals)
		if err != nil {
			return res, fmt.Errorf("apply subscription removals: %w", err)
		}
		for _, s := range removed {
			res.Removed = append(res.Removed, displayName(s.Channel.Name, s.Channel.URL))
		}
	}

	if updateWatermark && len(pack.Subscriptions) > 0 {
		err := m.bump(ctx, peer, func(d *model.SyncSessionData) bool {
			if newest.After(d.LastSubscription) {
				d.LastSubscription = newest
				return true
			}
			return false
		})
		if err != nil {
			return res, err
		}
	}

	m.logResult(peer, res)
	return res, nil
}

// MergeSubscriptionGroups creates missing groups, overwrites groups whose remote
// lastChange is newer and deletes groups created before their tombstone.
func (m *Merger) MergeSubscriptionGroups(ctx context.Context, peer string, pack model.SyncSubscriptionGroupsPackage) (model.MergeResult, error) {
	res := model.MergeResult{Domain: model.DomainSubscriptionGroups}
	var newest time.Time

	for _, g := range pack.Groups {
		g.CreationTime = storeTime(g.CreationTime)
		g.LastChange = storeTime(g.LastChange)
		if g.LastChange.After(newest) {
			newest = g.LastChange
		}
		existing, err := m.st.Groups.Get(ctx, g.ID)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			if err := m.st.Groups.Upsert(ctx, g, false, true); err != nil {
				return res, fmt.Errorf("create group %s: %w", g.ID, err)
			}
			res.Added = append(res.Added, displayName(g.Name, g.ID))
		case err != nil:
			return res, fmt.Errorf("get group %s: %w", g.ID, err)
		case existing.LastChange.Before(g.LastChange):
			existing.Name = g.Name
			existing.URLs = g.URLs
			existing.Image = g.Image
			existing.Priority = g.Priority
			existing.LastChange = g.LastChange
			if err := m.st.Groups.Upsert(ctx, *existing, false, true); err != nil {
				return res, fmt.Errorf("update group %s: %w", g.ID, err)
			}
			res.Updated = append(res.Updated, displayName(g.Name, g.ID))
		}
	}

	for _, id := range pack.GroupRemovals.Keys() {
		existing, err := m.st.Groups.Get(ctx, id)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("get group %s: %w", id, err)
		}
		if !existing.CreationTime.Before(pack.GroupRemovals.Time(id)) {
			continue
		}
		if err := m.st.Groups.Delete(ctx, id, false); err != nil && !errors.Is(err, errs.ErrNotFound) {
			return res, fmt.Errorf("delete group %s: %w", id, err)
		}
		res.Removed = append(res.Removed, displayName(existing.Name, id))
	}

	if !newest.IsZero() {
		err := m.bump(ctx, peer, func(d *model.SyncSessionData) bool {
			if newest.After(d.LastSubscriptionGroupChange) {
				d.LastSubscriptionGroupChange = newest
				return true
			}
			return false
		})
		if err != nil {
			return res, err
		}
	}

	m.logResult(peer, res)
	return res, nil
}

// MergePlaylists creates missing playlists, overwrites playlists whose remote
// dateUpdate is newer and removes playlists created before their tombstone.
func (m *Merger) MergePlaylists(ctx context.Context, peer string, pack model.SyncPlaylistsPackage) (model.MergeResult, error) {
	res := model.MergeResult{Domain: model.DomainPlaylists}

	for _, p := range pack.Playlists {
		p.DateCreation = storeTime(p.DateCreation)
		p.DateUpdate = storeTime(p.DateUpdate)
		p.DatePlayed = storeTime(p.DatePlayed)
		existing, err := m.st.Playlists.Get(ctx, p.ID)
		switch {
		case errors.Is(err, errs.ErrNotFound):
			if err := m.st.Playlists.Upsert(ctx, p, false); err != nil {
				return res, fmt.Errorf("create playlist %s: %w", p.ID, err)
			}
			res.Added = append(res.Added, displayName(p.Name, p.ID))
		case err != nil:
			return res, fmt.Errorf("get playlist %s: %w", p.ID, err)
		case existing.DateUpdate.Before(p.DateUpdate):
			existing.DateUpdate = p.DateUpdate
			existing.Name = p.Name
			existing.Videos = p.Videos
			existing.DateCreation = p.DateCreation
			existing.DatePlayed = p.DatePlayed
			if err := m.st.Playlists.Upsert(ctx, *existing, false); err != nil {
				return res, fmt.Errorf("update playlist %s: %w", p.ID, err)
			}
			res.Updated = append(res.Updated, displayName(p.Name, p.ID))
		}
	}

	for _, id := range pack.PlaylistRemovals.Keys() {
		existing, err := m.st.Playlists.Get(ctx, id)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return res, fmt.Errorf("get playlist %s: %w", id, err)
		}
		if !existing.DateCreation.Before(pack.PlaylistRemovals.Time(id)) {
			continue
		}
		if err := m.st.Playlists.Remove(ctx, *existing, false); err != nil {
			return res, fmt.Errorf("remove playlist %s: %w", id, err)
		}
		res.Removed = append(res.Removed, displayName(existing.Name, id))
	}

	m.logResult(peer, res)
	return res, nil
}

// MergeHistory records remote playback positions. The peer's lastHistory
// watermark only advances for batches of more than one entry.
func (m *Merger) MergeHistory(ctx context.Context, peer string, entries []model.HistoryVideo) (model.MergeResult, error) {
	res := model.MergeResult{Domain: model.DomainHistory}
	var newest time.Time

	for _, e := range entries {
		e.Date = storeTime(e.Date)
		rec, err := m.st.History.GetOrCreate(ctx, e.Video, true, e.Date)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return res, fmt.Errorf("history %s: %w", e.Video.URL, err)
		}
		if rec != nil {
			if err := m.st.History.UpdatePosition(ctx, e.Video, rec, true, e.Position, e.Date); err != nil {
				return res, fmt.Errorf("history position %s: %w", e.Video.URL, err)
			}
			res.Updated = append(res.Updated, displayName(e.Video.Name, e.Video.URL))
		}
		if e.Date.After(newest) {
			newest = e.Date
		}
	}

	if !newest.IsZero() && len(entries) > 1 {
		err := m.bump(ctx, peer, func(d *model.SyncSessionData) bool {
			if newest.After(d.LastHistory) {
				d.LastHistory = newest
				return true
			}
			return false
		})
		if err != nil {
			return res, err
		}
	}

	m.log.Debug("history merged", zap.String("peer", peer), zap.Int("entries", len(entries)))
	return res, nil
}

// bump loads the peer's watermarks, applies fn and saves when fn reports a change.
func (m *Merger) bump(ctx context.Context, peer string, fn func(d *model.SyncSessionData) bool) error {
	d, err := m.st.Peers.Get(ctx, peer)
	if err != nil {
		return fmt.Errorf("load watermarks %s: %w", peer, err)
	}
	d.PublicKey = peer
	if !fn(&d) {
		return nil
	}
	if err := m.st.Peers.Save(ctx, d); err != nil {
		return fmt.Errorf("save watermarks %s: %w", peer, err)
	}
	return nil
}

func (m *Merger) logResult(peer string, res model.MergeResult) {
	if res.Empty() {
		return
	}
	m.log.Info("merged",
		zap.String("peer", peer),
		zap.String("domain", string(res.Domain)),
		zap.Int("added", len(res.Added)),
		zap.Int("updated", len(res.Updated)),
		zap.Int("removed", len(res.Removed)),
	)
}

func displayName(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}
