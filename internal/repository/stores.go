// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/peersync/internal/model"
)

// SubscriptionStore holds local subscriptions and their removal tombstones.
type SubscriptionStore interface {
	// IsSubscribed reports whether a channel is subscribed locally.
	IsSubscribed(ctx context.Context, channelURL string) (bool, error)
	// Add subscribes to a channel with an explicit creation time.
	Add(ctx context.Context, ch model.Channel, creationTime time.Time) (model.Subscription, error)
	// RemovalTime returns the tombstone time for a channel, zero when it was never removed.
	RemovalTime(ctx context.Context, channelURL string) (time.Time, error)
	// ApplyRemovals removes every channel created before its removal time and records the tombstones.
	ApplyRemovals(ctx context.Context, removals model.Removals) ([]model.Subscription, error)
	// Removals returns all local tombstones.
	Removals(ctx context.Context) (model.Removals, error)
	// SnapshotPackage returns the full local state as a sync package.
	SnapshotPackage(ctx context.Context) (model.SyncSubscriptionsPackage, error)
	// ReconstructFromExport resolves one export entry against the bundle cache.
	ReconstructFromExport(entry string, cache model.ExportCache) (model.Subscription, error)
}

// SubscriptionGroupStore holds subscription groups.
type SubscriptionGroupStore interface {
	// Get returns a group by id or errs.ErrNotFound.
	Get(ctx context.Context, id string) (*model.SubscriptionGroup, error)
	// Upsert stores a group. fromRemote keeps the incoming LastChange instead of stamping now.
	Upsert(ctx context.Context, g model.SubscriptionGroup, notifyLocal, fromRemote bool) error
	// Delete removes a group and records a tombstone.
	Delete(ctx context.Context, id string, notifyLocal bool) error
	// SnapshotPackage returns the full local state as a sync package.
	SnapshotPackage(ctx context.Context) (model.SyncSubscriptionGroupsPackage, error)
}

// PlaylistStore holds playlists.
type PlaylistStore interface {
	// Get returns a playlist by id or errs.ErrNotFound.
	Get(ctx context.Context, id string) (*model.Playlist, error)
	// Upsert creates or replaces a playlist.
	Upsert(ctx context.Context, p model.Playlist, notifyLocal bool) error
	// Remove deletes a playlist and records a tombstone.
	Remove(ctx context.Context, p model.Playlist, notifyLocal bool) error
	// SnapshotPackage returns the full local state as a sync package.
	SnapshotPackage(ctx context.Context) (model.SyncPlaylistsPackage, error)
}

// HistoryStore holds watch history.
type HistoryStore interface {
	// GetOrCreate returns the history record for a video. With allowCreate a missing
	// record is created using date; otherwise errs.ErrNotFound is returned.
	GetOrCreate(ctx context.Context, v model.Video, allowCreate bool, date time.Time) (*model.HistoryVideo, error)
	// UpdatePosition stores a playback position. A non-authoritative call never
	// overwrites an existing position.
	UpdatePosition(ctx context.Context, v model.Video, rec *model.HistoryVideo, authoritative bool, position int64, date time.Time) error
	// RecentSince returns entries watched strictly after since, newest first.
	RecentSince(ctx context.Context, since time.Time) ([]model.HistoryVideo, error)
}

// PeerSyncStore holds per-peer watermarks.
type PeerSyncStore interface {
	// Get returns the watermarks for a peer; an unknown peer yields zero watermarks.
	Get(ctx context.Context, peerIdentity string) (model.SyncSessionData, error)
	// Save persists the watermarks.
	Save(ctx context.Context, data model.SyncSessionData) error
}
