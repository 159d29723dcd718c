// Package model defines domain entities exchanged between peers and persisted by stores.
package model

import (
	"maps"
	"slices"
	"time"
)

// Tokens collects an issued access token for a paired peer.
type Tokens struct {
	AccessToken string
	ExpiresAt   time.Time // access token expiry (for diagnostics)
}

// Channel is a lightweight reference to a creator channel.
type Channel struct {
	URL       string `json:"url"`
	Name      string `json:"name"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// Subscription is a followed channel. Subscriptions are add-once: a remote copy never updates a local one.
type Subscription struct {
	Channel      Channel   `json:"channel"`
	CreationTime time.Time `json:"creationTime"`
}

// SubscriptionGroup is a named set of channel URLs.
type SubscriptionGroup struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	URLs         []string  `json:"urls"`
	Image        string    `json:"image,omitempty"`
	Priority     int       `json:"priority"`
	CreationTime time.Time `json:"creationTime"`
	LastChange   time.Time `json:"lastChange"`
}

// Video is a reference to a playable video.
type Video struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Author   string `json:"author,omitempty"`
	Duration int64  `json:"duration,omitempty"` // seconds
}

// Playlist is an ordered list of videos.
type Playlist struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Videos       []Video   `json:"videos"`
	DateCreation time.Time `json:"dateCreation"`
	DateUpdate   time.Time `json:"dateUpdate"`
	DatePlayed   time.Time `json:"datePlayed"`
}

// HistoryVideo is a watch-history entry. History is never tombstoned, only superseded.
type HistoryVideo struct {
	Video    Video     `json:"video"`
	Position int64     `json:"position"` // seconds
	Date     time.Time `json:"date"`
}

// Removals maps a record key (channel URL or id) to its removal time in epoch seconds.
type Removals map[string]int64

// Time returns the removal time of key, or the zero time when key was never removed.
func (r Removals) Time(key string) time.Time {
	sec, ok := r[key]
	if !ok {
		return time.Time{}
	}
	return FromEpoch(sec)
}

// Keys returns the removal keys in a stable order.
func (r Removals) Keys() []string {
	return slices.Sorted(maps.Keys(r))
}

// FromEpoch converts epoch seconds into a UTC time.
func FromEpoch(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// SyncSubscriptionsPackage is a full subscriptions snapshot.
type SyncSubscriptionsPackage struct {
	Subscriptions        []Subscription `json:"subscriptions"`
	SubscriptionRemovals Removals       `json:"subscriptionRemovals"`
}

// SyncSubscriptionGroupsPackage is a full subscription groups snapshot.
type SyncSubscriptionGroupsPackage struct {
	Groups        []SubscriptionGroup `json:"groups"`
	GroupRemovals Removals            `json:"groupRemovals"`
}

// SyncPlaylistsPackage is a full playlists snapshot.
type SyncPlaylistsPackage struct {
	Playlists        []Playlist `json:"playlists"`
	PlaylistRemovals Removals   `json:"playlistRemovals"`
}

// SyncSessionData holds per-peer watermarks. It is both persisted locally and
// sent as the body of a state exchange.
type SyncSessionData struct {
	PublicKey                   string    `json:"publicKey"`
	LastSubscription            time.Time `json:"lastSubscription"`
	LastSubscriptionGroupChange time.Time `json:"lastSubscriptionGroupChange"`
	LastHistory                 time.Time `json:"lastHistory"`
}

// SendToDevicePackage asks the receiving device to open a URL.
type SendToDevicePackage struct {
	URL      string `json:"url"`
	Position int64  `json:"position"`
}

// Domain names a synchronized data set.
type Domain string

const (
	DomainSubscriptions      Domain = "subscriptions"
	DomainSubscriptionGroups Domain = "subscription groups"
	DomainPlaylists          Domain = "playlists"
	DomainHistory            Domain = "history"
)

// MergeResult summarizes what one merge changed locally. Names are display names
// of the affected records.
type MergeResult struct {
	Domain  Domain
	Added   []string
	Updated []string
	Removed []string
}

// Empty reports whether the merge changed nothing.
func (r MergeResult) Empty() bool {
	return len(r.Added) == 0 && len(r.Updated) == 0 && len(r.Removed) == 0
}

// ExportCache carries full records referenced by lightweight entries of an export bundle.
type ExportCache struct {
	Channels map[string]Channel // keyed by channel URL
}
