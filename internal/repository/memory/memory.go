// Package memory provides in-process implementations of the repository
// interfaces. syncd uses them when started without a database.
package memory

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/and161185/peersync/internal/errs"
	"github.com/and161185/peersync/internal/model"
	"github.com/and161185/peersync/internal/repository"
)

var (
	_ repository.SubscriptionStore      = (*Subscriptions)(nil)
	_ repository.SubscriptionGroupStore = (*Groups)(nil)
	_ repository.PlaylistStore          = (*Playlists)(nil)
	_ repository.HistoryStore           = (*History)(nil)
	_ repository.PeerSyncStore          = (*Peers)(nil)
)

// Clock stamps local changes. Nil means time.Now.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now().UTC()
	}
	return c().UTC()
}

// Subscriptions is an in-memory SubscriptionStore.
type Subscriptions struct {
	Clock Clock

	mu       sync.Mutex
	subs     map[string]model.Subscription
	removals map[string]time.Time
}

// NewSubscriptions constructs an empty store.
func NewSubscriptions(c Clock) *Subscriptions {
	return &Subscriptions{Clock: c, subs: map[string]model.Subscription{}, removals: map[string]time.Time{}}
}

func (s *Subscriptions) IsSubscribed(_ context.Context, url string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.subs[url]
	return ok, nil
}

func (s *Subscriptions) Add(_ context.Context, ch model.Channel, creationTime time.Time) (model.Subscription, error) {
	if ch.URL == "" {
		return model.Subscription{}, errors.New("validation: empty channel url")
	}
	sub := model.Subscription{Channel: ch, CreationTime: creationTime.UTC()}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[ch.URL]; !ok {
		s.subs[ch.URL] = sub
	}
	return sub, nil
}

func (s *Subscriptions) RemovalTime(_ context.Context, url string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removals[url], nil
}

func (s *Subscriptions) ApplyRemovals(_ context.Context, removals model.Removals) ([]model.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []model.Subscription
	for _, url := range removals.Keys() {
		at := removals.Time(url)
		if sub, ok := s.subs[url]; ok && sub.CreationTime.Before(at) {
			delete(s.subs, url)
			removed = append(removed, sub)
		}
		if at.After(s.removals[url]) {
			s.removals[url] = at
		}
	}
	return removed, nil
}

// Unsubscribe removes a channel locally and records a tombstone stamped now.
func (s *Subscriptions) Unsubscribe(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[url]; !ok {
		return errs.ErrNotFound
	}
	delete(s.subs, url)
	s.removals[url] = s.Clock.now()
	return nil
}

func (s *Subscriptions) Removals(_ context.Context) (model.Removals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(model.Removals, len(s.removals))
	for k, v := range s.removals {
		out[k] = v.Unix()
	}
	return out, nil
}

func (s *Subscriptions) SnapshotPackage(ctx context.Context) (model.SyncSubscriptionsPackage, error) {
	removals, _ := s.Removals(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	subs := make([]model.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	slices.SortFunc(subs, func(a, b model.Subscription) int {
		if c := a.CreationTime.Compare(b.CreationTime); c != 0 {
			return c
		}
		return strings.Compare(a.Channel.URL, b.Channel.URL)
	})
	return model.SyncSubscriptionsPackage{Subscriptions: subs, SubscriptionRemovals: removals}, nil
}

func (s *Subscriptions) ReconstructFromExport(entry string, cache model.ExportCache) (model.Subscription, error) {
	return repository.ReconstructSubscription(entry, cache, s.Clock.now())
}

// Groups is an in-memory SubscriptionGroupStore.
type Groups struct {
	Clock    Clock
	OnChange func(model.Domain, string)

	mu       sync.Mutex
	groups   map[string]model.SubscriptionGroup
	removals map[string]time.Time
}

// NewGroups constructs an empty store.
func NewGroups(c Clock) *Groups {
	return &Groups{Clock: c, groups: map[string]model.SubscriptionGroup{}, removals: map[string]time.Time{}}
}

func (g *Groups) Get(_ context.Context, id string) (*model.SubscriptionGroup, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.groups[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	v.URLs = slices.Clone(v.URLs)
	return &v, nil
}

func (g *Groups) Upsert(_ context.Context, v model.SubscriptionGroup, notifyLocal, fromRemote bool) error {
	if v.ID == "" {
		return errors.New("validation: empty group id")
	}
	now := g.Clock.now()
	if !fromRemote {
		v.LastChange = now
	}
	if v.CreationTime.IsZero() {
		v.CreationTime = now
	}
	v.URLs = slices.Clone(v.URLs)
	g.mu.Lock()
	g.groups[v.ID] = v
	g.mu.Unlock()
	if notifyLocal && g.OnChange != nil {
		g.OnChange(model.DomainSubscriptionGroups, v.ID)
	}
	return nil
}

func (g *Groups) Delete(_ context.Context, id string, notifyLocal bool) error {
	g.mu.Lock()
	if _, ok := g.groups[id]; !ok {
		g.mu.Unlock()
		return errs.ErrNotFound
	}
	delete(g.groups, id)
	g.removals[id] = g.Clock.now()
	g.mu.Unlock()
	if notifyLocal && g.OnChange != nil {
		g.OnChange(model.DomainSubscriptionGroups, id)
	}
	return nil
}

func (g *Groups) SnapshotPackage(_ context.Context) (model.SyncSubscriptionGroupsPackage, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]model.SubscriptionGroup, 0, len(g.groups))
	for _, v := range g.groups {
		v.URLs = slices.Clone(v.URLs)
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b model.SubscriptionGroup) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}
		return strings.Compare(a.ID, b.ID)
	})
	return model.SyncSubscriptionGroupsPackage{Groups: out, GroupRemovals: epochs(g.removals)}, nil
}

// Playlists is an in-memory PlaylistStore.
type Playlists struct {
	Clock    Clock
	OnChange func(model.Domain, string)

	mu        sync.Mutex
	playlists map[string]model.Playlist
	removals  map[string]time.Time
}

// NewPlaylists constructs an empty store.
func NewPlaylists(c Clock) *Playlists {
	return &Playlists{Clock: c, playlists: map[string]model.Playlist{}, removals: map[string]time.Time{}}
}

func (p *Playlists) Get(_ context.Context, id string) (*model.Playlist, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.playlists[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	v.Videos = slices.Clone(v.Videos)
	return &v, nil
}

func (p *Playlists) Upsert(_ context.Context, v model.Playlist, notifyLocal bool) error {
	if v.ID == "" {
		return errors.New("validation: empty playlist id")
	}
	v.Videos = slices.Clone(v.Videos)
	p.mu.Lock()
	p.playlists[v.ID] = v
	p.mu.Unlock()
	if notifyLocal && p.OnChange != nil {
		p.OnChange(model.DomainPlaylists, v.ID)
	}
	return nil
}

func (p *Playlists) Remove(_ context.Context, v model.Playlist, notifyLocal bool) error {
	p.mu.Lock()
	delete(p.playlists, v.ID)
	p.removals[v.ID] = p.Clock.now()
	p.mu.Unlock()
	if notifyLocal && p.OnChange != nil {
		p.OnChange(model.DomainPlaylists, v.ID)
	}
	return nil
}

func (p *Playlists) SnapshotPackage(_ context.Context) (model.SyncPlaylistsPackage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Playlist, 0, len(p.playlists))
	for _, v := range p.playlists {
		v.Videos = slices.Clone(v.Videos)
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b model.Playlist) int {
		if c := a.DateCreation.Compare(b.DateCreation); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return model.SyncPlaylistsPackage{Playlists: out, PlaylistRemovals: epochs(p.removals)}, nil
}

// History is an in-memory HistoryStore.
type History struct {
	mu      sync.Mutex
	entries map[string]model.HistoryVideo
}

// NewHistory constructs an empty store.
func NewHistory() *History {
	return &History{entries: map[string]model.HistoryVideo{}}
}

func (h *History) GetOrCreate(_ context.Context, v model.Video, allowCreate bool, date time.Time) (*model.HistoryVideo, error) {
	if v.URL == "" {
		return nil, errors.New("validation: empty video url")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if e, ok := h.entries[v.URL]; ok {
		return &e, nil
	}
	if !allowCreate {
		return nil, errs.ErrNotFound
	}
	e := model.HistoryVideo{Video: v, Date: date.UTC()}
	h.entries[v.URL] = e
	return &e, nil
}

func (h *History) UpdatePosition(_ context.Context, v model.Video, rec *model.HistoryVideo, authoritative bool, position int64, date time.Time) error {
	if rec == nil {
		return errors.New("validation: nil history record")
	}
	if !authoritative && rec.Position > 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[v.URL]
	if !ok {
		return errs.ErrNotFound
	}
	e.Video = v
	e.Position = position
	if date.After(e.Date) {
		e.Date = date.UTC()
	}
	h.entries[v.URL] = e
	*rec = e
	return nil
}

func (h *History) RecentSince(_ context.Context, since time.Time) ([]model.HistoryVideo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []model.HistoryVideo
	for _, e := range h.entries {
		if e.Date.After(since) {
			out = append(out, e)
		}
	}
	slices.SortFunc(out, func(a, b model.HistoryVideo) int { return b.Date.Compare(a.Date) })
	return out, nil
}

// Peers is an in-memory PeerSyncStore.
type Peers struct {
	mu    sync.Mutex
	peers map[string]model.SyncSessionData
}

// NewPeers constructs an empty store.
func NewPeers() *Peers {
	return &Peers{peers: map[string]model.SyncSessionData{}}
}

func (p *Peers) Get(_ context.Context, identity string) (model.SyncSessionData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.peers[identity]; ok {
		return d, nil
	}
	return model.SyncSessionData{PublicKey: identity}, nil
}

func (p *Peers) Save(_ context.Context, d model.SyncSessionData) error {
	if d.PublicKey == "" {
		return errors.New("validation: empty peer identity")
	}
	p.mu.Lock()
	p.peers[d.PublicKey] = d
	p.mu.Unlock()
	return nil
}

func epochs(m map[string]time.Time) model.Removals {
	out := make(model.Removals, len(m))
	for k, v := range m {
		out[k] = v.Unix()
	}
	return out
}
