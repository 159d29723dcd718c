package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/peersync/internal/model"
	"github.com/and161185/peersync/internal/repository/memory"
)

const peerID = "peer-abcdef123456"

var base = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

type testStores struct {
	subs      *memory.Subscriptions
	groups    *memory.Groups
	playlists *memory.Playlists
	history   *memory.History
	peers     *memory.Peers
}

func newMerger(t *testing.T) (*Merger, testStores) {
	t.Helper()
	clock := func() time.Time { return at(10_000) }
	ts := testStores{
		subs:      memory.NewSubscriptions(clock),
		groups:    memory.NewGroups(clock),
		playlists: memory.NewPlaylists(clock),
		history:   memory.NewHistory(),
		peers:     memory.NewPeers(),
	}
	m := NewMerger(Stores{
		Subscriptions: ts.subs,
		Groups:        ts.groups,
		Playlists:     ts.playlists,
		History:       ts.history,
		Peers:         ts.peers,
	}, zaptest.NewLogger(t))
	return m, ts
}

func sub(url string, created time.Time) model.Subscription {
	return model.Subscription{Channel: model.Channel{URL: url, Name: "name of " + url}, CreationTime: created}
}

func TestMergeSubscriptions_AddOnce(t *testing.T) {
	ctx := context.Background()
	m, ts := newMerger(t)
	_, err := ts.subs.Add(ctx, model.Channel{URL: "a", Name: "Local"}, at(5))
	require.NoError(t, err)

	res, err := m.MergeSubscriptions(ctx, peerID, model.SyncSubscriptionsPackage{
		Subscriptions: []model.Subscription{sub("a", at(50)), sub("b", at(60))},
	}, true)
	require.NoError(t, err)
	require.Equal(t, []string{"name of b"}, res.Added)

	pack, _ := ts.subs.SnapshotPackage(ctx)
	require.Len(t, pack.Subscriptions, 2)
	require.Equal(t, "Local", pack.Subscriptions[0].Channel.Name)
	require.Equal(t, at(5), pack.Subscriptions[0].CreationTime)
}

func TestMergeSubscriptions_TombstoneBlocksOlderRecreation(t *testing.T) {
	ctx := context.Background()
	m, ts := newMerger(t)
	_, _ = ts.subs.ApplyRemovals(ctx, model.Removals{"a": at(100).Unix(), "b": at(100).Unix()})

	res, err := m.MergeSubscriptions(ctx, peerID, model.SyncSubscriptionsPackage{
		Subscriptions: []model.Subscription{sub("a", at(100)), sub("b", at(101))},
	}, false)
	require.NoError(t, err)
	require.Equal(t, []string{"name of b"}, res.Added)
}

func TestMergeSubscriptions_RemovalStrictlyNewerThanCreation(t *testing.T) {
	ctx := context.Background()
	m, ts := newMerger(t)
	_, _ = ts.subs.Add(ctx, model.Channel{URL: "older", Name: "Older"}, at(10))
	_, _ = ts.subs.Add(ctx, model.Channel{URL: "same", Name: "Same"}, at(20))
	_, _ = ts.subs.Add(ctx, model.Channel{URL: "newer", Name: "Newer"}, at(30))

	res, err := m.MergeSubscriptions(ctx, peerID, model.SyncSubscriptionsPackage{
		Subscriptions:        []model.Subscription{sub("x", at(1))},
		SubscriptionRemovals: model.Removals{"older": at(20).Unix(), "same": at(20).Unix(), "newer": at(20).Unix()},
	}, false)
	require.NoError(t, err)
	require.Equal(t, []string{"Older"}, res.Removed)

	for url, want := range map[string]bool{"older": false, "same": true, "newer": true} {
		ok, _ := ts.subs.IsSubscribed(ctx, url)
		require.Equal(t, want, ok, url)
	}
}

func TestMergeSubscriptions_RemovalsIgnoredForEmptyPackage(t *testing.T) {
	ctx := context.Background()
	m, ts := newMerger(t)
	_, _ = ts.subs.Add(ctx, model.Channel{URL: "a"}, at(10))

	res, err := m.MergeSubscriptions(ctx, peerID, model.SyncSubscriptionsPackage{
		SubscriptionRemovals: model.Removals{"a": at(20).Unix()},
	}, true)
	require.NoError(t, err)
	require.True(t, res.Empty())
	ok, _ := ts.subs.IsSubscribed(ctx, "a")
	require.True(t, ok)

	d, _ := ts.peers.Get(ctx, peerID)
	require.True(t, d.LastSubscription.IsZero())
}

func TestMergeSubscriptions_Watermark(t *testing.T) {
	ctx := context.Background()
	m, ts := newMerger(t)

	_, err := m.MergeSubscriptions(ctx, peerID, model.SyncSubscriptionsPackage{
		Subscriptions: []model.Subscription{sub("a", at(30)), sub("b", at(70))},
	}, true)
	require.NoError(t, err)
	d, _ := ts.peers.Get(ctx, peerID)
	require.Equal(t, at(70), d.LastSubscription)

	// an older batch never moves the watermark back
	_, err = m.MergeSubscriptions(ctx, peerID, model.SyncSubscriptionsPackage{
		Subscriptions: []model.Subscription{sub("c", at(40))},
	}, true)
	require.NoError(t, err)
	d, _ = ts.peers.Get(ctx, peerID)
	require.Equal(t, at(70), d.LastSubscription)

	// export ingestion does not touch the watermark
	_, err = m.MergeSubscriptions(ctx, peerID, model.SyncSubscriptionsPackage{
		Subscriptions: []model.Subscription{sub("d", at(90))},
	}, false)
	require.NoError(t, err)
	d, _ = ts.peers.Get(ctx, peerID)
	require.Equal(t, at(70), d.LastSubscription)
}

func TestMergeSubscriptions_RoundTripIsNoop(t *testing.T) {
	ctx := context.Background()
	m, ts := newMerger(t)
	_, _ = ts.subs.Add(ctx, model.Channel{URL: "a"}, at(10))
	_, _ = ts.subs.ApplyRemovals(ctx, model.Removals{"gone": at(5).Unix()})

	pack, err := ts.subs.SnapshotPackage(ctx)
	require.NoError(t, err)
	res, err := m.MergeSubscriptions(ctx, peerID, pack, true)
	require.NoError(t, err)
	require.True(t, res.Empty())

	again, _ := ts.subs.SnapshotPackage(ctx)
	require.Equal(t, pack, again)
}

func group(id string, lastChange int) model.SubscriptionGroup {
	return model.SubscriptionGroup{ID: id, Name: "group " + id, URLs: []string{"u"}, CreationTime: at(1), LastChange: at(lastChange)}
}

func TestMergeSubscriptionGroups_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	m, ts := newMerger(t)
	require.NoError(t, ts.groups.Upsert(ctx, model.SubscriptionGroup{ID: "A", Name: "local", CreationTime: at(1), LastChange: at(100)}, false, true))

	res, err := m.MergeSubscriptionGroups(ctx, peerID, model.SyncSubscriptionGroupsPackage{Groups: []model.SubscriptionGroup{group("A", 50)}})
	require.NoError(t, err)
	require.True(t, res.Empty())
	g, _ := ts.groups.Get(ctx, "A")
	require.Equal(t, "local", g.Name)
	require.Equal(t, at(100), g.LastChange)

	res, err = m.MergeSubscriptionGroups(ctx, peerID, model.SyncSubscriptionGroupsPackage{Groups: []model.SubscriptionGroup{group("A", 150)}})
	require.NoError(t, err)
	require.Equal(t, []string{"group A"}, res.Updated)
	g, _ = ts.groups.Get(ctx, "A")
	require.Equal(t, "group A", g.Name)
	require.Equal(t, at(150), g.LastChange)
	require.Equal(t, at(1), g.CreationTime)
}

func TestMergeSubscriptionGroups_IdempotentAndWatermark(t *testing.T) {
	ctx := context.Background()
	m, ts := newMerger(t)
	pack := model.SyncSubscriptionGroupsPackage{Groups: []model.SubscriptionGroup{group("A", 10), group("B", 40)}}

	res, err := m.MergeSubscriptionGroups(ctx, peerID, pack)
	require.NoError(t, err)
	require.Len(t, res.Added, 2)

	before, _ := ts.groups.SnapshotPackage(ctx)
	res, err = m.MergeSubscriptionGroups(ctx, peerID, pack)
	require.NoError(t, err)
	require.True(t, res.Empty())
	after, _ := ts.groups.SnapshotPackage(ctx)
	require.Equal(t, before, after)

	d, _ := ts.peers.Get(ctx, peerID)
	require.Equal(t, at(40), d.LastSubscriptionGroupChange)
}

func TestMergeSubscriptionGroups_Removals(t *testing.T) {
	ctx := context.Background()
	m, ts := newMerger(t)
	require.NoError(t, ts.groups.Upsert(ctx, model.SubscriptionGroup{ID: "old", CreationTime: at(10)}, false, true))
	require.NoError(t, ts.groups.Upsert(ctx, model.SubscriptionGroup{ID: "new", CreationTime: at(30)}, false, true))

	res, err := m.MergeSubscriptionGroups(ctx, peerID, model.SyncSubscriptionGroupsPackage{
		GroupRemovals: model.Removals{"old": at(20).Unix(), "new": at(20).Unix(), "missing": at(20).Unix()},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"old"}, res.Removed)
	_, err = ts.groups.Get(ctx, "new")
	require.NoError(t, err)
}

func playlist(id string, created, updated int) model.Playlist {
	return model.Playlist{ID: id, Name: "pl " + id, DateCreation: at(created), DateUpdate: at(updated), Videos: []model.Video{{URL: "v"}}}
}

func TestMergePlaylists(t *testing.T) {
	ctx := context.Background()
	m, ts := newMerger(t)
	require.NoError(t, ts.playlists.Upsert(ctx, model.Playlist{ID: "p", Name: "local", DateCreation: at(1), DateUpdate: at(100)}, false))

	res, err := m.MergePlaylists(ctx, peerID, model.SyncPlaylistsPackage{Playlists: []model.Playlist{playlist("p", 1, 100), playlist("q", 2, 3)}})
	require.NoError(t, err)
	require.Equal(t, []string{"pl q"}, res.Added)
	require.Empty(t, res.Updated)

	res, err = m.MergePlaylists(ctx, peerID, model.SyncPlaylistsPackage{Playlists: []model.Playlist{playlist("p", 1, 101)}})
	require.NoError(t, err)
	require.Equal(t, []string{"pl p"}, res.Updated)
	p, _ := ts.playlists.Get(ctx, "p")
	require.Len(t, p.Videos, 1)

	res, err = m.MergePlaylists(ctx, peerID, model.SyncPlaylistsPackage{PlaylistRemovals: model.Removals{"p": at(1).Unix(), "q": at(3).Unix()}})
	require.NoError(t, err)
	require.Equal(t, []string{"pl q"}, res.Removed)
	_, err = ts.playlists.Get(ctx, "p")
	require.NoError(t, err)
}

func hv(url string, pos int64, date int) model.HistoryVideo {
	return model.HistoryVideo{Video: model.Video{URL: url, Name: url}, Position: pos, Date: at(date)}
}

func TestMergeHistory_SingleEntryKeepsWatermark(t *testing.T) {
	ctx := context.Background()
	m, ts := newMerger(t)
	require.NoError(t, ts.peers.Save(ctx, model.SyncSessionData{PublicKey: peerID, LastHistory: at(10)}))

	res, err := m.MergeHistory(ctx, peerID, []model.HistoryVideo{hv("v1", 42, 500)})
	require.NoError(t, err)
	require.Equal(t, []string{"v1"}, res.Updated)

	rec, err := ts.history.GetOrCreate(ctx, model.Video{URL: "v1"}, false, time.Time{})
	require.NoError(t, err)
	require.Equal(t, int64(42), rec.Position)

	d, _ := ts.peers.Get(ctx, peerID)
	require.Equal(t, at(10), d.LastHistory)
}

func TestMergeHistory_BatchAdvancesWatermark(t *testing.T) {
	ctx := context.Background()
	m, ts := newMerger(t)
	require.NoError(t, ts.peers.Save(ctx, model.SyncSessionData{PublicKey: peerID, LastHistory: at(10)}))

	_, err := m.MergeHistory(ctx, peerID, []model.HistoryVideo{hv("v1", 1, 200), hv("v2", 2, 300)})
	require.NoError(t, err)
	d, _ := ts.peers.Get(ctx, peerID)
	require.Equal(t, at(300), d.LastHistory)

	_, err = m.MergeHistory(ctx, peerID, []model.HistoryVideo{hv("v3", 1, 50), hv("v4", 2, 60)})
	require.NoError(t, err)
	d, _ = ts.peers.Get(ctx, peerID)
	require.Equal(t, at(300), d.LastHistory)
}

type failingPeers struct{ *memory.Peers }

func (failingPeers) Save(context.Context, model.SyncSessionData) error { return errors.New("disk full") }

func TestMergeHistory_WatermarkSaveErrorSurfaces(t *testing.T) {
	ctx := context.Background()
	m, _ := newMerger(t)
	m.st.Peers = failingPeers{memory.NewPeers()}

	_, err := m.MergeHistory(ctx, peerID, []model.HistoryVideo{hv("v1", 1, 200), hv("v2", 2, 300)})
	require.ErrorContains(t, err, "disk full")
}

// microGroups and microPlaylists keep microseconds only, as TIMESTAMPTZ does.
type microGroups struct{ *memory.Groups }

func (g microGroups) Upsert(ctx context.Context, v model.SubscriptionGroup, notifyLocal, fromRemote bool) error {
	v.CreationTime = v.CreationTime.Truncate(time.Microsecond)
	v.LastChange = v.LastChange.Truncate(time.Microsecond)
	return g.Groups.Upsert(ctx, v, notifyLocal, fromRemote)
}

type microPlaylists struct{ *memory.Playlists }

func (p microPlaylists) Upsert(ctx context.Context, v model.Playlist, notifyLocal bool) error {
	v.DateCreation = v.DateCreation.Truncate(time.Microsecond)
	v.DateUpdate = v.DateUpdate.Truncate(time.Microsecond)
	v.DatePlayed = v.DatePlayed.Truncate(time.Microsecond)
	return p.Playlists.Upsert(ctx, v, notifyLocal)
}

func TestMerge_SubMicrosecondTimesReapplyAsNoop(t *testing.T) {
	ctx := context.Background()
	_, ts := newMerger(t)
	m := NewMerger(Stores{
		Subscriptions: ts.subs,
		Groups:        microGroups{ts.groups},
		Playlists:     microPlaylists{ts.playlists},
		History:       ts.history,
		Peers:         ts.peers,
	}, zaptest.NewLogger(t))

	stamp := at(100).Add(456 * time.Nanosecond)
	groups := model.SyncSubscriptionGroupsPackage{Groups: []model.SubscriptionGroup{
		{ID: "a", Name: "a", URLs: []string{"u"}, CreationTime: stamp, LastChange: stamp},
	}}
	playlists := model.SyncPlaylistsPackage{Playlists: []model.Playlist{
		{ID: "p", Name: "p", Videos: []model.Video{}, DateCreation: stamp, DateUpdate: stamp},
	}}

	res, err := m.MergeSubscriptionGroups(ctx, peerID, groups)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, res.Added)
	res, err = m.MergePlaylists(ctx, peerID, playlists)
	require.NoError(t, err)
	require.Equal(t, []string{"p"}, res.Added)

	for i := 0; i < 3; i++ {
		res, err = m.MergeSubscriptionGroups(ctx, peerID, groups)
		require.NoError(t, err)
		require.True(t, res.Empty(), "group re-apply %d: %+v", i, res)

		res, err = m.MergePlaylists(ctx, peerID, playlists)
		require.NoError(t, err)
		require.True(t, res.Empty(), "playlist re-apply %d: %+v", i, res)
	}

	// a genuinely newer change one microsecond later still wins
	groups.Groups[0].LastChange = stamp.Add(time.Microsecond)
	groups.Groups[0].Name = "renamed"
	res, err = m.MergeSubscriptionGroups(ctx, peerID, groups)
	require.NoError(t, err)
	require.Equal(t, []string{"renamed"}, res.Updated)

	d, err := ts.peers.Get(ctx, peerID)
	require.NoError(t, err)
	require.Equal(t, stamp.Add(time.Microsecond).Truncate(time.Microsecond), d.LastSubscriptionGroupChange)
}
