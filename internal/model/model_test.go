package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRemovals_Time(t *testing.T) {
	t.Parallel()

	r := Removals{"https://a": 100}
	require.Equal(t, time.Unix(100, 0).UTC(), r.Time("https://a"))
	require.True(t, r.Time("https://b").IsZero())

	var nilMap Removals
	require.True(t, nilMap.Time("x").IsZero())
}

func TestRemovals_Keys(t *testing.T) {
	t.Parallel()

	r := Removals{"c": 1, "a": 2, "b": 3}
	require.Equal(t, []string{"a", "b", "c"}, r.Keys())
	require.Empty(t, Removals(nil).Keys())
}

func TestMergeResult_Empty(t *testing.T) {
	t.Parallel()

	require.True(t, MergeResult{Domain: DomainPlaylists}.Empty())
	require.False(t, MergeResult{Removed: []string{"x"}}.Empty())
}

func TestSubscriptionsPackage_WireShape(t *testing.T) {
	t.Parallel()

	raw := `{"subscriptions":[{"channel":{"url":"https://c/1","name":"One"},"creationTime":"2024-01-02T03:04:05Z"}],
	"subscriptionRemovals":{"https://c/2":1700000000}}`
	var pack SyncSubscriptionsPackage
	require.NoError(t, json.Unmarshal([]byte(raw), &pack))
	require.Len(t, pack.Subscriptions, 1)
	require.Equal(t, "One", pack.Subscriptions[0].Channel.Name)
	require.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), pack.Subscriptions[0].CreationTime)
	require.Equal(t, int64(1700000000), pack.SubscriptionRemovals["https://c/2"])
}
