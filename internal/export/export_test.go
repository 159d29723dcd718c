package export

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/peersync/internal/crypto/bundle"
	"github.com/and161185/peersync/internal/errs"
	"github.com/and161185/peersync/internal/model"
)

func TestParse_PlainZip(t *testing.T) {
	data, err := Build(
		map[string][]string{
			StoreSubscriptions: {"https://c/1", `{"channel":{"url":"https://c/2"}}`},
			"playlists":        {},
		},
		[]model.Channel{{URL: "https://c/1", Name: "One"}, {Name: "no url"}},
	)
	require.NoError(t, err)

	b, err := Parse(data, nil)
	require.NoError(t, err)
	require.Len(t, b.Stores[StoreSubscriptions], 2)
	require.Contains(t, b.Stores, "playlists")
	require.Len(t, b.Cache.Channels, 1)
	require.Equal(t, "One", b.Cache.Channels["https://c/1"].Name)
}

func TestParse_Sealed(t *testing.T) {
	data, err := Build(map[string][]string{StoreSubscriptions: {"https://c/1"}}, nil)
	require.NoError(t, err)
	sealed, err := bundle.Seal([]byte("pw"), data)
	require.NoError(t, err)

	b, err := Parse(sealed, []byte("pw"))
	require.NoError(t, err)
	require.Equal(t, []string{"https://c/1"}, b.Stores[StoreSubscriptions])
	require.Empty(t, b.Cache.Channels)

	_, err = Parse(sealed, []byte("nope"))
	require.ErrorIs(t, err, bundle.ErrBadPassphrase)
}

func TestParse_Garbage(t *testing.T) {
	_, err := Parse([]byte("not a zip"), nil)
	require.ErrorIs(t, err, errs.ErrMalformedPayload)
}
