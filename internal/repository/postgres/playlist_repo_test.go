package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/peersync/internal/errs"
	"github.com/and161185/peersync/internal/model"
)

var playlistCols = []string{"id", "name", "videos", "date_creation", "date_update", "date_played"}

func TestPlaylistRepo_Get(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewPlaylistRepo(db)
	ctx := context.Background()

	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	videos, err := json.Marshal([]model.Video{{URL: "https://v/1", Name: "First"}})
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT id, name, videos, date_creation, date_update, date_played FROM playlists WHERE id=\$1`).
		WithArgs("p1").
		WillReturnRows(pgxmock.NewRows(playlistCols).AddRow("p1", "Mix", videos, at, at, at))
	mock.ExpectQuery(`FROM playlists WHERE id=\$1`).
		WithArgs("p2").
		WillReturnError(pgx.ErrNoRows)

	p, err := r.Get(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, p.Videos, 1)
	require.Equal(t, "First", p.Videos[0].Name)

	_, err = r.Get(ctx, "p2")
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlaylistRepo_Upsert(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewPlaylistRepo(db)

	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	p := model.Playlist{ID: "p1", Name: "Mix", DateCreation: at, DateUpdate: at, DatePlayed: at}

	mock.ExpectExec(`INSERT INTO playlists`).
		WithArgs("p1", "Mix", []byte("[]"), at, at, at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, r.Upsert(context.Background(), p, false))
	require.Error(t, r.Upsert(context.Background(), model.Playlist{}, false))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPlaylistRepo_Remove(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()

	var notified int
	db.OnChange = func(model.Domain, string) { notified++ }
	r := NewPlaylistRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM playlists WHERE id=\$1`).
		WithArgs("p1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec(`INSERT INTO playlist_removals`).
		WithArgs("p1", fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, r.Remove(context.Background(), model.Playlist{ID: "p1"}, true))
	require.Equal(t, 1, notified)
	require.NoError(t, mock.ExpectationsWereMet())
}
