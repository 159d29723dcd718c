package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/peersync/internal/errs"
	"github.com/and161185/peersync/internal/model"
)

// PlaylistRepo implements PlaylistStore using PostgreSQL.
type PlaylistRepo struct{ db *DB }

// NewPlaylistRepo constructs a playlist repository.
func NewPlaylistRepo(db *DB) *PlaylistRepo { return &PlaylistRepo{db: db} }

const playlistColumns = `id, name, videos, date_creation, date_update, date_played`

func scanPlaylist(row pgx.Row) (model.Playlist, error) {
	var (
		p      model.Playlist
		videos []byte
	)
	if err := row.Scan(&p.ID, &p.Name, &videos, &p.DateCreation, &p.DateUpdate, &p.DatePlayed); err != nil {
		return model.Playlist{}, err
	}
	if len(videos) > 0 {
		if err := json.Unmarshal(videos, &p.Videos); err != nil {
			return model.Playlist{}, fmt.Errorf("playlist %s videos: %w", p.ID, err)
		}
	}
	if p.Videos == nil {
		p.Videos = []model.Video{}
	}
	return p, nil
}

// Get returns a single playlist by id.
func (r *PlaylistRepo) Get(ctx context.Context, id string) (*model.Playlist, error) {
	const q = `SELECT ` + playlistColumns + ` FROM playlists WHERE id=$1`
	p, err := scanPlaylist(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Upsert inserts or replaces a playlist.
func (r *PlaylistRepo) Upsert(ctx context.Context, p model.Playlist, notifyLocal bool) error {
	const q = `
INSERT INTO playlists (` + playlistColumns + `)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET
  name=EXCLUDED.name, videos=EXCLUDED.videos, date_creation=EXCLUDED.date_creation,
  date_update=EXCLUDED.date_update, date_played=EXCLUDED.date_played`
	if p.ID == "" {
		return errors.New("validation: empty playlist id")
	}
	if p.Videos == nil {
		p.Videos = []model.Video{}
	}
	videos, err := json.Marshal(p.Videos)
	if err != nil {
		return err
	}
	if _, err := r.db.Pool.Exec(ctx, q, p.ID, p.Name, videos, p.DateCreation.UTC(), p.DateUpdate.UTC(), p.DatePlayed.UTC()); err != nil {
		return err
	}
	r.db.changed(notifyLocal, model.DomainPlaylists, p.ID)
	return nil
}

// Remove deletes a playlist and records a tombstone stamped now.
func (r *PlaylistRepo) Remove(ctx context.Context, p model.Playlist, notifyLocal bool) error {
	const del = `DELETE FROM playlists WHERE id=$1`
	const tomb = `
INSERT INTO playlist_removals (id, removed_at) VALUES ($1,$2)
ON CONFLICT (id) DO UPDATE SET removed_at=GREATEST(playlist_removals.removed_at, EXCLUDED.removed_at)`
	err := r.db.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, del, p.ID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, tomb, p.ID, r.db.now())
		return err
	})
	if err != nil {
		return err
	}
	r.db.changed(notifyLocal, model.DomainPlaylists, p.ID)
	return nil
}

// SnapshotPackage returns all playlists with the current tombstones.
func (r *PlaylistRepo) SnapshotPackage(ctx context.Context) (model.SyncPlaylistsPackage, error) {
	const q = `SELECT ` + playlistColumns + ` FROM playlists ORDER BY date_creation ASC`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return model.SyncPlaylistsPackage{}, err
	}
	defer rows.Close()

	playlists := []model.Playlist{}
	for rows.Next() {
		p, err := scanPlaylist(rows)
		if err != nil {
			return model.SyncPlaylistsPackage{}, err
		}
		playlists = append(playlists, p)
	}
	if err := rows.Err(); err != nil {
		return model.SyncPlaylistsPackage{}, err
	}

	removals, err := queryRemovals(ctx, r.db.Pool, `SELECT id, removed_at FROM playlist_removals`)
	if err != nil {
		return model.SyncPlaylistsPackage{}, err
	}
	return model.SyncPlaylistsPackage{Playlists: playlists, PlaylistRemovals: removals}, nil
}
