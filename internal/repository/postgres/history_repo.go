package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/peersync/internal/errs"
	"github.com/and161185/peersync/internal/model"
)

// HistoryRepo implements HistoryStore using PostgreSQL.
type HistoryRepo struct{ db *DB }

// NewHistoryRepo constructs a history repository.
func NewHistoryRepo(db *DB) *HistoryRepo { return &HistoryRepo{db: db} }

func scanHistory(row pgx.Row) (model.HistoryVideo, error) {
	var (
		h     model.HistoryVideo
		video []byte
	)
	if err := row.Scan(&video, &h.Position, &h.Date); err != nil {
		return model.HistoryVideo{}, err
	}
	if err := json.Unmarshal(video, &h.Video); err != nil {
		return model.HistoryVideo{}, fmt.Errorf("history video: %w", err)
	}
	return h, nil
}

// GetOrCreate loads the record for a video, creating it at date when allowed.
func (r *HistoryRepo) GetOrCreate(ctx context.Context, v model.Video, allowCreate bool, date time.Time) (*model.HistoryVideo, error) {
	const sel = `SELECT video, position, watched_at FROM history WHERE video_url=$1`
	const ins = `
INSERT INTO history (video_url, video, position, watched_at) VALUES ($1,$2,0,$3)
ON CONFLICT (video_url) DO NOTHING`
	if v.URL == "" {
		return nil, errors.New("validation: empty video url")
	}

	h, err := scanHistory(r.db.Pool.QueryRow(ctx, sel, v.URL))
	switch {
	case err == nil:
		return &h, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, err
	case !allowCreate:
		return nil, errs.ErrNotFound
	}

	video, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	date = date.UTC()
	if _, err := r.db.Pool.Exec(ctx, ins, v.URL, video, date); err != nil {
		return nil, err
	}
	return &model.HistoryVideo{Video: v, Date: date}, nil
}

// UpdatePosition stores a playback position and keeps the latest watch date.
func (r *HistoryRepo) UpdatePosition(ctx context.Context, v model.Video, rec *model.HistoryVideo, authoritative bool, position int64, date time.Time) error {
	const upd = `
UPDATE history SET video=$2, position=$3, watched_at=GREATEST(watched_at, $4)
WHERE video_url=$1`
	if rec == nil {
		return errors.New("validation: nil history record")
	}
	if !authoritative && rec.Position > 0 {
		return nil
	}
	video, err := json.Marshal(v)
	if err != nil {
		return err
	}
	date = date.UTC()
	tag, err := r.db.Pool.Exec(ctx, upd, v.URL, video, position, date)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	rec.Video = v
	rec.Position = position
	if date.After(rec.Date) {
		rec.Date = date
	}
	return nil
}

// RecentSince returns entries watched after since, newest first.
func (r *HistoryRepo) RecentSince(ctx context.Context, since time.Time) ([]model.HistoryVideo, error) {
	const q = `
SELECT video, position, watched_at
FROM history
WHERE watched_at > $1
ORDER BY watched_at DESC`
	rows, err := r.db.Pool.Query(ctx, q, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.HistoryVideo
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
