package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/peersync/internal/model"
)

// PeerRepo implements PeerSyncStore using PostgreSQL.
type PeerRepo struct{ db *DB }

// NewPeerRepo constructs a peer watermark repository.
func NewPeerRepo(db *DB) *PeerRepo { return &PeerRepo{db: db} }

// Get returns the stored watermarks, or zero watermarks for an unknown peer.
func (r *PeerRepo) Get(ctx context.Context, peerIdentity string) (model.SyncSessionData, error) {
	const q = `
SELECT last_subscription, last_subscription_group_change, last_history
FROM peer_sync_state WHERE peer_identity=$1`
	d := model.SyncSessionData{PublicKey: peerIdentity}
	err := r.db.Pool.QueryRow(ctx, q, peerIdentity).Scan(&d.LastSubscription, &d.LastSubscriptionGroupChange, &d.LastHistory)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return model.SyncSessionData{}, err
	}
	return d, nil
}

// Save upserts the watermarks of a peer.
func (r *PeerRepo) Save(ctx context.Context, d model.SyncSessionData) error {
	const q = `
INSERT INTO peer_sync_state (peer_identity, last_subscription, last_subscription_group_change, last_history, updated_at)
VALUES ($1,$2,$3,$4,now())
ON CONFLICT (peer_identity) DO UPDATE SET
  last_subscription=EXCLUDED.last_subscription,
  last_subscription_group_change=EXCLUDED.last_subscription_group_change,
  last_history=EXCLUDED.last_history,
  updated_at=now()`
	if d.PublicKey == "" {
		return errors.New("validation: empty peer identity")
	}
	_, err := r.db.Pool.Exec(ctx, q, d.PublicKey, d.LastSubscription.UTC(), d.LastSubscriptionGroupChange.UTC(), d.LastHistory.UTC())
	return err
}
