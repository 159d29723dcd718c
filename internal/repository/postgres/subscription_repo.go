package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/peersync/internal/model"
	"github.com/and161185/peersync/internal/repository"
)

// SubscriptionRepo implements SubscriptionStore using PostgreSQL.
type SubscriptionRepo struct{ db *DB }

// NewSubscriptionRepo constructs a subscription repository.
func NewSubscriptionRepo(db *DB) *SubscriptionRepo { return &SubscriptionRepo{db: db} }

// IsSubscribed reports whether the channel is subscribed.
func (r *SubscriptionRepo) IsSubscribed(ctx context.Context, channelURL string) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM subscriptions WHERE channel_url=$1)`
	var ok bool
	if err := r.db.Pool.QueryRow(ctx, q, channelURL).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// Add inserts a subscription; an existing subscription is left untouched.
func (r *SubscriptionRepo) Add(ctx context.Context, ch model.Channel, creationTime time.Time) (model.Subscription, error) {
	const ins = `
INSERT INTO subscriptions (channel_url, channel_name, channel_thumbnail, created_at)
VALUES ($1,$2,$3,$4)
ON CONFLICT (channel_url) DO NOTHING`
	if ch.URL == "" {
		return model.Subscription{}, errors.New("validation: empty channel url")
	}
	creationTime = creationTime.UTC()
	if _, err := r.db.Pool.Exec(ctx, ins, ch.URL, ch.Name, ch.Thumbnail, creationTime); err != nil {
		return model.Subscription{}, err
	}
	return model.Subscription{Channel: ch, CreationTime: creationTime}, nil
}

// RemovalTime returns the tombstone for a channel or the zero time.
func (r *SubscriptionRepo) RemovalTime(ctx context.Context, channelURL string) (time.Time, error) {
	const q = `SELECT removed_at FROM subscription_removals WHERE channel_url=$1`
	var at time.Time
	if err := r.db.Pool.QueryRow(ctx, q, channelURL).Scan(&at); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, err
	}
	return at, nil
}

// ApplyRemovals deletes subscriptions created strictly before their removal time
// and keeps the newest tombstone per channel.
func (r *SubscriptionRepo) ApplyRemovals(ctx context.Context, removals model.Removals) ([]model.Subscription, error) {
	if len(removals) == 0 {
		return nil, nil
	}
	const del = `
DELETE FROM subscriptions WHERE channel_url=$1 AND created_at < $2
RETURNING channel_url, channel_name, channel_thumbnail, created_at`
	const tomb = `
INSERT INTO subscription_removals (channel_url, removed_at) VALUES ($1,$2)
ON CONFLICT (channel_url) DO UPDATE SET removed_at=GREATEST(subscription_removals.removed_at, EXCLUDED.removed_at)`

	var removed []model.Subscription
	err := r.db.withTx(ctx, func(tx pgx.Tx) error {
		for _, url := range removals.Keys() {
			at := removals.Time(url)
			var s model.Subscription
			scanErr := tx.QueryRow(ctx, del, url, at).Scan(&s.Channel.URL, &s.Channel.Name, &s.Channel.Thumbnail, &s.CreationTime)
			switch {
			case scanErr == nil:
				removed = append(removed, s)
			case errors.Is(scanErr, pgx.ErrNoRows):
			default:
				return fmt.Errorf("remove %s: %w", url, scanErr)
			}
			if _, err := tx.Exec(ctx, tomb, url, at); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

// Removals returns all subscription tombstones.
func (r *SubscriptionRepo) Removals(ctx context.Context) (model.Removals, error) {
	return queryRemovals(ctx, r.db.Pool, `SELECT channel_url, removed_at FROM subscription_removals`)
}

// SnapshotPackage returns every subscription with the current tombstones.
func (r *SubscriptionRepo) SnapshotPackage(ctx context.Context) (model.SyncSubscriptionsPackage, error) {
	const q = `
SELECT channel_url, channel_name, channel_thumbnail, created_at
FROM subscriptions
ORDER BY created_at ASC`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return model.SyncSubscriptionsPackage{}, err
	}
	defer rows.Close()

	subs := []model.Subscription{}
	for rows.Next() {
		var s model.Subscription
		if err := rows.Scan(&s.Channel.URL, &s.Channel.Name, &s.Channel.Thumbnail, &s.CreationTime); err != nil {
			return model.SyncSubscriptionsPackage{}, err
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return model.SyncSubscriptionsPackage{}, err
	}

	removals, err := r.Removals(ctx)
	if err != nil {
		return model.SyncSubscriptionsPackage{}, err
	}
	return model.SyncSubscriptionsPackage{Subscriptions: subs, SubscriptionRemovals: removals}, nil
}

// ReconstructFromExport resolves an export entry; bare URLs are stamped with the current time.
func (r *SubscriptionRepo) ReconstructFromExport(entry string, cache model.ExportCache) (model.Subscription, error) {
	return repository.ReconstructSubscription(entry, cache, r.db.now())
}
