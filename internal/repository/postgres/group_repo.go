package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/peersync/internal/errs"
	"github.com/and161185/peersync/internal/model"
)

// GroupRepo implements SubscriptionGroupStore using PostgreSQL.
type GroupRepo struct{ db *DB }

// NewGroupRepo constructs a subscription group repository.
func NewGroupRepo(db *DB) *GroupRepo { return &GroupRepo{db: db} }

const groupColumns = `id, name, urls, image, priority, created_at, last_change`

func scanGroup(row pgx.Row) (model.SubscriptionGroup, error) {
	var g model.SubscriptionGroup
	err := row.Scan(&g.ID, &g.Name, &g.URLs, &g.Image, &g.Priority, &g.CreationTime, &g.LastChange)
	return g, err
}

// Get returns a single group by id.
func (r *GroupRepo) Get(ctx context.Context, id string) (*model.SubscriptionGroup, error) {
	const q = `SELECT ` + groupColumns + ` FROM subscription_groups WHERE id=$1`
	g, err := scanGroup(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &g, nil
}

// Upsert inserts or replaces a group. Local edits are stamped with the current time.
func (r *GroupRepo) Upsert(ctx context.Context, g model.SubscriptionGroup, notifyLocal, fromRemote bool) error {
	const q = `
INSERT INTO subscription_groups (` + groupColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (id) DO UPDATE SET
  name=EXCLUDED.name, urls=EXCLUDED.urls, image=EXCLUDED.image,
  priority=EXCLUDED.priority, last_change=EXCLUDED.last_change`
	if g.ID == "" {
		return errors.New("validation: empty group id")
	}
	now := r.db.now()
	if !fromRemote {
		g.LastChange = now
	}
	if g.CreationTime.IsZero() {
		g.CreationTime = now
	}
	if g.URLs == nil {
		g.URLs = []string{}
	}
	if _, err := r.db.Pool.Exec(ctx, q, g.ID, g.Name, g.URLs, g.Image, g.Priority, g.CreationTime.UTC(), g.LastChange.UTC()); err != nil {
		return err
	}
	r.db.changed(notifyLocal, model.DomainSubscriptionGroups, g.ID)
	return nil
}

// Delete removes a group and records a tombstone stamped now.
func (r *GroupRepo) Delete(ctx context.Context, id string, notifyLocal bool) error {
	const del = `DELETE FROM subscription_groups WHERE id=$1`
	const tomb = `
INSERT INTO subscription_group_removals (id, removed_at) VALUES ($1,$2)
ON CONFLICT (id) DO UPDATE SET removed_at=GREATEST(subscription_group_removals.removed_at, EXCLUDED.removed_at)`
	err := r.db.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, del, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.ErrNotFound
		}
		_, err = tx.Exec(ctx, tomb, id, r.db.now())
		return err
	})
	if err != nil {
		return err
	}
	r.db.changed(notifyLocal, model.DomainSubscriptionGroups, id)
	return nil
}

// SnapshotPackage returns all groups with the current tombstones.
func (r *GroupRepo) SnapshotPackage(ctx context.Context) (model.SyncSubscriptionGroupsPackage, error) {
	const q = `SELECT ` + groupColumns + ` FROM subscription_groups ORDER BY priority ASC, id ASC`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return model.SyncSubscriptionGroupsPackage{}, err
	}
	defer rows.Close()

	groups := []model.SubscriptionGroup{}
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return model.SyncSubscriptionGroupsPackage{}, err
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return model.SyncSubscriptionGroupsPackage{}, err
	}

	removals, err := queryRemovals(ctx, r.db.Pool, `SELECT id, removed_at FROM subscription_group_removals`)
	if err != nil {
		return model.SyncSubscriptionGroupsPackage{}, err
	}
	return model.SyncSubscriptionGroupsPackage{Groups: groups, GroupRemovals: removals}, nil
}
