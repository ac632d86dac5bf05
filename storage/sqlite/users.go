package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/c360studio/testgen/storage"
)

const userColumns = `id, subscription_state, quota_count, window_start, last_request, version`

// GetUser loads one user.
func (s *Store) GetUser(ctx context.Context, id string) (*storage.User, error) {
	u, _, err := s.getUser(ctx, id)
	return u, err
}

func (s *Store) getUser(ctx context.Context, id string) (*storage.User, int64, error) {
	var (
		u                        storage.User
		windowStart, lastRequest int64
		version                  int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id).
		Scan(&u.ID, &u.SubscriptionState, &u.Quota.Count, &windowStart, &lastRequest, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, storage.ErrNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get user: %w", err)
	}
	u.Quota.WindowStart = fromNanos(windowStart)
	u.Quota.LastRequest = fromNanos(lastRequest)
	return &u, version, nil
}

// PutUser upserts a user record.
func (s *Store) PutUser(ctx context.Context, u *storage.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			subscription_state = excluded.subscription_state,
			quota_count = excluded.quota_count,
			window_start = excluded.window_start,
			last_request = excluded.last_request,
			version = users.version + 1
	`, u.ID, u.SubscriptionState, u.Quota.Count, toNanos(u.Quota.WindowStart), toNanos(u.Quota.LastRequest))
	if err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// UpdateUser applies fn under optimistic locking on the version column.
func (s *Store) UpdateUser(ctx context.Context, id string, fn func(*storage.User) error) (*storage.User, error) {
	var updated *storage.User
	err := storage.RetryOnConflict(ctx, func() error {
		u, version, err := s.getUser(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(u); err != nil {
			return err
		}

		result, err := s.db.ExecContext(ctx, `
			UPDATE users
			SET subscription_state = ?, quota_count = ?, window_start = ?, last_request = ?, version = version + 1
			WHERE id = ? AND version = ?
		`, u.SubscriptionState, u.Quota.Count, toNanos(u.Quota.WindowStart), toNanos(u.Quota.LastRequest), id, version)
		if err != nil {
			return fmt.Errorf("update user: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if rows == 0 {
			return storage.ErrConflict
		}
		updated = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
