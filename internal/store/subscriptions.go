package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mail-sync-engine/internal/model"
)

// SaveSubscription stores the subscription of an account, replacing any
// previous one for the same provider
func (s *Store) SaveSubscription(ctx context.Context, sub *model.Subscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now()
	}
	_, err := s.DB.NamedExecContext(ctx, `
		INSERT INTO subscriptions (id, account_id, provider, resource, callback_url, status, expires_at, created_at, renewed_at)
		VALUES (:id, :account_id, :provider, :resource, :callback_url, :status, :expires_at, :created_at, :renewed_at)
		ON CONFLICT (account_id, provider) DO UPDATE SET
			id = excluded.id,
			resource = excluded.resource,
			callback_url = excluded.callback_url,
			status = excluded.status,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at,
			renewed_at = excluded.renewed_at
	`, sub)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}

// GetSubscription loads a subscription by provider subscription id
func (s *Store) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	return s.getSubscription(ctx, `SELECT * FROM subscriptions WHERE id = ?`, id)
}

// GetSubscriptionByAccount loads the subscription of an account
func (s *Store) GetSubscriptionByAccount(ctx context.Context, accountID string) (*model.Subscription, error) {
	return s.getSubscription(ctx, `SELECT * FROM subscriptions WHERE account_id = ?`, accountID)
}

func (s *Store) getSubscription(ctx context.Context, query string, arg string) (*model.Subscription, error) {
	var sub model.Subscription
	err := s.DB.GetContext(ctx, &sub, s.q(query), arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	return &sub, nil
}

// ListSubscriptions returns every stored subscription
func (s *Store) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	var subs []model.Subscription
	if err := s.DB.SelectContext(ctx, &subs, `SELECT * FROM subscriptions ORDER BY expires_at`); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// RenewSubscription records a new expiry after a successful provider renewal
func (s *Store) RenewSubscription(ctx context.Context, id string, expiresAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, s.q(`
		UPDATE subscriptions SET expires_at = ?, renewed_at = ?, status = ? WHERE id = ?
	`), expiresAt.UTC(), now(), model.SubscriptionActive, id)
	if err != nil {
		return fmt.Errorf("failed to renew subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSubscription removes the subscription row of an account
func (s *Store) DeleteSubscription(ctx context.Context, accountID string) error {
	if _, err := s.DB.ExecContext(ctx, s.q(`DELETE FROM subscriptions WHERE account_id = ?`), accountID); err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	return nil
}
