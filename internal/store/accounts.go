package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/mail-sync-engine/internal/model"
)

const accountColumns = `id, email, provider, access_token, refresh_token, token_expiry, host, port, username,
	secret_ref, is_active, last_sync_at, cursor, deactivated_at, deactivation_reason, created_at, updated_at`

// CreateAccount inserts a new account, assigning an id when empty
func (s *Store) CreateAccount(ctx context.Context, acc *model.Account) error {
	if acc.ID == "" {
		acc.ID = uuid.NewString()
	}
	ts := now()
	acc.CreatedAt, acc.UpdatedAt = ts, ts
	acc.IsActive = true

	res, err := s.DB.NamedExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (:id, :email, :provider, :access_token, :refresh_token, :token_expiry, :host, :port, :username,
			:secret_ref, :is_active, :last_sync_at, :cursor, :deactivated_at, :deactivation_reason, :created_at, :updated_at)
		ON CONFLICT (provider, email) DO NOTHING
	`, acc)
	if err != nil {
		return fmt.Errorf("failed to insert account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// UpsertOAuthAccount creates the account or, for a reconnect, replaces its
// tokens and reactivates it. Returns the stored account.
func (s *Store) UpsertOAuthAccount(ctx context.Context, provider model.ProviderType, email, access, refresh string, expiry time.Time) (*model.Account, error) {
	existing, err := s.GetAccountByEmail(ctx, provider, email)
	switch {
	case errors.Is(err, ErrNotFound):
		acc := &model.Account{
			Email:        email,
			Provider:     provider,
			AccessToken:  access,
			RefreshToken: refresh,
			TokenExpiry:  &expiry,
		}
		if err := s.CreateAccount(ctx, acc); err != nil {
			return nil, err
		}
		return acc, nil
	case err != nil:
		return nil, err
	}

	if refresh == "" {
		refresh = existing.RefreshToken
	}
	_, err = s.DB.ExecContext(ctx, s.q(`
		UPDATE accounts
		SET access_token = ?, refresh_token = ?, token_expiry = ?, is_active = ?,
		    deactivated_at = NULL, deactivation_reason = '', updated_at = ?
		WHERE id = ?
	`), access, refresh, expiry, true, now(), existing.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to update account tokens: %w", err)
	}
	return s.GetAccount(ctx, existing.ID)
}

// GetAccount loads an account by id
func (s *Store) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var acc model.Account
	err := s.DB.GetContext(ctx, &acc, s.q(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return &acc, nil
}

// GetAccountByEmail loads an account by provider and mailbox address
func (s *Store) GetAccountByEmail(ctx context.Context, provider model.ProviderType, email string) (*model.Account, error) {
	var acc model.Account
	err := s.DB.GetContext(ctx, &acc, s.q(`SELECT `+accountColumns+` FROM accounts WHERE provider = ? AND email = ?`), provider, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return &acc, nil
}

// ListAccounts returns accounts, optionally filtered by provider and activity
func (s *Store) ListAccounts(ctx context.Context, provider model.ProviderType, activeOnly bool) ([]model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE 1 = 1`
	var args []any
	if provider != "" {
		query += ` AND provider = ?`
		args = append(args, provider)
	}
	if activeOnly {
		query += ` AND is_active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY created_at`

	var accounts []model.Account
	if err := s.DB.SelectContext(ctx, &accounts, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// UpdateTokens persists a refreshed access token. An empty refresh token
// keeps the stored one.
func (s *Store) UpdateTokens(ctx context.Context, id, access, refresh string, expiry time.Time) error {
	_, err := s.DB.ExecContext(ctx, s.q(`
		UPDATE accounts
		SET access_token = ?,
		    refresh_token = CASE WHEN ? = '' THEN refresh_token ELSE ? END,
		    token_expiry = ?,
		    updated_at = ?
		WHERE id = ?
	`), access, refresh, refresh, expiry, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	return nil
}

// UpdateCursor stores the pagination cursor of the last sync unit
func (s *Store) UpdateCursor(ctx context.Context, id, cursor string) error {
	_, err := s.DB.ExecContext(ctx, s.q(`UPDATE accounts SET cursor = ?, updated_at = ? WHERE id = ?`), cursor, now(), id)
	if err != nil {
		return fmt.Errorf("failed to update cursor: %w", err)
	}
	return nil
}

// TouchLastSync sets last_sync_at
func (s *Store) TouchLastSync(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, s.q(`UPDATE accounts SET last_sync_at = ?, updated_at = ? WHERE id = ?`), at.UTC(), now(), id)
	if err != nil {
		return fmt.Errorf("failed to touch last sync: %w", err)
	}
	return nil
}

// DeactivateAccount marks the account inactive with a reason
func (s *Store) DeactivateAccount(ctx context.Context, id, reason string) error {
	ts := now()
	res, err := s.DB.ExecContext(ctx, s.q(`
		UPDATE accounts
		SET is_active = ?, deactivated_at = ?, deactivation_reason = ?, updated_at = ?
		WHERE id = ?
	`), false, ts, reason, ts, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
