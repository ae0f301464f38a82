package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Martian-dev/mail-sync-engine/internal/model"
)

// BeginSync resets the tracker record for a new attempt. The fetch chain
// holds one pending unit until FinishFetch.
func (s *Store) BeginSync(ctx context.Context, accountID string, total int) error {
	ts := now()
	_, err := s.DB.ExecContext(ctx, s.q(`
		INSERT INTO sync_state (account_id, status, progress, total, pending_units, failed_units, done_units,
			started_at, completed_at, last_error, updated_at)
		VALUES (?, ?, 0, ?, 1, 0, 0, ?, NULL, '', ?)
		ON CONFLICT (account_id) DO UPDATE SET
			status = excluded.status,
			progress = 0,
			total = excluded.total,
			pending_units = 1,
			failed_units = 0,
			done_units = 0,
			started_at = excluded.started_at,
			completed_at = NULL,
			last_error = '',
			updated_at = excluded.updated_at
	`), accountID, model.SyncSyncing, total, ts, ts)
	if err != nil {
		return fmt.Errorf("failed to begin sync state: %w", err)
	}
	return nil
}

// AdvanceSync adds delta to the progress counter
func (s *Store) AdvanceSync(ctx context.Context, accountID string, delta int) error {
	_, err := s.DB.ExecContext(ctx, s.q(`
		INSERT INTO sync_state (account_id, status, progress, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			progress = sync_state.progress + excluded.progress,
			updated_at = excluded.updated_at
	`), accountID, model.SyncSyncing, delta, now())
	if err != nil {
		return fmt.Errorf("failed to advance sync state: %w", err)
	}
	return nil
}

// FinishSync sets a terminal status. errText is only kept for failures.
func (s *Store) FinishSync(ctx context.Context, accountID string, status model.SyncStatus, errText string) error {
	ts := now()
	_, err := s.DB.ExecContext(ctx, s.q(`
		INSERT INTO sync_state (account_id, status, completed_at, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`), accountID, status, ts, errText, ts)
	if err != nil {
		return fmt.Errorf("failed to finish sync state: %w", err)
	}
	return nil
}

// AddPendingUnits records n fan-out units scheduled for the account
func (s *Store) AddPendingUnits(ctx context.Context, accountID string, n int) error {
	_, err := s.DB.ExecContext(ctx, s.q(`
		INSERT INTO sync_state (account_id, status, pending_units, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id) DO UPDATE SET
			pending_units = sync_state.pending_units + excluded.pending_units,
			updated_at = excluded.updated_at
	`), accountID, model.SyncSyncing, n, now())
	if err != nil {
		return fmt.Errorf("failed to add pending units: %w", err)
	}
	return nil
}

// FinishUnit settles one fan-out unit and returns the updated record
func (s *Store) FinishUnit(ctx context.Context, accountID string, failed bool) (*model.SyncState, error) {
	if failed {
		return s.settleUnit(ctx, accountID, 1, 0)
	}
	return s.settleUnit(ctx, accountID, 0, 1)
}

// FinishFetch settles the fetch chain's own pending slot. It is not counted
// as done or failed.
func (s *Store) FinishFetch(ctx context.Context, accountID string) (*model.SyncState, error) {
	return s.settleUnit(ctx, accountID, 0, 0)
}

func (s *Store) settleUnit(ctx context.Context, accountID string, failedDelta, doneDelta int) (*model.SyncState, error) {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.q(`
		UPDATE sync_state
		SET pending_units = CASE WHEN pending_units > 0 THEN pending_units - 1 ELSE 0 END,
		    failed_units = failed_units + ?,
		    done_units = done_units + ?,
		    updated_at = ?
		WHERE account_id = ?
	`), failedDelta, doneDelta, now(), accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to finish unit: %w", err)
	}

	var st model.SyncState
	if err := tx.GetContext(ctx, &st, s.q(`SELECT * FROM sync_state WHERE account_id = ?`), accountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return &st, nil
}

// GetSyncState loads the tracker record
func (s *Store) GetSyncState(ctx context.Context, accountID string) (*model.SyncState, error) {
	var st model.SyncState
	err := s.DB.GetContext(ctx, &st, s.q(`SELECT * FROM sync_state WHERE account_id = ?`), accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync state: %w", err)
	}
	return &st, nil
}
