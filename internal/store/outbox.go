package store

import (
	"context"
	"fmt"
	"time"
)

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID      int64  `db:"id"`
	Subject string `db:"subject"`
	Payload []byte `db:"payload"`
	MsgID   string `db:"msg_id"`
	Retries int    `db:"retries"`
}

// EnqueueOutbox adds a message that becomes due at notBefore
func (s *Store) EnqueueOutbox(ctx context.Context, subject string, payload []byte, msgID string, notBefore time.Time) error {
	_, err := s.DB.ExecContext(ctx, s.q(`
		INSERT INTO outbox (ts, subject, payload, msg_id, next_attempt_at)
		VALUES (?, ?, ?, ?, ?)
	`), time.Now().Unix(), subject, payload, msgID, notBefore.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// DequeueOutbox fetches due, unpublished messages from outbox
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error) {
	var messages []OutboxMessage
	err := s.DB.SelectContext(ctx, &messages, s.q(`
		SELECT id, subject, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`), time.Now().Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	return messages, nil
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, s.q(`UPDATE outbox SET published_at = ? WHERE id = ?`), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.DB.ExecContext(ctx, s.q(`
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`), time.Now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

// PurgePublished deletes published rows older than the cutoff
func (s *Store) PurgePublished(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, s.q(`
		DELETE FROM outbox WHERE published_at IS NOT NULL AND published_at < ?
	`), olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox: %w", err)
	}
	return res.RowsAffected()
}
