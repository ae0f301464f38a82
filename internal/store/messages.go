package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Martian-dev/mail-sync-engine/internal/model"
)

const insertMessage = `
	INSERT INTO messages
	(id, account_id, provider_message_id, thread_id, internet_message_id, subject, sender, sender_name,
	 recipients, cc, snippet, body_text, body_html, is_read, is_important, labels, folder, received_at, created_at)
	VALUES (:id, :account_id, :provider_message_id, :thread_id, :internet_message_id, :subject, :sender, :sender_name,
	 :recipients, :cc, :snippet, :body_text, :body_html, :is_read, :is_important, :labels, :folder, :received_at, :created_at)
	ON CONFLICT (account_id, provider_message_id) DO NOTHING
`

// InsertMessage inserts one message. The unique (account_id, provider_message_id)
// constraint is the backstop: a conflicting insert returns ErrAlreadyExists.
func (s *Store) InsertMessage(ctx context.Context, msg *model.Message) error {
	return insertMessageExec(ctx, s.DB, msg)
}

// InsertMessagesTx inserts a batch in one transaction, in order. The result
// reports per message whether it was stored (false means it already existed).
func (s *Store) InsertMessagesTx(ctx context.Context, msgs []*model.Message) ([]bool, error) {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	inserted := make([]bool, len(msgs))
	for i, msg := range msgs {
		err := insertMessageExec(ctx, tx, msg)
		switch {
		case err == nil:
			inserted[i] = true
		case errors.Is(err, ErrAlreadyExists):
		default:
			_ = tx.Rollback()
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return inserted, nil
}

func insertMessageExec(ctx context.Context, e sqlx.ExtContext, msg *model.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now()
	}
	msg.ReceivedAt = msg.ReceivedAt.UTC()

	res, err := sqlx.NamedExecContext(ctx, e, insertMessage, msg)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// MessageExists checks the dedup key
func (s *Store) MessageExists(ctx context.Context, accountID, providerMessageID string) (bool, error) {
	var n int
	err := s.DB.GetContext(ctx, &n, s.q(`
		SELECT COUNT(1) FROM messages WHERE account_id = ? AND provider_message_id = ?
	`), accountID, providerMessageID)
	if err != nil {
		return false, fmt.Errorf("failed to check message: %w", err)
	}
	return n > 0, nil
}

// KnownMessageIDs returns which of ids are already stored for the account, in one query
func (s *Store) KnownMessageIDs(ctx context.Context, accountID string, ids []string) (map[string]bool, error) {
	known := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return known, nil
	}

	query, args, err := sqlx.In(`
		SELECT provider_message_id FROM messages WHERE account_id = ? AND provider_message_id IN (?)
	`, accountID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build known ids query: %w", err)
	}

	var found []string
	if err := s.DB.SelectContext(ctx, &found, s.q(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query known ids: %w", err)
	}
	for _, id := range found {
		known[id] = true
	}
	return known, nil
}

// GetMessage loads a message by its dedup key
func (s *Store) GetMessage(ctx context.Context, accountID, providerMessageID string) (*model.Message, error) {
	var msg model.Message
	err := s.DB.GetContext(ctx, &msg, s.q(`
		SELECT * FROM messages WHERE account_id = ? AND provider_message_id = ?
	`), accountID, providerMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}
	return &msg, nil
}

// CountMessages returns how many messages are stored for the account
func (s *Store) CountMessages(ctx context.Context, accountID string) (int, error) {
	var n int
	if err := s.DB.GetContext(ctx, &n, s.q(`SELECT COUNT(1) FROM messages WHERE account_id = ?`), accountID); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

// MarkPoisoned records a message id that must never be extracted again
func (s *Store) MarkPoisoned(ctx context.Context, accountID, providerMessageID, reason string) error {
	_, err := s.DB.ExecContext(ctx, s.q(`
		INSERT INTO poisoned_messages (account_id, provider_message_id, reason, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (account_id, provider_message_id) DO NOTHING
	`), accountID, providerMessageID, reason, now())
	if err != nil {
		return fmt.Errorf("failed to mark poisoned: %w", err)
	}
	return nil
}

// PoisonedIDs lists every poisoned key as "account/message"
func (s *Store) PoisonedIDs(ctx context.Context) ([][2]string, error) {
	rows, err := s.DB.QueryxContext(ctx, `SELECT account_id, provider_message_id FROM poisoned_messages`)
	if err != nil {
		return nil, fmt.Errorf("failed to list poisoned: %w", err)
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var k [2]string
		if err := rows.Scan(&k[0], &k[1]); err != nil {
			return nil, fmt.Errorf("failed to scan poisoned row: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
