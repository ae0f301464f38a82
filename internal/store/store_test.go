package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/Martian-dev/mail-sync-engine/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite://" + filepath.Join(t.TempDir(), "mailsync.db"))
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedAccount(t *testing.T, s *Store) *model.Account {
	t.Helper()
	expiry := time.Now().Add(time.Hour)
	acc := &model.Account{
		Email:        "owner@example.com",
		Provider:     model.ProviderPushREST,
		AccessToken:  "access",
		RefreshToken: "refresh",
		TokenExpiry:  &expiry,
	}
	if err := s.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("create account failed: %v", err)
	}
	return acc
}

func TestInsertMessageUniqueConstraint(t *testing.T) {
	s := openTestStore(t)
	acc := seedAccount(t, s)
	ctx := context.Background()

	msg := &model.Message{AccountID: acc.ID, ProviderMessageID: "m-1", Sender: "a@example.com", ReceivedAt: time.Now()}
	if err := s.InsertMessage(ctx, msg); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}

	dup := &model.Message{AccountID: acc.ID, ProviderMessageID: "m-1", Sender: "a@example.com", ReceivedAt: time.Now()}
	if err := s.InsertMessage(ctx, dup); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	n, err := s.CountMessages(ctx, acc.ID)
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 message, got %d", n)
	}
}

func TestInsertMessagesTxReportsExisting(t *testing.T) {
	s := openTestStore(t)
	acc := seedAccount(t, s)
	ctx := context.Background()

	if err := s.InsertMessage(ctx, &model.Message{AccountID: acc.ID, ProviderMessageID: "m-2", Sender: "x@example.com", ReceivedAt: time.Now()}); err != nil {
		t.Fatalf("seed insert failed: %v", err)
	}

	batch := []*model.Message{
		{AccountID: acc.ID, ProviderMessageID: "m-1", Sender: "x@example.com", ReceivedAt: time.Now(), Labels: model.StringList{"INBOX"}},
		{AccountID: acc.ID, ProviderMessageID: "m-2", Sender: "x@example.com", ReceivedAt: time.Now()},
		{AccountID: acc.ID, ProviderMessageID: "m-3", Sender: "x@example.com", ReceivedAt: time.Now()},
	}
	inserted, err := s.InsertMessagesTx(ctx, batch)
	if err != nil {
		t.Fatalf("batch insert failed: %v", err)
	}
	if !inserted[0] || inserted[1] || !inserted[2] {
		t.Fatalf("unexpected insert outcome %v", inserted)
	}

	got, err := s.GetMessage(ctx, acc.ID, "m-1")
	if err != nil {
		t.Fatalf("get message failed: %v", err)
	}
	if len(got.Labels) != 1 || got.Labels[0] != "INBOX" {
		t.Fatalf("expected labels to round-trip, got %v", got.Labels)
	}
}

func TestKnownMessageIDs(t *testing.T) {
	s := openTestStore(t)
	acc := seedAccount(t, s)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if err := s.InsertMessage(ctx, &model.Message{AccountID: acc.ID, ProviderMessageID: id, Sender: "x@example.com", ReceivedAt: time.Now()}); err != nil {
			t.Fatalf("insert %s failed: %v", id, err)
		}
	}

	known, err := s.KnownMessageIDs(ctx, acc.ID, []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("known ids failed: %v", err)
	}
	if !known["a"] || !known["b"] || known["c"] {
		t.Fatalf("unexpected known set %v", known)
	}
}

func TestUpdateTokensKeepsRefreshTokenWhenEmpty(t *testing.T) {
	s := openTestStore(t)
	acc := seedAccount(t, s)
	ctx := context.Background()

	expiry := time.Now().Add(2 * time.Hour).UTC()
	if err := s.UpdateTokens(ctx, acc.ID, "access-2", "", expiry); err != nil {
		t.Fatalf("update tokens failed: %v", err)
	}
	got, err := s.GetAccount(ctx, acc.ID)
	if err != nil {
		t.Fatalf("get account failed: %v", err)
	}
	if got.AccessToken != "access-2" || got.RefreshToken != "refresh" {
		t.Fatalf("unexpected tokens %q/%q", got.AccessToken, got.RefreshToken)
	}
	if got.TokenExpiry == nil || !got.TokenExpiry.Equal(expiry) {
		t.Fatalf("expected expiry %s, got %v", expiry, got.TokenExpiry)
	}
}

func TestFinishUnitAggregates(t *testing.T) {
	s := openTestStore(t)
	acc := seedAccount(t, s)
	ctx := context.Background()

	if err := s.BeginSync(ctx, acc.ID, 3); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := s.AddPendingUnits(ctx, acc.ID, 2); err != nil {
		t.Fatalf("add pending failed: %v", err)
	}
	st, err := s.FinishUnit(ctx, acc.ID, true)
	if err != nil {
		t.Fatalf("finish unit failed: %v", err)
	}
	if st.PendingUnits != 1 || st.FailedUnits != 1 {
		t.Fatalf("unexpected state after first unit: %+v", st)
	}
	st, err = s.FinishUnit(ctx, acc.ID, false)
	if err != nil {
		t.Fatalf("finish unit failed: %v", err)
	}
	if st.PendingUnits != 1 || st.DoneUnits != 1 {
		t.Fatalf("unexpected state after second unit: %+v", st)
	}
	st, err = s.FinishFetch(ctx, acc.ID)
	if err != nil {
		t.Fatalf("finish fetch failed: %v", err)
	}
	if st.PendingUnits != 0 || st.DoneUnits != 1 || st.FailedUnits != 1 {
		t.Fatalf("unexpected state after fetch chain: %+v", st)
	}
}

func TestOutboxDequeueRespectsDelay(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.EnqueueOutbox(ctx, "mailsync.jobs.sync_account", []byte("{}"), "now", time.Now()); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := s.EnqueueOutbox(ctx, "mailsync.jobs.sync_account", []byte("{}"), "later", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	due, err := s.DequeueOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if len(due) != 1 || due[0].MsgID != "now" {
		t.Fatalf("expected only the due message, got %+v", due)
	}
	if err := s.MarkPublished(ctx, due[0].ID); err != nil {
		t.Fatalf("mark published failed: %v", err)
	}
	due, err = s.DequeueOutbox(ctx, 10)
	if err != nil {
		t.Fatalf("dequeue failed: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("expected empty outbox, got %d", len(due))
	}
}
