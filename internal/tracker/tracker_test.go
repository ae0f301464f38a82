package tracker

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/Martian-dev/mail-sync-engine/internal/model"
	"github.com/Martian-dev/mail-sync-engine/internal/store"
)

func newTracker(t *testing.T) (*Tracker, string) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tracker.db"))
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	acc := &model.Account{Email: "track@example.com", Provider: model.ProviderPushREST}
	if err := s.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("create account failed: %v", err)
	}
	return New(s, slog.New(slog.NewTextHandler(io.Discard, nil))), acc.ID
}

func TestGetReturnsIdleForUnknownAccount(t *testing.T) {
	tr, id := newTracker(t)
	st, err := tr.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if st.Status != model.SyncIdle {
		t.Fatalf("expected idle, got %s", st.Status)
	}
}

func TestBeginAdvanceComplete(t *testing.T) {
	tr, id := newTracker(t)
	ctx := context.Background()

	if err := tr.Begin(ctx, id, 100); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := tr.Advance(ctx, id, 50); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if err := tr.Advance(ctx, id, 50); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	if _, err := tr.FinishFetch(ctx, id); err != nil {
		t.Fatalf("finish fetch failed: %v", err)
	}

	st, err := tr.Get(ctx, id)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if st.Status != model.SyncCompleted || st.Progress != 100 || st.Total != 100 || st.CompletedAt == nil {
		t.Fatalf("unexpected state %+v", st)
	}

	// a new attempt resets the record
	if err := tr.Begin(ctx, id, 10); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	st, _ = tr.Get(ctx, id)
	if st.Status != model.SyncSyncing || st.Progress != 0 || st.CompletedAt != nil {
		t.Fatalf("expected reset record, got %+v", st)
	}
}

func TestLastUnitSettlesAttempt(t *testing.T) {
	tr, id := newTracker(t)
	ctx := context.Background()

	tr.Begin(ctx, id, 2)
	tr.AddPending(ctx, id, 2)
	if _, err := tr.FinishFetch(ctx, id); err != nil {
		t.Fatalf("finish fetch failed: %v", err)
	}
	if st, _ := tr.Get(ctx, id); st.Status != model.SyncSyncing {
		t.Fatalf("expected syncing while units pending, got %s", st.Status)
	}

	remaining, err := tr.FinishUnit(ctx, id, true)
	if err != nil || remaining != 1 {
		t.Fatalf("expected one remaining, got %d (%v)", remaining, err)
	}
	if _, err := tr.FinishUnit(ctx, id, false); err != nil {
		t.Fatalf("finish unit failed: %v", err)
	}
	if st, _ := tr.Get(ctx, id); st.Status != model.SyncCompleted {
		t.Fatalf("expected completed with one success, got %s", st.Status)
	}
}

func TestAllUnitsFailedFailsAttempt(t *testing.T) {
	tr, id := newTracker(t)
	ctx := context.Background()

	tr.Begin(ctx, id, 2)
	tr.AddPending(ctx, id, 2)
	tr.FinishFetch(ctx, id)
	tr.FinishUnit(ctx, id, true)
	tr.FinishUnit(ctx, id, true)

	st, _ := tr.Get(ctx, id)
	if st.Status != model.SyncFailed || st.LastError != "2 of 2 message units failed" {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestFailedAttemptIsNotOverwrittenByLateUnits(t *testing.T) {
	tr, id := newTracker(t)
	ctx := context.Background()

	tr.Begin(ctx, id, 1)
	tr.AddPending(ctx, id, 1)
	if err := tr.Fail(ctx, id, "token revoked"); err != nil {
		t.Fatalf("fail failed: %v", err)
	}
	tr.FinishFetch(ctx, id)
	tr.FinishUnit(ctx, id, false)

	st, _ := tr.Get(ctx, id)
	if st.Status != model.SyncFailed || st.LastError != "token revoked" {
		t.Fatalf("unexpected state %+v", st)
	}
}
