package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Martian-dev/mail-sync-engine/internal/model"
	"github.com/Martian-dev/mail-sync-engine/internal/store"
)

// Store is the sync_state persistence the tracker writes through
type Store interface {
	BeginSync(ctx context.Context, accountID string, total int) error
	AdvanceSync(ctx context.Context, accountID string, delta int) error
	FinishSync(ctx context.Context, accountID string, status model.SyncStatus, errText string) error
	AddPendingUnits(ctx context.Context, accountID string, n int) error
	FinishUnit(ctx context.Context, accountID string, failed bool) (*model.SyncState, error)
	FinishFetch(ctx context.Context, accountID string) (*model.SyncState, error)
	GetSyncState(ctx context.Context, accountID string) (*model.SyncState, error)
}

// Tracker records per-account sync progress for status reporting
type Tracker struct {
	store  Store
	logger *slog.Logger
}

func New(store Store, logger *slog.Logger) *Tracker {
	return &Tracker{store: store, logger: logger.With("component", "tracker")}
}

// Begin starts a new attempt with an estimated total
func (t *Tracker) Begin(ctx context.Context, accountID string, estimatedTotal int) error {
	return t.store.BeginSync(ctx, accountID, estimatedTotal)
}

func (t *Tracker) Advance(ctx context.Context, accountID string, delta int) error {
	if delta <= 0 {
		return nil
	}
	return t.store.AdvanceSync(ctx, accountID, delta)
}

func (t *Tracker) Complete(ctx context.Context, accountID string) error {
	return t.store.FinishSync(ctx, accountID, model.SyncCompleted, "")
}

func (t *Tracker) Fail(ctx context.Context, accountID, errText string) error {
	return t.store.FinishSync(ctx, accountID, model.SyncFailed, errText)
}

// Get returns the current record, or an idle one for accounts never synced
func (t *Tracker) Get(ctx context.Context, accountID string) (*model.SyncState, error) {
	st, err := t.store.GetSyncState(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return &model.SyncState{AccountID: accountID, Status: model.SyncIdle}, nil
	}
	return st, err
}

// AddPending registers n fan-out units
func (t *Tracker) AddPending(ctx context.Context, accountID string, n int) error {
	if n <= 0 {
		return nil
	}
	return t.store.AddPendingUnits(ctx, accountID, n)
}

// FinishUnit settles one fan-out unit and returns how many remain. The
// last unit to settle moves the record to its terminal status.
func (t *Tracker) FinishUnit(ctx context.Context, accountID string, failed bool) (int, error) {
	st, err := t.store.FinishUnit(ctx, accountID, failed)
	if err != nil {
		return 0, err
	}
	return st.PendingUnits, t.settle(ctx, st)
}

// FinishFetch marks the fetch chain done. With no fan-out units left the
// attempt completes here.
func (t *Tracker) FinishFetch(ctx context.Context, accountID string) (int, error) {
	st, err := t.store.FinishFetch(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return st.PendingUnits, t.settle(ctx, st)
}

func (t *Tracker) settle(ctx context.Context, st *model.SyncState) error {
	// an attempt already failed by the fetch chain stays failed
	if st.PendingUnits > 0 || st.Status != model.SyncSyncing {
		return nil
	}

	if st.FailedUnits > 0 && st.DoneUnits == 0 {
		msg := fmt.Sprintf("%d of %d message units failed", st.FailedUnits, st.FailedUnits+st.DoneUnits)
		t.logger.Warn("sync failed", "account_id", st.AccountID, "error", msg)
		return t.Fail(ctx, st.AccountID, msg)
	}
	if st.FailedUnits > 0 {
		t.logger.Info("sync completed with failed units", "account_id", st.AccountID,
			"failed_units", st.FailedUnits, "done_units", st.DoneUnits)
	}
	return t.Complete(ctx, st.AccountID)
}
