package mailsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/Martian-dev/mail-sync-engine/internal/auth"
	"github.com/Martian-dev/mail-sync-engine/internal/dedup"
	"github.com/Martian-dev/mail-sync-engine/internal/jobs"
	"github.com/Martian-dev/mail-sync-engine/internal/model"
	"github.com/Martian-dev/mail-sync-engine/internal/store"
)

// unbounded stands in for a zero (no) limit
const unbounded = math.MaxInt32

var errLockContended = errors.New("message claimed by another worker")

// AccountStore is the account and message persistence the orchestrator needs
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context, provider model.ProviderType, activeOnly bool) ([]model.Account, error)
	UpdateCursor(ctx context.Context, id, cursor string) error
	TouchLastSync(ctx context.Context, id string, at time.Time) error
	DeactivateAccount(ctx context.Context, id, reason string) error
	KnownMessageIDs(ctx context.Context, accountID string, ids []string) (map[string]bool, error)
}

// Credentials hands out a valid token for an account
type Credentials interface {
	EnsureFreshToken(ctx context.Context, accountID string) (*auth.Token, error)
}

// Ingester persists messages through the dedup guard
type Ingester interface {
	Ingest(ctx context.Context, msg *model.Message) (dedup.Outcome, error)
	IngestBatch(ctx context.Context, msgs []*model.Message) ([]dedup.Outcome, error)
}

// Progress is the sync state bookkeeping
type Progress interface {
	Begin(ctx context.Context, accountID string, estimatedTotal int) error
	Advance(ctx context.Context, accountID string, delta int) error
	Fail(ctx context.Context, accountID, errText string) error
	AddPending(ctx context.Context, accountID string, n int) error
	FinishUnit(ctx context.Context, accountID string, failed bool) (int, error)
	FinishFetch(ctx context.Context, accountID string) (int, error)
}

// SubscriptionRemover drops an account's push subscription
type SubscriptionRemover interface {
	Delete(ctx context.Context, accountID string) (bool, error)
}

// Options size and pace sync units
type Options struct {
	BatchSize         int
	InitialLimit      int
	QuickLimit        int
	Cooldown          time.Duration
	ContinuationDelay time.Duration
	MaxBatchesPerUnit int
	IncludeRead       bool
}

// Deps are the orchestrator's collaborators
type Deps struct {
	Store       AccountStore
	Credentials Credentials
	Factory     ProviderFactory
	Guard       Ingester
	Tracker     Progress
	Queue       jobs.Queue
}

// Orchestrator drives sync units: batched fetch loops, fan-out of
// per-message units and continuation scheduling
type Orchestrator struct {
	store   AccountStore
	creds   Credentials
	factory ProviderFactory
	guard   Ingester
	tracker Progress
	queue   jobs.Queue
	subs    SubscriptionRemover
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

func NewOrchestrator(deps Deps, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.MaxBatchesPerUnit <= 0 {
		opts.MaxBatchesPerUnit = 2
	}
	return &Orchestrator{
		store:   deps.Store,
		creds:   deps.Credentials,
		factory: deps.Factory,
		guard:   deps.Guard,
		tracker: deps.Tracker,
		queue:   deps.Queue,
		opts:    opts,
		logger:  logger.With("component", "mailsync"),
		now:     time.Now,
	}
}

// SetSubscriptions wires the subscription cleanup run on deactivation
func (o *Orchestrator) SetSubscriptions(subs SubscriptionRemover) {
	o.subs = subs
}

// Register installs the unit handlers on a worker pool
func (o *Orchestrator) Register(pool *jobs.Pool, wrap func(jobs.Handler) jobs.Handler) {
	if wrap == nil {
		wrap = func(h jobs.Handler) jobs.Handler { return h }
	}
	pool.Register(jobs.KindSyncAccount, wrap(o.HandleSyncUnit))
	pool.Register(jobs.KindProcessMessage, o.HandleMessageUnit)
	pool.OnExhausted(o.HandleExhausted)
}

func effectiveLimit(limit int) int {
	if limit <= 0 {
		return unbounded
	}
	return limit
}

func (o *Orchestrator) activeAccount(ctx context.Context, accountID string) (*model.Account, error) {
	acc, err := o.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !acc.IsActive {
		return nil, fmt.Errorf("account %s: %w", accountID, ErrAccountInactive)
	}
	return acc, nil
}

// StartInitialSync begins a bounded first sync. limit <= 0 uses the
// configured initial limit.
func (o *Orchestrator) StartInitialSync(ctx context.Context, accountID string, limit int) error {
	acc, err := o.activeAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if limit <= 0 {
		limit = o.opts.InitialLimit
	}
	limit = effectiveLimit(limit)

	estimate := limit
	if p, err := o.factory(ctx, acc); err != nil {
		o.logger.Warn("provider unavailable for estimate", "account_id", acc.ID, "error", err)
	} else if info, err := p.AccountInfo(ctx); err != nil {
		o.logger.Warn("account info failed", "account_id", acc.ID, "error", err)
	} else if info.TotalMessages < estimate {
		estimate = info.TotalMessages
	}

	if err := o.tracker.Begin(ctx, acc.ID, estimate); err != nil {
		return fmt.Errorf("begin sync state: %w", err)
	}
	if err := o.store.TouchLastSync(ctx, acc.ID, o.now()); err != nil {
		o.logger.Warn("failed to touch last sync", "account_id", acc.ID, "error", err)
	}

	job := jobs.NewSyncJob(acc.ID, jobs.ModeInitial, limit)
	if err := o.queue.Enqueue(ctx, job, 0); err != nil {
		return fmt.Errorf("enqueue initial sync: %w", err)
	}
	o.logger.Info("initial sync scheduled", "account_id", acc.ID, "provider", acc.Provider.Name(),
		"limit", limit, "estimated_total", estimate, "job_id", job.ID)
	return nil
}

// QuickSync schedules a small incremental pass unless the account synced
// within the cool-down window. The check is best-effort: two callers
// racing past it cause one redundant pass, which dedup makes harmless.
func (o *Orchestrator) QuickSync(ctx context.Context, accountID string) (bool, error) {
	acc, err := o.activeAccount(ctx, accountID)
	if err != nil {
		return false, err
	}

	now := o.now()
	if acc.SyncedWithin(now, o.opts.Cooldown) {
		o.logger.Debug("quick sync skipped, cooling down", "account_id", acc.ID, "last_sync_at", acc.LastSyncAt)
		return false, nil
	}
	if err := o.store.TouchLastSync(ctx, acc.ID, now); err != nil {
		return false, fmt.Errorf("touch last sync: %w", err)
	}

	limit := effectiveLimit(o.opts.QuickLimit)
	if err := o.tracker.Begin(ctx, acc.ID, max(o.opts.QuickLimit, 0)); err != nil {
		return false, fmt.Errorf("begin sync state: %w", err)
	}
	job := jobs.NewSyncJob(acc.ID, jobs.ModeQuick, limit)
	if err := o.queue.Enqueue(ctx, job, 0); err != nil {
		return false, fmt.Errorf("enqueue quick sync: %w", err)
	}
	o.logger.Debug("quick sync scheduled", "account_id", acc.ID, "job_id", job.ID)
	return true, nil
}

// SyncProvider triggers a sync for every active account of one provider
// type and returns how many were scheduled
func (o *Orchestrator) SyncProvider(ctx context.Context, provider model.ProviderType, mode jobs.Mode) (int, error) {
	accounts, err := o.store.ListAccounts(ctx, provider, true)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}

	scheduled := 0
	for _, acc := range accounts {
		if ctx.Err() != nil {
			return scheduled, ctx.Err()
		}
		var err error
		started := true
		if mode == jobs.ModeInitial {
			err = o.StartInitialSync(ctx, acc.ID, 0)
		} else {
			started, err = o.QuickSync(ctx, acc.ID)
		}
		if err != nil {
			o.logger.Warn("sync trigger failed", "account_id", acc.ID, "provider", provider.Name(), "error", err)
			continue
		}
		if started {
			scheduled++
		}
	}
	return scheduled, nil
}

// HandleSyncUnit runs one sync_account unit: at most MaxBatchesPerUnit
// round trips, then either a continuation unit or fetch completion
func (o *Orchestrator) HandleSyncUnit(ctx context.Context, job *jobs.Job) error {
	log := o.logger.With(job.LogAttrs()...)

	acc, err := o.store.GetAccount(ctx, job.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("sync unit for unknown account dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if !acc.IsActive {
		log.Debug("sync unit for inactive account dropped")
		return nil
	}

	if _, err := o.creds.EnsureFreshToken(ctx, acc.ID); err != nil {
		return fmt.Errorf("ensure fresh token: %w", err)
	}
	provider, err := o.factory(ctx, acc)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}

	var res unitResult
	if lister, ok := provider.(IDLister); ok {
		res, err = o.runOptimized(ctx, acc, lister, job)
	} else {
		res, err = o.runFull(ctx, acc, provider, job)
	}
	if err != nil {
		return err
	}
	if err := o.fanOut(ctx, acc.ID, res.fresh); err != nil {
		return err
	}

	if res.cursor != acc.Cursor {
		if err := o.store.UpdateCursor(ctx, acc.ID, res.cursor); err != nil {
			log.Warn("failed to persist cursor", "error", err)
		}
	}

	if res.more && res.remaining > 0 && res.cursor != "" {
		next := job.Continue(res.cursor, res.remaining)
		if err := o.queue.Enqueue(ctx, next, o.opts.ContinuationDelay); err != nil {
			return fmt.Errorf("enqueue continuation: %w", err)
		}
		o.advance(ctx, acc.ID, res.progress)
		log.Info("sync unit continued", "fetched", res.fetched, "stored", res.stored,
			"remaining", res.remaining, "next_job_id", next.ID)
		return nil
	}

	o.advance(ctx, acc.ID, res.progress)
	pending, err := o.tracker.FinishFetch(ctx, acc.ID)
	if err != nil {
		return fmt.Errorf("finish fetch: %w", err)
	}
	log.Info("sync fetch complete", "fetched", res.fetched, "stored", res.stored, "pending_units", pending)
	return nil
}

// HandleMessageUnit fetches and stores one message of a fan-out
func (o *Orchestrator) HandleMessageUnit(ctx context.Context, job *jobs.Job) error {
	log := o.logger.With(append(job.LogAttrs(), "message_id", job.MessageID)...)

	acc, err := o.store.GetAccount(ctx, job.AccountID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("message unit for unknown account dropped")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if !acc.IsActive {
		o.finishUnit(ctx, acc.ID, true)
		return nil
	}

	if _, err := o.creds.EnsureFreshToken(ctx, acc.ID); err != nil {
		return fmt.Errorf("ensure fresh token: %w", err)
	}
	provider, err := o.factory(ctx, acc)
	if err != nil {
		return fmt.Errorf("create provider: %w", err)
	}

	msg, err := provider.FetchByID(ctx, job.MessageID)
	if err != nil {
		if Classify(err) == ClassExtraction {
			log.Warn("message skipped", "error", err)
			o.finishUnit(ctx, acc.ID, false)
			return nil
		}
		return fmt.Errorf("fetch message: %w", err)
	}
	if msg == nil {
		log.Debug("message dropped by adapter")
		o.finishUnit(ctx, acc.ID, false)
		return nil
	}
	msg.AccountID = acc.ID

	outcome, err := o.guard.Ingest(ctx, msg)
	if err != nil {
		return fmt.Errorf("ingest message: %w", err)
	}
	switch outcome {
	case dedup.LockContended:
		return errLockContended
	case dedup.Claimed:
		if err := o.tracker.Advance(ctx, acc.ID, 1); err != nil {
			log.Warn("failed to advance progress", "error", err)
		}
	}
	o.finishUnit(ctx, acc.ID, false)
	return nil
}

func (o *Orchestrator) advance(ctx context.Context, accountID string, n int) {
	if err := o.tracker.Advance(ctx, accountID, n); err != nil {
		o.logger.Warn("failed to advance progress", "account_id", accountID, "error", err)
	}
}

func (o *Orchestrator) finishUnit(ctx context.Context, accountID string, failed bool) {
	if _, err := o.tracker.FinishUnit(ctx, accountID, failed); err != nil && !errors.Is(err, store.ErrNotFound) {
		o.logger.Warn("failed to settle message unit", "account_id", accountID, "error", err)
	}
}

// HandleExhausted applies the give-up policy. A sync chain that keeps
// failing on anything but transient errors deactivates the account; a
// message unit only counts as failed.
func (o *Orchestrator) HandleExhausted(ctx context.Context, job *jobs.Job, cause error) {
	log := o.logger.With(append(job.LogAttrs(), "error", cause)...)

	if job.Kind == jobs.KindProcessMessage {
		o.finishUnit(ctx, job.AccountID, true)
		return
	}

	reason := cause.Error()
	if err := o.tracker.Fail(ctx, job.AccountID, reason); err != nil {
		log.Warn("failed to record sync failure", "fail_error", err)
	}

	class := Classify(cause)
	if class == ClassTransient {
		log.Error("sync abandoned, account left active", "class", class.String())
		return
	}

	if err := o.store.DeactivateAccount(ctx, job.AccountID, reason); err != nil {
		log.Error("failed to deactivate account", "deactivate_error", err)
		return
	}
	if o.subs != nil {
		if _, err := o.subs.Delete(ctx, job.AccountID); err != nil {
			log.Warn("failed to delete subscription of deactivated account", "subscription_error", err)
		}
	}
	log.Error("account deactivated", "class", class.String())
}
