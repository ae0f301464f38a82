package mailsync

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Martian-dev/mail-sync-engine/internal/jobs"
	"github.com/Martian-dev/mail-sync-engine/internal/model"
)

// RenewFunc renews push subscriptions that are due
type RenewFunc func(ctx context.Context) error

// SchedulerConfig paces the periodic triggers
type SchedulerConfig struct {
	PollInterval  time.Duration
	RenewInterval time.Duration
	RetryDelay    time.Duration
	// PollPush also polls push-capable accounts, for deployments without
	// a public callback URL
	PollPush bool
}

// Manager schedules periodic quick syncs and subscription renewal, and
// keeps at most one sync unit per account running in this process
type Manager struct {
	orch   *Orchestrator
	queue  jobs.Queue
	renew  RenewFunc
	cfg    SchedulerConfig
	logger *slog.Logger

	runners      map[string]string // account id -> job id
	runnersMutex sync.RWMutex
}

func NewManager(orch *Orchestrator, queue jobs.Queue, cfg SchedulerConfig, logger *slog.Logger) *Manager {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Manager{
		orch:    orch,
		queue:   queue,
		cfg:     cfg,
		logger:  logger.With("component", "scheduler"),
		runners: make(map[string]string),
	}
}

// SetRenewer wires the subscription renewal pass
func (m *Manager) SetRenewer(fn RenewFunc) {
	m.renew = fn
}

// Exclusive wraps a sync_account handler so a second unit for an account
// already running here is pushed back instead of run concurrently
func (m *Manager) Exclusive(h jobs.Handler) jobs.Handler {
	return func(ctx context.Context, job *jobs.Job) error {
		if !m.acquire(job) {
			m.logger.Debug("account busy, unit deferred", job.LogAttrs()...)
			// a fresh id keeps transport dedup from dropping the deferral
			return m.queue.Enqueue(ctx, job.Continue(job.Cursor, job.Remaining), m.cfg.RetryDelay)
		}
		defer m.release(job)
		return h(ctx, job)
	}
}

func (m *Manager) acquire(job *jobs.Job) bool {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if _, exists := m.runners[job.AccountID]; exists {
		return false
	}
	m.runners[job.AccountID] = job.ID
	return true
}

func (m *Manager) release(job *jobs.Job) {
	m.runnersMutex.Lock()
	defer m.runnersMutex.Unlock()

	if m.runners[job.AccountID] == job.ID {
		delete(m.runners, job.AccountID)
	}
}

// IsRunning checks if a sync unit is running for the account
func (m *Manager) IsRunning(accountID string) bool {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	_, exists := m.runners[accountID]
	return exists
}

// Running returns the accounts with a unit currently running
func (m *Manager) Running() []string {
	m.runnersMutex.RLock()
	defer m.runnersMutex.RUnlock()

	accounts := make([]string, 0, len(m.runners))
	for id := range m.runners {
		accounts = append(accounts, id)
	}
	sort.Strings(accounts)
	return accounts
}

// PollOnce triggers quick syncs for every account without push delivery
func (m *Manager) PollOnce(ctx context.Context) int {
	providers := []model.ProviderType{model.ProviderPollREST, model.ProviderStateful}
	if m.cfg.PollPush {
		providers = append(providers, model.ProviderPushREST)
	}

	total := 0
	for _, p := range providers {
		n, err := m.orch.SyncProvider(ctx, p, jobs.ModeQuick)
		if err != nil {
			m.logger.Warn("poll failed", "provider", p.Name(), "error", err)
			continue
		}
		total += n
	}
	if total > 0 {
		m.logger.Info("poll scheduled quick syncs", "accounts", total)
	}
	return total
}

// Run drives the poll and renewal tickers until ctx is cancelled
func (m *Manager) Run(ctx context.Context) {
	var pollC, renewC <-chan time.Time
	if m.cfg.PollInterval > 0 {
		t := time.NewTicker(m.cfg.PollInterval)
		defer t.Stop()
		pollC = t.C
	}
	if m.cfg.RenewInterval > 0 && m.renew != nil {
		t := time.NewTicker(m.cfg.RenewInterval)
		defer t.Stop()
		renewC = t.C
		m.runRenew(ctx)
	}

	m.logger.Info("scheduler started", "poll_interval", m.cfg.PollInterval, "renew_interval", m.cfg.RenewInterval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("scheduler stopped")
			return
		case <-pollC:
			m.PollOnce(ctx)
		case <-renewC:
			m.runRenew(ctx)
		}
	}
}

func (m *Manager) runRenew(ctx context.Context) {
	if err := m.renew(ctx); err != nil {
		m.logger.Warn("subscription renewal pass failed", "error", err)
	}
}
