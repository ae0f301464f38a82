package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Martian-dev/mail-sync-engine/internal/model"
	"github.com/Martian-dev/mail-sync-engine/internal/store"
)

// Outcome of a claim or ingest attempt
type Outcome int

const (
	Claimed Outcome = iota
	AlreadyExists
	LockContended
)

func (o Outcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case AlreadyExists:
		return "already_exists"
	case LockContended:
		return "lock_contended"
	}
	return "unknown"
}

// MessageStore is the persistence the guard checks and writes through
type MessageStore interface {
	MessageExists(ctx context.Context, accountID, providerMessageID string) (bool, error)
	InsertMessage(ctx context.Context, msg *model.Message) error
	InsertMessagesTx(ctx context.Context, msgs []*model.Message) ([]bool, error)
}

// Options tune lock behavior
type Options struct {
	LockTTL      time.Duration
	AcquireTries int
	AcquirePause time.Duration
}

// Guard prevents a provider message from being stored twice. The lock keeps
// concurrent workers apart; the storage unique key is authoritative.
type Guard struct {
	locker Locker
	store  MessageStore
	opts   Options
	logger *slog.Logger
}

// NewGuard creates a dedup guard
func NewGuard(locker Locker, store MessageStore, opts Options, logger *slog.Logger) *Guard {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 30 * time.Second
	}
	if opts.AcquireTries <= 0 {
		opts.AcquireTries = 3
	}
	if opts.AcquirePause <= 0 {
		opts.AcquirePause = 50 * time.Millisecond
	}
	return &Guard{locker: locker, store: store, opts: opts, logger: logger.With("component", "dedup")}
}

// Claim is a held dedup lock
type Claim struct {
	AccountID         string
	ProviderMessageID string
	release           func()
}

// Release drops the lock; safe to call on a nil claim and more than once
func (c *Claim) Release() {
	if c != nil && c.release != nil {
		c.release()
	}
}

func lockKey(accountID, providerMessageID string) string {
	return "dedup:" + accountID + ":" + providerMessageID
}

// TryClaim locks the key and checks storage. A Claimed result carries a
// Claim the caller must Release after persisting.
func (g *Guard) TryClaim(ctx context.Context, accountID, providerMessageID string) (*Claim, Outcome, error) {
	release, err := g.acquire(ctx, lockKey(accountID, providerMessageID))
	if errors.Is(err, ErrNotHeld) {
		return nil, LockContended, nil
	}
	if err != nil {
		return nil, LockContended, err
	}

	exists, err := g.store.MessageExists(ctx, accountID, providerMessageID)
	if err != nil {
		release()
		return nil, LockContended, fmt.Errorf("check existing message: %w", err)
	}
	if exists {
		release()
		return nil, AlreadyExists, nil
	}
	return &Claim{AccountID: accountID, ProviderMessageID: providerMessageID, release: release}, Claimed, nil
}

func (g *Guard) acquire(ctx context.Context, key string) (func(), error) {
	var lastErr error
	for i := 0; i < g.opts.AcquireTries; i++ {
		release, err := g.locker.Acquire(ctx, key, g.opts.LockTTL)
		if err == nil {
			return release, nil
		}
		lastErr = err
		if !errors.Is(err, ErrNotHeld) {
			return nil, err
		}
		if i == g.opts.AcquireTries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(g.opts.AcquirePause):
		}
	}
	return nil, lastErr
}

// Ingest claims and stores one message. Returns Claimed when this call
// stored it.
func (g *Guard) Ingest(ctx context.Context, msg *model.Message) (Outcome, error) {
	claim, outcome, err := g.TryClaim(ctx, msg.AccountID, msg.ProviderMessageID)
	if err != nil || outcome != Claimed {
		return outcome, err
	}
	defer claim.Release()

	err = g.store.InsertMessage(ctx, msg)
	if errors.Is(err, store.ErrAlreadyExists) {
		// raced past the lock (expired TTL or another store writer)
		return AlreadyExists, nil
	}
	if err != nil {
		return LockContended, err
	}
	return Claimed, nil
}

// IngestBatch claims every message, stores the claimed ones in a single
// transaction in the given order, then releases all locks
func (g *Guard) IngestBatch(ctx context.Context, msgs []*model.Message) ([]Outcome, error) {
	outcomes := make([]Outcome, len(msgs))
	claims := make([]*Claim, 0, len(msgs))
	defer func() {
		for _, c := range claims {
			c.Release()
		}
	}()

	var (
		toInsert []*model.Message
		index    []int
	)
	for i, msg := range msgs {
		claim, outcome, err := g.TryClaim(ctx, msg.AccountID, msg.ProviderMessageID)
		if err != nil {
			return nil, err
		}
		outcomes[i] = outcome
		if outcome == Claimed {
			claims = append(claims, claim)
			toInsert = append(toInsert, msg)
			index = append(index, i)
		}
	}
	if len(toInsert) == 0 {
		return outcomes, nil
	}

	inserted, err := g.store.InsertMessagesTx(ctx, toInsert)
	if err != nil {
		return nil, err
	}
	for j, ok := range inserted {
		if !ok {
			outcomes[index[j]] = AlreadyExists
		}
	}
	return outcomes, nil
}
