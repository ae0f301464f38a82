package extract

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrPoisoned short-circuits a message id that previously broke extraction
var ErrPoisoned = errors.New("message previously failed extraction")

// PoisonStore persists poisoned ids across restarts
type PoisonStore interface {
	MarkPoisoned(ctx context.Context, accountID, providerMessageID, reason string) error
	PoisonedIDs(ctx context.Context) ([][2]string, error)
}

// PoisonList is a permanent per-message circuit breaker. Once marked, a
// message id is never extracted again.
type PoisonList struct {
	mu     sync.RWMutex
	ids    map[[2]string]struct{}
	store  PoisonStore
	logger *slog.Logger
}

// NewPoisonList creates a list; store may be nil for memory-only use
func NewPoisonList(store PoisonStore, logger *slog.Logger) *PoisonList {
	return &PoisonList{
		ids:    make(map[[2]string]struct{}),
		store:  store,
		logger: logger,
	}
}

// Load reads previously persisted ids
func (p *PoisonList) Load(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	keys, err := p.store.PoisonedIDs(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range keys {
		p.ids[k] = struct{}{}
	}
	return nil
}

// IsPoisoned reports whether the message must be skipped
func (p *PoisonList) IsPoisoned(accountID, messageID string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.ids[[2]string{accountID, messageID}]
	return ok
}

// Mark poisons a message id
func (p *PoisonList) Mark(ctx context.Context, accountID, messageID string, cause error) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.ids[[2]string{accountID, messageID}] = struct{}{}
	p.mu.Unlock()

	p.logger.Warn("message poisoned", "account_id", accountID, "message_id", messageID, "error", cause)
	if p.store != nil {
		if err := p.store.MarkPoisoned(ctx, accountID, messageID, cause.Error()); err != nil {
			p.logger.Error("persist poisoned message", "message_id", messageID, "error", err)
		}
	}
}
