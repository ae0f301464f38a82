package subscription

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Martian-dev/mail-sync-engine/internal/mailsync"
	"github.com/Martian-dev/mail-sync-engine/internal/model"
	"github.com/Martian-dev/mail-sync-engine/internal/store"
)

// StatusUnsupported marks accounts whose provider has no push delivery
const StatusUnsupported model.SubscriptionStatus = "unsupported"

var (
	ErrUnsupported         = errors.New("provider does not support push subscriptions")
	ErrNoCallbackURL       = errors.New("no public callback URL configured")
	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrInvalidSecret       = errors.New("invalid subscription secret")
)

// Error is a failed subscription operation for one account
type Error struct {
	AccountID string
	Op        string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("subscription %s (account %s): %v", e.Op, e.AccountID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Store is the persistence the manager needs
type Store interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context, provider model.ProviderType, activeOnly bool) ([]model.Account, error)
	SaveSubscription(ctx context.Context, sub *model.Subscription) error
	GetSubscription(ctx context.Context, id string) (*model.Subscription, error)
	GetSubscriptionByAccount(ctx context.Context, accountID string) (*model.Subscription, error)
	ListSubscriptions(ctx context.Context) ([]model.Subscription, error)
	RenewSubscription(ctx context.Context, id string, expiresAt time.Time) error
	DeleteSubscription(ctx context.Context, accountID string) error
}

// QuickSyncer is triggered by valid notifications
type QuickSyncer interface {
	QuickSync(ctx context.Context, accountID string) (bool, error)
}

// Options configure lifetimes and the callback endpoint
type Options struct {
	CallbackURL  string
	Lifetime     time.Duration
	RenewWindow  time.Duration
	ServerSecret string
}

// Status is one account's subscription as reported to operators
type Status struct {
	AccountID      string                   `json:"account_id"`
	Email          string                   `json:"email"`
	Provider       string                   `json:"provider"`
	SubscriptionID string                   `json:"subscription_id,omitempty"`
	Status         model.SubscriptionStatus `json:"status"`
	ExpiresAt      *time.Time               `json:"expires_at,omitempty"`
}

// RenewReport summarizes a renewal pass
type RenewReport struct {
	Checked   int `json:"checked"`
	Renewed   int `json:"renewed"`
	Recreated int `json:"recreated"`
	Created   int `json:"created"`
	Failed    int `json:"failed"`
}

// Notification is one entry of a provider change notification
type Notification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	Resource       string `json:"resource"`
	ChangeType     string `json:"changeType"`
}

// Manager owns push subscriptions: creation, renewal before expiry,
// deletion and callback authentication
type Manager struct {
	store   Store
	factory mailsync.ProviderFactory
	syncer  QuickSyncer
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

func New(st Store, factory mailsync.ProviderFactory, syncer QuickSyncer, opts Options, logger *slog.Logger) *Manager {
	if opts.Lifetime <= 0 {
		opts.Lifetime = 4230 * time.Minute
	}
	if opts.RenewWindow <= 0 {
		opts.RenewWindow = 24 * time.Hour
	}
	return &Manager{
		store:   st,
		factory: factory,
		syncer:  syncer,
		opts:    opts,
		logger:  logger.With("component", "subscriptions"),
		now:     time.Now,
	}
}

// Secret derives the per-account callback secret
func (m *Manager) Secret(accountID string) string {
	mac := hmac.New(sha256.New, []byte(m.opts.ServerSecret))
	mac.Write([]byte("subscription:" + accountID))
	return hex.EncodeToString(mac.Sum(nil))
}

// ValidateCallback checks a received secret in constant time
func (m *Manager) ValidateCallback(accountID, received string) bool {
	return hmac.Equal([]byte(m.Secret(accountID)), []byte(received))
}

func (m *Manager) watcher(ctx context.Context, acc *model.Account) (mailsync.Watcher, error) {
	p, err := m.factory(ctx, acc)
	if err != nil {
		return nil, err
	}
	w, ok := p.(mailsync.Watcher)
	if !ok {
		return nil, ErrUnsupported
	}
	return w, nil
}

func (m *Manager) expiry(w mailsync.Watcher) time.Time {
	return m.now().Add(min(m.opts.Lifetime, w.MaxSubscriptionLifetime()))
}

// Create subscribes the account and stores the row, replacing an older one
func (m *Manager) Create(ctx context.Context, accountID string) (string, error) {
	acc, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return "", err
	}
	if !acc.IsActive {
		return "", &Error{AccountID: accountID, Op: "create", Err: mailsync.ErrAccountInactive}
	}
	if m.opts.CallbackURL == "" {
		return "", &Error{AccountID: accountID, Op: "create", Err: ErrNoCallbackURL}
	}
	w, err := m.watcher(ctx, acc)
	if err != nil {
		return "", &Error{AccountID: accountID, Op: "create", Err: err}
	}
	return m.create(ctx, acc, w)
}

func (m *Manager) create(ctx context.Context, acc *model.Account, w mailsync.Watcher) (string, error) {
	if old, err := m.store.GetSubscriptionByAccount(ctx, acc.ID); err == nil {
		if err := w.Unsubscribe(ctx, old.ID); err != nil && !errors.Is(err, mailsync.ErrSubscriptionNotFound) {
			m.logger.Warn("failed to drop previous subscription", "account_id", acc.ID, "subscription_id", old.ID, "error", err)
		}
	}

	sub, err := w.Subscribe(ctx, mailsync.SubscribeRequest{
		CallbackURL: m.opts.CallbackURL,
		Secret:      m.Secret(acc.ID),
		ExpiresAt:   m.expiry(w),
	})
	if err != nil {
		return "", &Error{AccountID: acc.ID, Op: "create", Err: err}
	}
	sub.AccountID = acc.ID
	sub.Provider = acc.Provider
	if sub.Status == "" {
		sub.Status = model.SubscriptionActive
	}
	if err := m.store.SaveSubscription(ctx, sub); err != nil {
		return "", &Error{AccountID: acc.ID, Op: "create", Err: err}
	}

	m.logger.Info("subscription created", "account_id", acc.ID, "subscription_id", sub.ID, "expires_at", sub.ExpiresAt)
	return sub.ID, nil
}

type renewOutcome int

const (
	renewed renewOutcome = iota
	recreated
)

// Renew extends the account's subscription now, regardless of the window
func (m *Manager) Renew(ctx context.Context, accountID string) (bool, error) {
	sub, err := m.store.GetSubscriptionByAccount(ctx, accountID)
	if err != nil {
		return false, &Error{AccountID: accountID, Op: "renew", Err: err}
	}
	acc, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return false, err
	}
	if _, err := m.renew(ctx, acc, sub); err != nil {
		return false, err
	}
	return true, nil
}

// renew extends one subscription. A subscription the provider no longer
// knows, or any other renewal failure, is replaced by a new one.
func (m *Manager) renew(ctx context.Context, acc *model.Account, sub *model.Subscription) (renewOutcome, error) {
	log := m.logger.With("account_id", acc.ID, "subscription_id", sub.ID)

	w, err := m.watcher(ctx, acc)
	if err != nil {
		return renewed, &Error{AccountID: acc.ID, Op: "renew", Err: err}
	}

	expiresAt, err := w.Renew(ctx, sub.ID, m.expiry(w))
	if err == nil {
		if err := m.store.RenewSubscription(ctx, sub.ID, expiresAt); err != nil {
			return renewed, &Error{AccountID: acc.ID, Op: "renew", Err: err}
		}
		log.Info("subscription renewed", "expires_at", expiresAt)
		return renewed, nil
	}

	if errors.Is(err, mailsync.ErrSubscriptionNotFound) {
		log.Warn("subscription gone at provider, recreating")
		if err := m.store.DeleteSubscription(ctx, acc.ID); err != nil {
			return recreated, &Error{AccountID: acc.ID, Op: "renew", Err: err}
		}
	} else {
		log.Error("subscription renewal failed, recreating", "error", &Error{AccountID: acc.ID, Op: "renew", Err: err})
	}

	if _, err := m.create(ctx, acc, w); err != nil {
		return recreated, err
	}
	return recreated, nil
}

// RenewDue renews every subscription inside the renewal window, or all of
// them when force is set, and creates missing ones for push accounts
func (m *Manager) RenewDue(ctx context.Context, force bool) (RenewReport, error) {
	var report RenewReport
	subs, err := m.store.ListSubscriptions(ctx)
	if err != nil {
		return report, err
	}

	now := m.now()
	covered := make(map[string]bool, len(subs))
	for i := range subs {
		sub := &subs[i]
		covered[sub.AccountID] = true
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		state := sub.StatusAt(now, m.opts.RenewWindow)
		if state == model.SubscriptionDeleted {
			continue
		}
		if !force && state != model.SubscriptionExpiringSoon && state != model.SubscriptionExpired {
			continue
		}
		acc, err := m.store.GetAccount(ctx, sub.AccountID)
		if err != nil || !acc.IsActive {
			continue
		}

		report.Checked++
		outcome, err := m.renew(ctx, acc, sub)
		switch {
		case err != nil:
			report.Failed++
			m.logger.Error("subscription renewal failed", "account_id", acc.ID, "error", err)
		case outcome == recreated:
			report.Recreated++
		default:
			report.Renewed++
		}
	}

	if m.opts.CallbackURL != "" {
		accounts, err := m.store.ListAccounts(ctx, "", true)
		if err != nil {
			return report, err
		}
		for i := range accounts {
			acc := &accounts[i]
			if covered[acc.ID] {
				continue
			}
			w, err := m.watcher(ctx, acc)
			if err != nil {
				continue
			}
			if _, err := m.create(ctx, acc, w); err != nil {
				report.Failed++
				m.logger.Error("subscription create failed", "account_id", acc.ID, "error", err)
				continue
			}
			report.Created++
		}
	}

	if report.Checked > 0 || report.Created > 0 {
		m.logger.Info("subscription renewal pass", "checked", report.Checked, "renewed", report.Renewed,
			"recreated", report.Recreated, "created", report.Created, "failed", report.Failed)
	}
	return report, nil
}

// Delete unsubscribes at the provider and removes the row. A subscription
// the provider already forgot is not an error.
func (m *Manager) Delete(ctx context.Context, accountID string) (bool, error) {
	sub, err := m.store.GetSubscriptionByAccount(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if acc, err := m.store.GetAccount(ctx, accountID); err == nil {
		if w, err := m.watcher(ctx, acc); err == nil {
			err := w.Unsubscribe(ctx, sub.ID)
			if err != nil && !errors.Is(err, mailsync.ErrSubscriptionNotFound) {
				m.logger.Warn("provider unsubscribe failed, removing row anyway", "account_id", accountID,
					"subscription_id", sub.ID, "error", err)
			}
		}
	}

	if err := m.store.DeleteSubscription(ctx, accountID); err != nil {
		return false, err
	}
	m.logger.Info("subscription deleted", "account_id", accountID, "subscription_id", sub.ID)
	return true, nil
}

// List reports every account with its subscription state
func (m *Manager) List(ctx context.Context) ([]Status, error) {
	accounts, err := m.store.ListAccounts(ctx, "", false)
	if err != nil {
		return nil, err
	}
	subs, err := m.store.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	byAccount := make(map[string]*model.Subscription, len(subs))
	for i := range subs {
		byAccount[subs[i].AccountID] = &subs[i]
	}

	now := m.now()
	out := make([]Status, 0, len(accounts))
	for i := range accounts {
		acc := &accounts[i]
		st := Status{AccountID: acc.ID, Email: acc.Email, Provider: acc.Provider.Name(), Status: model.SubscriptionNone}
		if sub, ok := byAccount[acc.ID]; ok {
			expires := sub.ExpiresAt
			st.SubscriptionID = sub.ID
			st.Status = sub.StatusAt(now, m.opts.RenewWindow)
			st.ExpiresAt = &expires
		} else if _, err := m.watcher(ctx, acc); errors.Is(err, ErrUnsupported) {
			st.Status = StatusUnsupported
		}
		out = append(out, st)
	}
	return out, nil
}

// Cleanup deletes subscriptions of inactive or removed accounts and rows
// that already expired
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	subs, err := m.store.ListSubscriptions(ctx)
	if err != nil {
		return 0, err
	}

	now := m.now()
	removed := 0
	for _, sub := range subs {
		acc, err := m.store.GetAccount(ctx, sub.AccountID)
		stale := errors.Is(err, store.ErrNotFound) || (err == nil && !acc.IsActive) ||
			sub.StatusAt(now, m.opts.RenewWindow) == model.SubscriptionExpired
		if !stale {
			continue
		}
		if _, err := m.Delete(ctx, sub.AccountID); err != nil {
			m.logger.Warn("cleanup failed", "account_id", sub.AccountID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		m.logger.Info("subscriptions cleaned up", "removed", removed)
	}
	return removed, nil
}

// HandleNotification authenticates a change notification and triggers a
// quick sync for its account
func (m *Manager) HandleNotification(ctx context.Context, n Notification) error {
	accountID, err := m.Authenticate(ctx, n)
	if err != nil {
		return err
	}
	return m.trigger(ctx, accountID, "notification")
}

// Authenticate resolves a notification to its account and checks its
// client state. It returns ErrUnknownSubscription or ErrInvalidSecret for
// notifications that must be rejected.
func (m *Manager) Authenticate(ctx context.Context, n Notification) (string, error) {
	sub, err := m.store.GetSubscription(ctx, n.SubscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		m.logger.Warn("notification for unknown subscription dropped", "subscription_id", n.SubscriptionID)
		return "", ErrUnknownSubscription
	}
	if err != nil {
		return "", err
	}
	if !m.ValidateCallback(sub.AccountID, n.ClientState) {
		m.logger.Warn("notification with invalid secret dropped", "account_id", sub.AccountID, "subscription_id", sub.ID)
		return "", ErrInvalidSecret
	}
	return sub.AccountID, nil
}

// HandlePush authenticates a generic push for an account and triggers a
// quick sync
func (m *Manager) HandlePush(ctx context.Context, accountID, secret string) error {
	if !m.ValidateCallback(accountID, secret) {
		m.logger.Warn("push with invalid secret dropped", "account_id", accountID)
		return ErrInvalidSecret
	}
	return m.trigger(ctx, accountID, "push")
}

func (m *Manager) trigger(ctx context.Context, accountID, source string) error {
	started, err := m.syncer.QuickSync(ctx, accountID)
	if err != nil {
		return fmt.Errorf("quick sync from %s: %w", source, err)
	}
	m.logger.Debug("push handled", "account_id", accountID, "source", source, "sync_started", started)
	return nil
}

// CallbackURL joins the public base URL and the notification path
func CallbackURL(base, path string) string {
	if base == "" {
		return ""
	}
	return strings.TrimRight(base, "/") + path
}
