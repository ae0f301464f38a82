package subscription

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/Martian-dev/mail-sync-engine/internal/mailsync"
	"github.com/Martian-dev/mail-sync-engine/internal/model"
	"github.com/Martian-dev/mail-sync-engine/internal/store"
)

// plainProvider has no push capability
type plainProvider struct{}

func (plainProvider) FetchBatch(context.Context, mailsync.BatchRequest) (*mailsync.Batch, error) {
	return &mailsync.Batch{}, nil
}
func (plainProvider) FetchByID(context.Context, string) (*model.Message, error) { return nil, nil }
func (plainProvider) Send(context.Context, mailsync.Envelope) (bool, error)     { return false, nil }
func (plainProvider) SaveDraft(context.Context, mailsync.Envelope) (string, error) {
	return "", nil
}
func (plainProvider) AccountInfo(context.Context) (*mailsync.AccountInfo, error) {
	return &mailsync.AccountInfo{}, nil
}
func (plainProvider) ListFolders(context.Context) ([]mailsync.Folder, error) { return nil, nil }

// watchProvider records subscription calls
type watchProvider struct {
	plainProvider

	created      []mailsync.SubscribeRequest
	renewed      []string
	unsubscribed []string
	renewErr     error
	seq          int
}

func (w *watchProvider) Subscribe(_ context.Context, req mailsync.SubscribeRequest) (*model.Subscription, error) {
	w.seq++
	w.created = append(w.created, req)
	return &model.Subscription{
		ID:          fmt.Sprintf("sub-new-%d", w.seq),
		Resource:    "me/mailFolders('inbox')/messages",
		CallbackURL: req.CallbackURL,
		Status:      model.SubscriptionActive,
		ExpiresAt:   req.ExpiresAt,
	}, nil
}

func (w *watchProvider) Renew(_ context.Context, id string, expiresAt time.Time) (time.Time, error) {
	if w.renewErr != nil {
		return time.Time{}, w.renewErr
	}
	w.renewed = append(w.renewed, id)
	return expiresAt, nil
}

func (w *watchProvider) Unsubscribe(_ context.Context, id string) error {
	w.unsubscribed = append(w.unsubscribed, id)
	return mailsync.ErrSubscriptionNotFound
}

func (w *watchProvider) MaxSubscriptionLifetime() time.Duration { return 4230 * time.Minute }

type fakeSyncer struct {
	triggered []string
}

func (f *fakeSyncer) QuickSync(_ context.Context, accountID string) (bool, error) {
	f.triggered = append(f.triggered, accountID)
	return true, nil
}

type harness struct {
	ctx     context.Context
	store   *store.Store
	watch   *watchProvider
	syncer  *fakeSyncer
	manager *Manager
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "subs.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	h := &harness{
		ctx:    context.Background(),
		store:  st,
		watch:  &watchProvider{},
		syncer: &fakeSyncer{},
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	factory := func(_ context.Context, acc *model.Account) (mailsync.MailProvider, error) {
		if acc.Provider == model.ProviderPushREST {
			return h.watch, nil
		}
		return plainProvider{}, nil
	}
	h.manager = New(st, factory, h.syncer, Options{
		CallbackURL:  "https://sync.example.com/webhooks/outlook",
		Lifetime:     48 * time.Hour,
		RenewWindow:  24 * time.Hour,
		ServerSecret: "server-secret",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.manager.now = func() time.Time { return h.now }
	return h
}

func (h *harness) account(t *testing.T, id string, provider model.ProviderType) *model.Account {
	t.Helper()
	acc := &model.Account{ID: id, Email: id + "@example.com", Provider: provider}
	if err := h.store.CreateAccount(h.ctx, acc); err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
	return acc
}

func (h *harness) subscription(t *testing.T, accountID, id string, expiresIn time.Duration) {
	t.Helper()
	err := h.store.SaveSubscription(h.ctx, &model.Subscription{
		ID:        id,
		AccountID: accountID,
		Provider:  model.ProviderPushREST,
		ExpiresAt: h.now.Add(expiresIn),
		Status:    model.SubscriptionActive,
	})
	if err != nil {
		t.Fatalf("failed to save subscription: %v", err)
	}
}

func TestRenewDueRenewsInsideWindow(t *testing.T) {
	h := newHarness(t)
	h.account(t, "soon", model.ProviderPushREST)
	h.account(t, "later", model.ProviderPushREST)
	h.subscription(t, "soon", "sub-soon", 2*time.Hour)
	h.subscription(t, "later", "sub-later", 72*time.Hour)

	report, err := h.manager.RenewDue(h.ctx, false)
	if err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if report.Renewed != 1 || report.Recreated != 0 || report.Failed != 0 || report.Created != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(h.watch.renewed) != 1 || h.watch.renewed[0] != "sub-soon" {
		t.Fatalf("expected only sub-soon renewed, got %v", h.watch.renewed)
	}

	sub, err := h.store.GetSubscription(h.ctx, "sub-soon")
	if err != nil {
		t.Fatalf("failed to load subscription: %v", err)
	}
	if want := h.now.Add(48 * time.Hour); !sub.ExpiresAt.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, sub.ExpiresAt)
	}

	forced, err := h.manager.RenewDue(h.ctx, true)
	if err != nil {
		t.Fatalf("forced renew failed: %v", err)
	}
	if forced.Renewed != 2 {
		t.Fatalf("expected both renewed when forced, got %+v", forced)
	}
}

func TestRenewRecreatesWhenNotFound(t *testing.T) {
	h := newHarness(t)
	h.account(t, "acc-1", model.ProviderPushREST)
	h.subscription(t, "acc-1", "sub-old", time.Hour)
	h.watch.renewErr = fmt.Errorf("renew: %w", mailsync.ErrSubscriptionNotFound)

	report, err := h.manager.RenewDue(h.ctx, false)
	if err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if report.Recreated != 1 || report.Renewed != 0 {
		t.Fatalf("unexpected report %+v", report)
	}

	sub, err := h.store.GetSubscriptionByAccount(h.ctx, "acc-1")
	if err != nil {
		t.Fatalf("expected a new subscription row: %v", err)
	}
	if sub.ID != "sub-new-1" {
		t.Fatalf("expected recreated subscription, got %s", sub.ID)
	}
	if _, err := h.store.GetSubscription(h.ctx, "sub-old"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected old row gone, got %v", err)
	}
	req := h.watch.created[0]
	if req.Secret != h.manager.Secret("acc-1") || req.CallbackURL != "https://sync.example.com/webhooks/outlook" {
		t.Fatalf("unexpected subscribe request %+v", req)
	}
}

func TestRenewDueCreatesMissingPushSubscriptions(t *testing.T) {
	h := newHarness(t)
	h.account(t, "push", model.ProviderPushREST)
	h.account(t, "poll", model.ProviderPollREST)

	report, err := h.manager.RenewDue(h.ctx, false)
	if err != nil {
		t.Fatalf("renew failed: %v", err)
	}
	if report.Created != 1 {
		t.Fatalf("expected one subscription created, got %+v", report)
	}

	statuses, err := h.manager.List(h.ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	got := map[string]model.SubscriptionStatus{}
	for _, s := range statuses {
		got[s.AccountID] = s.Status
	}
	if got["push"] != model.SubscriptionActive || got["poll"] != StatusUnsupported {
		t.Fatalf("unexpected statuses %v", got)
	}
}

func TestHandleNotificationRejectsBadSecret(t *testing.T) {
	h := newHarness(t)
	h.account(t, "acc-1", model.ProviderPushREST)
	h.subscription(t, "acc-1", "sub-1", 48*time.Hour)

	err := h.manager.HandleNotification(h.ctx, Notification{SubscriptionID: "sub-1", ClientState: "forged"})
	if !errors.Is(err, ErrInvalidSecret) {
		t.Fatalf("expected invalid secret, got %v", err)
	}
	err = h.manager.HandleNotification(h.ctx, Notification{SubscriptionID: "unknown", ClientState: h.manager.Secret("acc-1")})
	if !errors.Is(err, ErrUnknownSubscription) {
		t.Fatalf("expected unknown subscription, got %v", err)
	}
	if len(h.syncer.triggered) != 0 {
		t.Fatalf("expected no sync, got %v", h.syncer.triggered)
	}

	err = h.manager.HandleNotification(h.ctx, Notification{SubscriptionID: "sub-1", ClientState: h.manager.Secret("acc-1")})
	if err != nil {
		t.Fatalf("valid notification failed: %v", err)
	}
	if len(h.syncer.triggered) != 1 || h.syncer.triggered[0] != "acc-1" {
		t.Fatalf("expected quick sync for acc-1, got %v", h.syncer.triggered)
	}
}

func TestDeleteIgnoresProviderNotFound(t *testing.T) {
	h := newHarness(t)
	h.account(t, "acc-1", model.ProviderPushREST)
	h.subscription(t, "acc-1", "sub-1", 48*time.Hour)

	deleted, err := h.manager.Delete(h.ctx, "acc-1")
	if err != nil || !deleted {
		t.Fatalf("expected delete to succeed, got %v %v", deleted, err)
	}
	if len(h.watch.unsubscribed) != 1 {
		t.Fatalf("expected provider unsubscribe, got %v", h.watch.unsubscribed)
	}
	if _, err := h.store.GetSubscriptionByAccount(h.ctx, "acc-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected row removed, got %v", err)
	}

	deleted, err = h.manager.Delete(h.ctx, "acc-1")
	if err != nil || deleted {
		t.Fatalf("expected no-op delete, got %v %v", deleted, err)
	}
}

func TestCleanupDropsInactiveAccounts(t *testing.T) {
	h := newHarness(t)
	h.account(t, "gone", model.ProviderPushREST)
	h.account(t, "live", model.ProviderPushREST)
	h.subscription(t, "gone", "sub-gone", 48*time.Hour)
	h.subscription(t, "live", "sub-live", 48*time.Hour)
	if err := h.store.DeactivateAccount(h.ctx, "gone", "token revoked"); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}

	removed, err := h.manager.Cleanup(h.ctx)
	if err != nil || removed != 1 {
		t.Fatalf("expected one removal, got %d %v", removed, err)
	}
	if _, err := h.store.GetSubscription(h.ctx, "sub-live"); err != nil {
		t.Fatalf("expected live subscription kept: %v", err)
	}
}
