package mailsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/mail-sync-engine/internal/auth"
	"github.com/Martian-dev/mail-sync-engine/internal/dedup"
	"github.com/Martian-dev/mail-sync-engine/internal/jobs"
	"github.com/Martian-dev/mail-sync-engine/internal/model"
	"github.com/Martian-dev/mail-sync-engine/internal/store"
	"github.com/Martian-dev/mail-sync-engine/internal/tracker"
)

const refreshBuffer = 5 * time.Minute

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMailbox serves n messages newest first with an offset cursor
type fakeMailbox struct {
	t     *testing.T
	store *store.Store

	mu          sync.Mutex
	ids         []string
	requested   []int
	calls       int
	lastHasMore bool
	broken      map[string]bool
	// listing calls (1-based) that fail once with a transient error
	failOnce map[int]bool
	listings int
}

func newMailbox(t *testing.T, n int) *fakeMailbox {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("msg-%03d", i)
	}
	return &fakeMailbox{t: t, ids: ids, broken: map[string]bool{}, failOnce: map[int]bool{}}
}

func (f *fakeMailbox) listFailure() error {
	f.listings++
	if f.failOnce[f.listings] {
		delete(f.failOnce, f.listings)
		return &TransientError{Provider: model.ProviderPushREST, Op: "list", StatusCode: 503, Err: errors.New("unavailable")}
	}
	return nil
}

// checkFresh fails the test when a provider call is made while the
// account's stored token is inside the refresh buffer
func (f *fakeMailbox) checkFresh(ctx context.Context, op string) {
	f.calls++
	acc, err := f.store.GetAccount(ctx, "acc-1")
	if err != nil {
		f.t.Errorf("%s: load account: %v", op, err)
		return
	}
	if acc.TokenExpiry == nil || time.Until(*acc.TokenExpiry) < refreshBuffer {
		f.t.Errorf("%s called with a token expiring at %v", op, acc.TokenExpiry)
	}
}

func (f *fakeMailbox) page(req BatchRequest) ([]string, string, bool) {
	offset := 0
	if req.Cursor != "" {
		offset, _ = strconv.Atoi(req.Cursor)
	}
	end := min(offset+req.Limit, len(f.ids))
	if offset > end {
		offset = end
	}
	f.requested = append(f.requested, req.Limit)
	f.lastHasMore = end < len(f.ids)
	return f.ids[offset:end], strconv.Itoa(end), f.lastHasMore
}

func (f *fakeMailbox) message(id string) *model.Message {
	return &model.Message{
		ProviderMessageID: id,
		Subject:           "subject " + id,
		Sender:            "sender@example.com",
		BodyText:          "body",
		ReceivedAt:        time.Now(),
	}
}

func (f *fakeMailbox) FetchBatch(ctx context.Context, req BatchRequest) (*Batch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkFresh(ctx, "FetchBatch")
	if err := f.listFailure(); err != nil {
		return nil, err
	}

	ids, next, more := f.page(req)
	batch := &Batch{NextCursor: next, HasMore: more, Fetched: len(ids)}
	for _, id := range ids {
		batch.Messages = append(batch.Messages, f.message(id))
	}
	return batch, nil
}

func (f *fakeMailbox) FetchByID(ctx context.Context, id string) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkFresh(ctx, "FetchByID")

	if f.broken[id] {
		return nil, &ExtractionError{MessageID: id, Err: errors.New("mime nesting too deep")}
	}
	return f.message(id), nil
}

func (f *fakeMailbox) AccountInfo(context.Context) (*AccountInfo, error) {
	return &AccountInfo{Email: "user@example.com", TotalMessages: len(f.ids)}, nil
}

func (f *fakeMailbox) Send(context.Context, Envelope) (bool, error)        { return false, ErrNotSupported }
func (f *fakeMailbox) SaveDraft(context.Context, Envelope) (string, error) { return "", ErrNotSupported }
func (f *fakeMailbox) ListFolders(context.Context) ([]Folder, error)       { return nil, nil }

// listingMailbox adds the ids-only capability, selecting the fan-out path
type listingMailbox struct {
	*fakeMailbox
}

func (l listingMailbox) FetchIDs(ctx context.Context, req BatchRequest) (*IDBatch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkFresh(ctx, "FetchIDs")
	if err := l.listFailure(); err != nil {
		return nil, err
	}

	ids, next, more := l.page(req)
	return &IDBatch{IDs: append([]string(nil), ids...), NextCursor: next, HasMore: more}, nil
}

type fakeOAuth struct {
	refreshes int
	err       error
}

func (f *fakeOAuth) AuthCodeURL(state string) string { return "https://login.example.com?state=" + state }

func (f *fakeOAuth) Exchange(context.Context, string) (*oauth2.Token, error) {
	return nil, errors.New("not used")
}

func (f *fakeOAuth) Refresh(context.Context, string) (*oauth2.Token, error) {
	f.refreshes++
	if f.err != nil {
		return nil, f.err
	}
	return &oauth2.Token{AccessToken: fmt.Sprintf("access-%d", f.refreshes), Expiry: time.Now().Add(time.Hour)}, nil
}

type testQueue struct {
	mu   sync.Mutex
	jobs []*jobs.Job
	all  []*jobs.Job
}

func (q *testQueue) Enqueue(_ context.Context, job *jobs.Job, _ time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	q.all = append(q.all, job)
	return nil
}

func (q *testQueue) pop() *jobs.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return nil
	}
	j := q.jobs[0]
	q.jobs = q.jobs[1:]
	return j
}

func (q *testQueue) continuations() int {
	n := 0
	for _, j := range q.all {
		if j.Kind == jobs.KindSyncAccount && j.Cursor != "" {
			n++
		}
	}
	return n
}

type fakeSubs struct {
	deleted []string
}

func (f *fakeSubs) Delete(_ context.Context, accountID string) (bool, error) {
	f.deleted = append(f.deleted, accountID)
	return true, nil
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	store   *store.Store
	tracker *tracker.Tracker
	queue   *testQueue
	pool    *jobs.Pool
	orch    *Orchestrator
	oauth   *fakeOAuth
	subs    *fakeSubs
}

func newHarness(t *testing.T, provider MailProvider, opts Options) *harness {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open store failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	// token inside the refresh buffer: every unit must refresh before calling out
	expiry := time.Now().Add(time.Minute)
	acc := &model.Account{
		ID: "acc-1", Email: "user@example.com", Provider: model.ProviderPushREST,
		AccessToken: "stale", RefreshToken: "refresh", TokenExpiry: &expiry,
	}
	if err := s.CreateAccount(ctx, acc); err != nil {
		t.Fatalf("create account failed: %v", err)
	}

	switch p := provider.(type) {
	case *fakeMailbox:
		p.store = s
	case listingMailbox:
		p.store = s
	}

	logger := discard()
	oauth := &fakeOAuth{}
	creds := auth.NewManager(s, auth.NewMemorySecretStore(), refreshBuffer, logger)
	creds.RegisterClient(model.ProviderPushREST, oauth)

	tr := tracker.New(s, logger)
	q := &testQueue{}
	orch := NewOrchestrator(Deps{
		Store:       s,
		Credentials: creds,
		Factory:     func(context.Context, *model.Account) (MailProvider, error) { return provider, nil },
		Guard:       dedup.NewGuard(dedup.NewMemoryLocker(), s, dedup.Options{}, logger),
		Tracker:     tr,
		Queue:       q,
	}, opts, logger)
	subs := &fakeSubs{}
	orch.SetSubscriptions(subs)

	pool := jobs.NewPool(q, jobs.PoolConfig{MaxAttempts: 3}, logger)
	orch.Register(pool, nil)

	return &harness{t: t, ctx: ctx, store: s, tracker: tr, queue: q, pool: pool, orch: orch, oauth: oauth, subs: subs}
}

// drain runs queued units one at a time, ignoring delays
func (h *harness) drain() {
	h.t.Helper()
	for i := 0; i < 10000; i++ {
		job := h.queue.pop()
		if job == nil {
			return
		}
		if err := h.pool.Handle(h.ctx, job); err != nil {
			h.t.Fatalf("handle %s failed: %v", job.Kind, err)
		}
	}
	h.t.Fatalf("queue never drained")
}

func (h *harness) count() int {
	h.t.Helper()
	n, err := h.store.CountMessages(h.ctx, "acc-1")
	if err != nil {
		h.t.Fatalf("count failed: %v", err)
	}
	return n
}

func (h *harness) state() *model.SyncState {
	h.t.Helper()
	st, err := h.tracker.Get(h.ctx, "acc-1")
	if err != nil {
		h.t.Fatalf("get state failed: %v", err)
	}
	return st
}

func TestSyncTwiceIsIdempotent(t *testing.T) {
	for name, provider := range map[string]func(*fakeMailbox) MailProvider{
		"full":      func(m *fakeMailbox) MailProvider { return m },
		"optimized": func(m *fakeMailbox) MailProvider { return listingMailbox{m} },
	} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, provider(newMailbox(t, 30)), Options{BatchSize: 10, MaxBatchesPerUnit: 2})

			for run := 0; run < 2; run++ {
				if err := h.orch.StartInitialSync(h.ctx, "acc-1", 100); err != nil {
					t.Fatalf("start sync failed: %v", err)
				}
				h.drain()
				if n := h.count(); n != 30 {
					t.Fatalf("run %d: expected 30 messages, got %d", run, n)
				}
				if st := h.state(); st.Status != model.SyncCompleted {
					t.Fatalf("run %d: expected completed, got %+v", run, st)
				}
			}
		})
	}
}

func TestFullSyncExhaustsPages(t *testing.T) {
	box := newMailbox(t, 30)
	h := newHarness(t, box, Options{BatchSize: 10, MaxBatchesPerUnit: 2})

	if err := h.orch.StartInitialSync(h.ctx, "acc-1", 100); err != nil {
		t.Fatalf("start sync failed: %v", err)
	}
	h.drain()

	if n := h.count(); n != 30 {
		t.Fatalf("expected all 30 messages, got %d", n)
	}
	if box.lastHasMore {
		t.Fatalf("expected provider to report no more data at the end")
	}
	if c := h.queue.continuations(); c != 1 {
		t.Fatalf("expected one continuation unit for three pages, got %d", c)
	}
	st := h.state()
	if st.Status != model.SyncCompleted || st.Progress != 30 {
		t.Fatalf("unexpected state %+v", st)
	}
	acc, _ := h.store.GetAccount(h.ctx, "acc-1")
	if acc.Cursor != "30" {
		t.Fatalf("expected cursor persisted, got %q", acc.Cursor)
	}
}

func TestSyncRespectsLimit(t *testing.T) {
	box := newMailbox(t, 25)
	h := newHarness(t, box, Options{BatchSize: 5, MaxBatchesPerUnit: 2})

	if err := h.orch.StartInitialSync(h.ctx, "acc-1", 12); err != nil {
		t.Fatalf("start sync failed: %v", err)
	}
	h.drain()

	if n := h.count(); n != 12 {
		t.Fatalf("expected exactly 12 messages, got %d", n)
	}
	total := 0
	for _, r := range box.requested {
		if r > 5 {
			t.Fatalf("requested %d, above batch size", r)
		}
		total += r
	}
	if total != 12 {
		t.Fatalf("expected 12 messages requested in total, got %v", box.requested)
	}

	// fewer available than the limit
	small := newMailbox(t, 4)
	h2 := newHarness(t, small, Options{BatchSize: 5, MaxBatchesPerUnit: 2})
	h2.orch.StartInitialSync(h2.ctx, "acc-1", 12)
	h2.drain()
	if n := h2.count(); n != 4 {
		t.Fatalf("expected 4 messages, got %d", n)
	}
}

func TestInitialSyncStopsAtLimitScenario(t *testing.T) {
	box := newMailbox(t, 130)
	h := newHarness(t, listingMailbox{box}, Options{BatchSize: 50, InitialLimit: 100, MaxBatchesPerUnit: 2})

	if err := h.orch.StartInitialSync(h.ctx, "acc-1", 0); err != nil {
		t.Fatalf("start sync failed: %v", err)
	}
	h.drain()

	if n := h.count(); n != 100 {
		t.Fatalf("expected 100 persisted, got %d", n)
	}
	if len(box.requested) != 2 || box.requested[0] != 50 || box.requested[1] != 50 {
		t.Fatalf("expected two full batches, got %v", box.requested)
	}
	st := h.state()
	if st.Status != model.SyncCompleted || st.Progress != 100 || st.Total != 100 {
		t.Fatalf("unexpected state %+v", st)
	}
	if st.DoneUnits != 100 || st.PendingUnits != 0 {
		t.Fatalf("unexpected unit counters %+v", st)
	}
}

func TestUnitsRefreshCredentialsBeforeProviderCalls(t *testing.T) {
	box := newMailbox(t, 20)
	h := newHarness(t, listingMailbox{box}, Options{BatchSize: 10, MaxBatchesPerUnit: 1})

	h.queue.Enqueue(h.ctx, jobs.NewSyncJob("acc-1", jobs.ModeInitial, 20), 0)
	h.tracker.Begin(h.ctx, "acc-1", 20)
	h.drain()

	if box.calls == 0 {
		t.Fatalf("expected provider calls")
	}
	if h.oauth.refreshes != 1 {
		t.Fatalf("expected a single refresh shared by all units, got %d", h.oauth.refreshes)
	}
}

func TestExtractionErrorSkipsMessage(t *testing.T) {
	box := newMailbox(t, 10)
	box.broken["msg-003"] = true
	h := newHarness(t, listingMailbox{box}, Options{BatchSize: 10, MaxBatchesPerUnit: 2})

	h.orch.StartInitialSync(h.ctx, "acc-1", 10)
	h.drain()

	if n := h.count(); n != 9 {
		t.Fatalf("expected the other 9 messages stored, got %d", n)
	}
	if st := h.state(); st.Status != model.SyncCompleted {
		t.Fatalf("expected completed, got %+v", st)
	}
	acc, _ := h.store.GetAccount(h.ctx, "acc-1")
	if !acc.IsActive {
		t.Fatalf("a bad message must not deactivate the account")
	}
}

func TestQuickSyncRespectsCooldown(t *testing.T) {
	h := newHarness(t, newMailbox(t, 5), Options{BatchSize: 10, QuickLimit: 10, Cooldown: 30 * time.Second})
	now := time.Now()
	h.orch.now = func() time.Time { return now }

	started, err := h.orch.QuickSync(h.ctx, "acc-1")
	if err != nil || !started {
		t.Fatalf("expected first quick sync to start, got %v (%v)", started, err)
	}
	started, _ = h.orch.QuickSync(h.ctx, "acc-1")
	if started {
		t.Fatalf("expected second quick sync inside cool-down to be skipped")
	}
	if len(h.queue.all) != 1 {
		t.Fatalf("expected exactly one unit enqueued, got %d", len(h.queue.all))
	}

	now = now.Add(31 * time.Second)
	if started, _ = h.orch.QuickSync(h.ctx, "acc-1"); !started {
		t.Fatalf("expected quick sync after cool-down")
	}
}

func TestExhaustedSyncDeactivatesAccount(t *testing.T) {
	h := newHarness(t, newMailbox(t, 1), Options{})
	job := jobs.NewSyncJob("acc-1", jobs.ModeInitial, 10)
	h.tracker.Begin(h.ctx, "acc-1", 10)

	h.orch.HandleExhausted(h.ctx, job, &TransientError{Provider: model.ProviderPushREST, Op: "list", StatusCode: 503, Err: errors.New("unavailable")})
	acc, _ := h.store.GetAccount(h.ctx, "acc-1")
	if !acc.IsActive {
		t.Fatalf("transient exhaustion must leave the account active")
	}
	if st := h.state(); st.Status != model.SyncFailed {
		t.Fatalf("expected failed state, got %s", st.Status)
	}

	cause := &auth.AuthError{AccountID: "acc-1", Provider: model.ProviderPushREST, Op: "refresh", Err: errors.New("invalid_grant")}
	h.orch.HandleExhausted(h.ctx, job, cause)

	acc, _ = h.store.GetAccount(h.ctx, "acc-1")
	if acc.IsActive || acc.DeactivationReason != cause.Error() {
		t.Fatalf("expected deactivated account with reason, got %+v", acc)
	}
	if len(h.subs.deleted) != 1 {
		t.Fatalf("expected subscription removal, got %v", h.subs.deleted)
	}
	st := h.state()
	if st.Status != model.SyncFailed || st.LastError != cause.Error() {
		t.Fatalf("unexpected state %+v", st)
	}

	// further units for the account are no-ops
	if err := h.orch.HandleSyncUnit(h.ctx, job); err != nil {
		t.Fatalf("expected no-op for inactive account, got %v", err)
	}
	if _, err := h.orch.QuickSync(h.ctx, "acc-1"); !errors.Is(err, ErrAccountInactive) {
		t.Fatalf("expected ErrAccountInactive, got %v", err)
	}
}

func TestRetriedUnitDoesNotDoubleCountProgress(t *testing.T) {
	for name, provider := range map[string]func(*fakeMailbox) MailProvider{
		"full":      func(m *fakeMailbox) MailProvider { return m },
		"optimized": func(m *fakeMailbox) MailProvider { return listingMailbox{m} },
	} {
		t.Run(name, func(t *testing.T) {
			box := newMailbox(t, 130)
			box.failOnce[2] = true
			h := newHarness(t, provider(box), Options{BatchSize: 50, InitialLimit: 100, MaxBatchesPerUnit: 2})

			if err := h.orch.StartInitialSync(h.ctx, "acc-1", 0); err != nil {
				t.Fatalf("start sync failed: %v", err)
			}
			h.drain()

			if n := h.count(); n != 100 {
				t.Fatalf("expected 100 persisted, got %d", n)
			}
			st := h.state()
			if st.Status != model.SyncCompleted || st.Progress != 100 || st.Total != 100 {
				t.Fatalf("unexpected state %+v", st)
			}
		})
	}
}

func TestTransientCausesClassify(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	for name, err := range map[string]error{
		"connection refused": fmt.Errorf("graph list messages: %w", refused),
		"bare errno":         fmt.Errorf("read: %w", syscall.ECONNRESET),
		"refresh outage": &auth.RefreshUnavailableError{AccountID: "acc-1", Provider: model.ProviderPushREST,
			StatusCode: http.StatusServiceUnavailable, Err: errors.New("oauth2: cannot fetch token")},
		"deadline": context.DeadlineExceeded,
	} {
		if c := Classify(err); c != ClassTransient {
			t.Errorf("%s: expected transient, got %s", name, c)
		}
	}
	if c := Classify(&auth.AuthError{Op: "refresh", Err: errors.New("invalid_grant")}); c != ClassAuth {
		t.Errorf("expected auth, got %s", c)
	}
}

func TestRefreshOutageLeavesAccountActive(t *testing.T) {
	h := newHarness(t, newMailbox(t, 5), Options{BatchSize: 10})
	h.oauth.err = &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusServiceUnavailable}}

	if err := h.orch.StartInitialSync(h.ctx, "acc-1", 10); err != nil {
		t.Fatalf("start sync failed: %v", err)
	}
	h.drain()

	if h.oauth.refreshes != 3 {
		t.Fatalf("expected a refresh per attempt, got %d", h.oauth.refreshes)
	}
	acc, _ := h.store.GetAccount(h.ctx, "acc-1")
	if !acc.IsActive {
		t.Fatalf("refresh outage must leave the account active, got reason %q", acc.DeactivationReason)
	}
	if len(h.subs.deleted) != 0 {
		t.Fatalf("expected subscription kept, got %v", h.subs.deleted)
	}
	if st := h.state(); st.Status != model.SyncFailed {
		t.Fatalf("expected failed attempt, got %s", st.Status)
	}

	// a rejected grant is an auth failure and does deactivate
	h.oauth.err = &oauth2.RetrieveError{Response: &http.Response{StatusCode: http.StatusBadRequest}, ErrorCode: "invalid_grant"}
	if err := h.orch.StartInitialSync(h.ctx, "acc-1", 10); err != nil {
		t.Fatalf("start sync failed: %v", err)
	}
	h.drain()
	acc, _ = h.store.GetAccount(h.ctx, "acc-1")
	if acc.IsActive {
		t.Fatalf("expected rejected refresh to deactivate the account")
	}
}

func TestExclusiveDefersBusyAccount(t *testing.T) {
	q := &testQueue{}
	m := NewManager(nil, q, SchedulerConfig{RetryDelay: time.Second}, discard())

	release := make(chan struct{})
	entered := make(chan struct{})
	handler := m.Exclusive(func(context.Context, *jobs.Job) error {
		close(entered)
		<-release
		return nil
	})

	first := jobs.NewSyncJob("acc-1", jobs.ModeQuick, 10)
	done := make(chan error)
	go func() { done <- handler(context.Background(), first) }()
	<-entered

	if !m.IsRunning("acc-1") {
		t.Fatalf("expected account to be running")
	}
	second := jobs.NewSyncJob("acc-1", jobs.ModeQuick, 10)
	if err := handler(context.Background(), second); err != nil {
		t.Fatalf("deferral failed: %v", err)
	}
	if len(q.all) != 1 || q.all[0].ID == second.ID {
		t.Fatalf("expected busy unit deferred under a fresh id, got %+v", q.all)
	}

	close(release)
	<-done
	if m.IsRunning("acc-1") || len(m.Running()) != 0 {
		t.Fatalf("expected registry cleared")
	}
}
