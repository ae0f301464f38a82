package outlook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"

	"github.com/Martian-dev/mail-sync-engine/internal/auth"
	"github.com/Martian-dev/mail-sync-engine/internal/mailsync"
	"github.com/Martian-dev/mail-sync-engine/internal/providers/extract"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeTokens struct {
	forced int
}

func (f *fakeTokens) Fresh(context.Context) (*auth.Token, error) {
	return &auth.Token{AccessToken: "access", Expiry: time.Now().Add(time.Hour)}, nil
}

func (f *fakeTokens) ForceRefresh(context.Context) (*auth.Token, error) {
	f.forced++
	return &auth.Token{AccessToken: "refreshed", Expiry: time.Now().Add(time.Hour)}, nil
}

func testAdapter(tokens *fakeTokens) *Adapter {
	logger := discard()
	return &Adapter{
		user:      "user@example.com",
		accountID: "acc-1",
		tokens:    tokens,
		breaker:   extract.NewBreaker("graph-test", ClientError, logger),
		logger:    logger,
	}
}

func graphError(status int) error {
	e := odataerrors.NewODataError()
	e.ResponseStatusCode = status
	return e
}

func recipient(addr, name string) models.Recipientable {
	e := models.NewEmailAddress()
	e.SetAddress(&addr)
	e.SetName(&name)
	r := models.NewRecipient()
	r.SetEmailAddress(e)
	return r
}

func TestNormalizeMapsFlagsAndBodies(t *testing.T) {
	m := models.NewMessage()
	id, subject, html := "AAMk-1", "Quarterly numbers", "<p>See <b>attached</b></p>"
	read := false
	importance := models.HIGH_IMPORTANCE
	ct := models.HTML_BODYTYPE
	body := models.NewItemBody()
	body.SetContent(&html)
	body.SetContentType(&ct)
	m.SetId(&id)
	m.SetSubject(&subject)
	m.SetFrom(recipient("boss@example.com", "The Boss"))
	m.SetToRecipients([]models.Recipientable{recipient("user@example.com", "")})
	m.SetIsRead(&read)
	m.SetImportance(&importance)
	m.SetCategories([]string{"Finance"})
	m.SetBody(body)

	msg := normalize(m)
	if msg == nil {
		t.Fatalf("expected message")
	}
	if msg.ProviderMessageID != id || msg.Sender != "boss@example.com" || msg.SenderName != "The Boss" {
		t.Fatalf("unexpected envelope %+v", msg)
	}
	if msg.IsRead || !msg.IsImportant || len(msg.Labels) != 1 {
		t.Fatalf("unexpected flags %+v", msg)
	}
	if msg.BodyHTML != html || msg.BodyText != "See attached" {
		t.Fatalf("unexpected bodies %q / %q", msg.BodyHTML, msg.BodyText)
	}
}

func TestNormalizeDropsMessageWithoutSender(t *testing.T) {
	m := models.NewMessage()
	id := "AAMk-2"
	m.SetId(&id)
	if msg := normalize(m); msg != nil {
		t.Fatalf("expected nil for senderless message, got %+v", msg)
	}
}

func TestCallRefreshesOnceOn401(t *testing.T) {
	tokens := &fakeTokens{}
	a := testAdapter(tokens)

	calls := 0
	err := a.call(context.Background(), "list messages", func() error {
		calls++
		if calls == 1 {
			return graphError(401)
		}
		return nil
	})
	if err != nil || calls != 2 || tokens.forced != 1 {
		t.Fatalf("expected one refresh and one retry, got err=%v calls=%d forced=%d", err, calls, tokens.forced)
	}

	calls = 0
	err = a.call(context.Background(), "list messages", func() error {
		calls++
		return graphError(401)
	})
	if !auth.IsAuthError(err) || calls != 2 {
		t.Fatalf("expected auth error after a single retry, got %v after %d calls", err, calls)
	}
}

func TestMapErrorClassifiesStatus(t *testing.T) {
	a := testAdapter(&fakeTokens{})

	if err := a.mapError("op", graphError(503)); mailsync.Classify(err) != mailsync.ClassTransient {
		t.Fatalf("expected transient for 503, got %v", err)
	}
	if err := a.mapError("op", graphError(429)); !mailsync.IsTransient(err) {
		t.Fatalf("expected transient for 429, got %v", err)
	}
	if err := a.mapError("op", graphError(403)); !auth.IsAuthError(err) {
		t.Fatalf("expected auth error for 403, got %v", err)
	}
	err := a.mapError("op", graphError(404))
	if mailsync.IsTransient(err) || auth.IsAuthError(err) || !isNotFound(err) {
		t.Fatalf("expected plain not-found error, got %v", err)
	}
	if !ClientError(graphError(400)) || ClientError(graphError(429)) || ClientError(errors.New("dial")) {
		t.Fatalf("unexpected client error classification")
	}
}

func TestMapErrorTreatsNetworkFailuresAsTransient(t *testing.T) {
	a := testAdapter(&fakeTokens{})

	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	err := a.mapError("list messages", fmt.Errorf("Get \"https://graph.microsoft.com/v1.0/me/messages\": %w", refused))
	var te *mailsync.TransientError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransientError for a refused connection, got %v", err)
	}

	outage := &auth.RefreshUnavailableError{AccountID: "acc-1", Err: errors.New("token endpoint returned 503")}
	if err := a.mapError("list messages", outage); mailsync.Classify(err) != mailsync.ClassTransient {
		t.Fatalf("expected transient for refresh outage, got %v", err)
	}

	rejected := &auth.AuthError{AccountID: "acc-1", Op: "refresh", Err: errors.New("invalid_grant")}
	if err := a.mapError("list messages", fmt.Errorf("get token: %w", rejected)); mailsync.Classify(err) != mailsync.ClassAuth {
		t.Fatalf("expected auth error to pass through, got %v", err)
	}
}

func TestCursorAndExpiryBounds(t *testing.T) {
	if n, err := offset(""); err != nil || n != 0 {
		t.Fatalf("empty cursor must start at 0, got %d (%v)", n, err)
	}
	if n, _ := offset("150"); n != 150 {
		t.Fatalf("expected 150, got %d", n)
	}
	if _, err := offset("next-link"); err == nil {
		t.Fatalf("expected error for non numeric cursor")
	}

	far := time.Now().Add(30 * 24 * time.Hour)
	if got := capExpiry(far); got.After(time.Now().Add(maxLifetime)) {
		t.Fatalf("expiry not capped: %v", got)
	}
	soon := time.Now().Add(time.Hour)
	if got := capExpiry(soon); !got.Equal(soon) {
		t.Fatalf("expiry within limit must be kept")
	}
}
