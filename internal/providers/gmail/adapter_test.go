package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mail-sync-engine/internal/auth"
	"github.com/Martian-dev/mail-sync-engine/internal/mailsync"
	"github.com/Martian-dev/mail-sync-engine/internal/model"
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

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func nested(depth int) *gmail.MessagePart {
	leaf := &gmail.MessagePart{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("deep")}}
	for i := 0; i < depth; i++ {
		leaf = &gmail.MessagePart{MimeType: "multipart/mixed", Parts: []*gmail.MessagePart{leaf}}
	}
	return leaf
}

func fixtures() map[string]*gmail.Message {
	good := &gmail.Message{
		Id: "m1", ThreadId: "t1", Snippet: "Hello", InternalDate: 1700000000000,
		LabelIds: []string{"INBOX", "UNREAD", "STARRED"},
		Payload: &gmail.MessagePart{
			MimeType: "multipart/alternative",
			Headers: []*gmail.MessagePartHeader{
				{Name: "From", Value: "Alice <alice@example.com>"},
				{Name: "To", Value: "bob@example.com, Carol <carol@example.com>"},
				{Name: "Subject", Value: "Lunch"},
			},
			Parts: []*gmail.MessagePart{
				{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64("<p>Hello Bob</p>")}},
			},
		},
	}
	noSender := &gmail.Message{Id: "m2", Payload: &gmail.MessagePart{MimeType: "text/plain"}}

	deep := nested(15)
	deep.Headers = []*gmail.MessagePartHeader{{Name: "From", Value: "spam@example.com"}}
	tooDeep := &gmail.Message{Id: "m3", Payload: deep}

	return map[string]*gmail.Message{"m1": good, "m2": noSender, "m3": tooDeep}
}

type server struct {
	unauthorized int
	listQuery    string
	// ids listed instead of the default page, and per-id error statuses
	listed  []string
	failing map[string]int
}

func (s *server) handler(t *testing.T) http.Handler {
	msgs := fixtures()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.unauthorized > 0 {
			s.unauthorized--
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":{"code":401,"message":"invalid credentials"}}`)
			return
		}

		const prefix = "/gmail/v1/users/me/messages"
		var body any
		switch {
		case r.URL.Path == prefix:
			s.listQuery = r.URL.RawQuery
			page := &gmail.ListMessagesResponse{
				Messages:      []*gmail.Message{{Id: "m1"}, {Id: "m2"}, {Id: "m3"}},
				NextPageToken: "tok2",
			}
			if s.listed != nil {
				page.Messages = nil
				for _, id := range s.listed {
					page.Messages = append(page.Messages, &gmail.Message{Id: id})
				}
			}
			body = page
		case strings.HasPrefix(r.URL.Path, prefix+"/"):
			id := strings.TrimPrefix(r.URL.Path, prefix+"/")
			if status, ok := s.failing[id]; ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				fmt.Fprintf(w, `{"error":{"code":%d,"message":"failed"}}`, status)
				return
			}
			m, ok := msgs[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				io.WriteString(w, `{"error":{"code":404,"message":"not found"}}`)
				return
			}
			body = m
		default:
			t.Errorf("unexpected request %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(body)
	})
}

func newTestAdapter(t *testing.T, srv *server) (*Adapter, *fakeTokens, *extract.PoisonList) {
	t.Helper()
	ts := httptest.NewServer(srv.handler(t))
	t.Cleanup(ts.Close)

	logger := discard()
	tokens := &fakeTokens{}
	poison := extract.NewPoisonList(nil, logger)
	acc := &model.Account{ID: "acc-1", Email: "bob@example.com", Provider: model.ProviderPollREST}
	a, err := newAdapter(context.Background(), acc, tokens,
		[]option.ClientOption{option.WithEndpoint(ts.URL + "/"), option.WithHTTPClient(ts.Client())},
		extract.NewBreaker("gmail-test", ClientError, logger), poison, Options{MaxPartDepth: 10}, logger)
	if err != nil {
		t.Fatalf("new adapter failed: %v", err)
	}
	return a, tokens, poison
}

func TestFetchBatchNormalizesAndSkips(t *testing.T) {
	srv := &server{}
	a, _, poison := newTestAdapter(t, srv)

	batch, err := a.FetchBatch(context.Background(), mailsync.BatchRequest{Limit: 3, IncludeRead: false})
	if err != nil {
		t.Fatalf("fetch batch failed: %v", err)
	}
	if batch.Fetched != 3 || len(batch.Messages) != 1 {
		t.Fatalf("expected 3 fetched and 1 kept, got %d / %d", batch.Fetched, len(batch.Messages))
	}
	if batch.NextCursor != "3:tok2" || !batch.HasMore {
		t.Fatalf("unexpected cursor %q more=%v", batch.NextCursor, batch.HasMore)
	}
	if !strings.Contains(srv.listQuery, "is%3Aunread") {
		t.Fatalf("expected unread filter in %q", srv.listQuery)
	}

	msg := batch.Messages[0]
	if msg.Sender != "alice@example.com" || msg.SenderName != "Alice" || len(msg.Recipients) != 2 {
		t.Fatalf("unexpected envelope %+v", msg)
	}
	if msg.IsRead || !msg.IsImportant || msg.Folder != "INBOX" {
		t.Fatalf("unexpected flags %+v", msg)
	}
	if msg.BodyHTML != "<p>Hello Bob</p>" || msg.BodyText != "Hello Bob" {
		t.Fatalf("unexpected bodies %q / %q", msg.BodyHTML, msg.BodyText)
	}

	if !poison.IsPoisoned("acc-1", "m3") {
		t.Fatalf("expected deeply nested message to be poisoned")
	}
	_, err = a.FetchByID(context.Background(), "m3")
	if mailsync.Classify(err) != mailsync.ClassExtraction {
		t.Fatalf("expected poisoned id to short-circuit, got %v", err)
	}
}

func TestFetchBatchSkipsFailingMessage(t *testing.T) {
	srv := &server{listed: []string{"m1", "bad"}, failing: map[string]int{"bad": http.StatusInternalServerError}}
	a, _, _ := newTestAdapter(t, srv)

	batch, err := a.FetchBatch(context.Background(), mailsync.BatchRequest{Limit: 2, IncludeRead: true})
	if err != nil {
		t.Fatalf("expected the batch to survive one failing message, got %v", err)
	}
	if batch.Fetched != 2 || len(batch.Messages) != 1 || batch.Messages[0].ProviderMessageID != "m1" {
		t.Fatalf("expected m1 kept out of 2 fetched, got %d / %+v", batch.Fetched, batch.Messages)
	}

	srv.failing["bad"] = http.StatusForbidden
	if _, err := a.FetchBatch(context.Background(), mailsync.BatchRequest{Limit: 2, IncludeRead: true}); !auth.IsAuthError(err) {
		t.Fatalf("expected a rejected credential to fail the batch, got %v", err)
	}
}

func TestFetchByIDRefreshesOnceOn401(t *testing.T) {
	srv := &server{unauthorized: 1}
	a, tokens, _ := newTestAdapter(t, srv)

	msg, err := a.FetchByID(context.Background(), "m1")
	if err != nil || msg == nil {
		t.Fatalf("expected message after refresh, got %v", err)
	}
	if tokens.forced != 1 {
		t.Fatalf("expected one forced refresh, got %d", tokens.forced)
	}

	srv.unauthorized = 2
	if _, err := a.FetchByID(context.Background(), "m1"); !auth.IsAuthError(err) {
		t.Fatalf("expected auth error when the retry is also rejected, got %v", err)
	}
}

func TestFetchByIDTreatsMissingAsDropped(t *testing.T) {
	a, _, _ := newTestAdapter(t, &server{})
	msg, err := a.FetchByID(context.Background(), "gone")
	if err != nil || msg != nil {
		t.Fatalf("expected nil, nil for a deleted message, got %v, %v", msg, err)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	skip, token, err := parseCursor(formatCursor(40, "abc:def"))
	if err != nil || skip != 40 || token != "abc:def" {
		t.Fatalf("unexpected cursor parts %d %q %v", skip, token, err)
	}
	if _, _, err := parseCursor("tok"); err == nil {
		t.Fatalf("expected error for cursor without skip")
	}
}
