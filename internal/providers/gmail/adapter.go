package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/mail-sync-engine/internal/auth"
	"github.com/Martian-dev/mail-sync-engine/internal/mailsync"
	"github.com/Martian-dev/mail-sync-engine/internal/model"
	"github.com/Martian-dev/mail-sync-engine/internal/providers/extract"
)

const user = "me"

// Options tune extraction
type Options struct {
	MaxPartDepth int
	// ClientOptions are appended to the service options; tests point the
	// service at a local server with them
	ClientOptions []option.ClientOption
}

// Adapter implements MailProvider for Gmail
type Adapter struct {
	svc       *gmail.Service
	email     string
	accountID string
	tokens    mailsync.TokenSource
	breaker   *extract.Breaker
	poison    *extract.PoisonList
	opts      Options
	logger    *slog.Logger
}

// New creates a Gmail adapter whose HTTP client pulls tokens from tokens
func New(ctx context.Context, acc *model.Account, tokens *auth.AccountTokenSource, breaker *extract.Breaker, poison *extract.PoisonList, opts Options, logger *slog.Logger) (*Adapter, error) {
	clientOpts := append([]option.ClientOption{option.WithTokenSource(tokens.OAuth2(ctx))}, opts.ClientOptions...)
	return newAdapter(ctx, acc, tokens, clientOpts, breaker, poison, opts, logger)
}

func newAdapter(ctx context.Context, acc *model.Account, tokens mailsync.TokenSource, clientOpts []option.ClientOption, breaker *extract.Breaker, poison *extract.PoisonList, opts Options, logger *slog.Logger) (*Adapter, error) {
	svc, err := gmail.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	if opts.MaxPartDepth <= 0 {
		opts.MaxPartDepth = 10
	}

	return &Adapter{
		svc:       svc,
		email:     acc.Email,
		accountID: acc.ID,
		tokens:    tokens,
		breaker:   breaker,
		poison:    poison,
		opts:      opts,
		logger:    logger.With("provider", model.ProviderPollREST.Name(), "account_id", acc.ID),
	}, nil
}

// cursor is "<skip>:<pageToken>"; skip counts messages already consumed
func parseCursor(c string) (int, string, error) {
	if c == "" {
		return 0, "", nil
	}
	skipPart, token, ok := strings.Cut(c, ":")
	skip, err := strconv.Atoi(skipPart)
	if !ok || err != nil || skip < 0 {
		return 0, "", fmt.Errorf("invalid cursor %q", c)
	}
	return skip, token, nil
}

func formatCursor(skip int, token string) string {
	return strconv.Itoa(skip) + ":" + token
}

// FetchBatch lists one page of ids and fetches each message in full
func (a *Adapter) FetchBatch(ctx context.Context, req mailsync.BatchRequest) (*mailsync.Batch, error) {
	skip, token, err := parseCursor(req.Cursor)
	if err != nil {
		return nil, err
	}

	call := a.svc.Users.Messages.List(user).IncludeSpamTrash(false).MaxResults(int64(req.Limit))
	if token != "" {
		call = call.PageToken(token)
	}
	if !req.IncludeRead {
		call = call.Q("is:unread")
	}

	var page *gmail.ListMessagesResponse
	err = a.call(ctx, "list messages", func() (err error) {
		page, err = call.Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	batch := &mailsync.Batch{
		Fetched:    len(page.Messages),
		NextCursor: formatCursor(skip+len(page.Messages), page.NextPageToken),
		HasMore:    page.NextPageToken != "",
	}
	for _, ref := range page.Messages {
		msg, err := a.FetchByID(ctx, ref.Id)
		if err != nil {
			// a rejected token or an open circuit fails every later get too
			if auth.IsAuthError(err) || extract.IsOpen(err) || ctx.Err() != nil {
				return nil, err
			}
			a.logger.Warn("message skipped", "message_id", ref.Id, "error", err)
			continue
		}
		if msg != nil {
			batch.Messages = append(batch.Messages, msg)
		}
	}
	return batch, nil
}

// FetchByID fetches one message in full format and walks its payload tree
func (a *Adapter) FetchByID(ctx context.Context, id string) (*model.Message, error) {
	if a.poison.IsPoisoned(a.accountID, id) {
		return nil, &mailsync.ExtractionError{MessageID: id, Err: extract.ErrPoisoned}
	}

	var m *gmail.Message
	err := a.call(ctx, "get message", func() (err error) {
		m, err = a.svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
		return err
	})
	if statusOf(err) == http.StatusNotFound {
		a.logger.Debug("message gone before fetch", "message_id", id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	msg, err := a.normalize(m)
	if errors.Is(err, extract.ErrTooDeep) {
		a.poison.Mark(ctx, a.accountID, id, err)
		return nil, &mailsync.ExtractionError{MessageID: id, Err: err}
	}
	if err != nil {
		return nil, &mailsync.ExtractionError{MessageID: id, Err: err}
	}
	if msg == nil {
		a.logger.Debug("message skipped, no sender", "message_id", id)
	}
	return msg, nil
}

func (a *Adapter) normalize(m *gmail.Message) (*model.Message, error) {
	if m.Payload == nil {
		return nil, nil
	}
	headers := make(map[string]string, len(m.Payload.Headers))
	for _, kv := range m.Payload.Headers {
		headers[strings.ToLower(kv.Name)] = kv.Value
	}

	from, err := mail.ParseAddress(headers["from"])
	if err != nil || from.Address == "" {
		return nil, nil
	}

	msg := &model.Message{
		ProviderMessageID: m.Id,
		ThreadID:          m.ThreadId,
		InternetMessageID: headers["message-id"],
		Subject:           headers["subject"],
		Sender:            from.Address,
		SenderName:        from.Name,
		Recipients:        addressList(headers["to"]),
		Cc:                addressList(headers["cc"]),
		Snippet:           m.Snippet,
		IsRead:            true,
		Labels:            m.LabelIds,
		ReceivedAt:        time.UnixMilli(m.InternalDate),
	}
	for _, label := range m.LabelIds {
		switch label {
		case "UNREAD":
			msg.IsRead = false
		case "IMPORTANT", "STARRED":
			msg.IsImportant = true
		case "INBOX":
			msg.Folder = "INBOX"
		}
	}

	err = extract.Walk(m.Payload, func(p *gmail.MessagePart) []*gmail.MessagePart { return p.Parts }, a.opts.MaxPartDepth,
		func(p *gmail.MessagePart, _ int) error {
			if p.Filename != "" || p.Body == nil || p.Body.Data == "" {
				return nil
			}
			switch {
			case strings.HasPrefix(p.MimeType, "text/plain") && msg.BodyText == "":
				msg.BodyText = decodeBody(p.Body.Data)
			case strings.HasPrefix(p.MimeType, "text/html") && msg.BodyHTML == "":
				msg.BodyHTML = decodeBody(p.Body.Data)
			}
			return nil
		})
	if err != nil {
		return nil, err
	}
	extract.FillBodies(msg)
	return msg, nil
}

// decodeBody decodes base64url part data; Gmail omits padding on some parts
func decodeBody(data string) string {
	if b, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	if b, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(b)
	}
	return ""
}

func addressList(s string) []string {
	if s == "" {
		return nil
	}
	list, err := mail.ParseAddressList(s)
	if err != nil {
		return splitAddrs(s)
	}
	out := make([]string, 0, len(list))
	for _, addr := range list {
		out = append(out, addr.Address)
	}
	return out
}

// splitAddrs parses comma-separated email addresses
func splitAddrs(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func (a *Adapter) raw(env mailsync.Envelope) (string, error) {
	if env.From == "" {
		env.From = a.email
	}
	b, err := extract.Compose(extract.Outgoing(env), true)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// Send submits a raw RFC 5322 message
func (a *Adapter) Send(ctx context.Context, env mailsync.Envelope) (bool, error) {
	raw, err := a.raw(env)
	if err != nil {
		return false, err
	}
	err = a.call(ctx, "send message", func() error {
		_, err := a.svc.Users.Messages.Send(user, &gmail.Message{Raw: raw}).Context(ctx).Do()
		return err
	})
	return err == nil, err
}

// SaveDraft creates a draft and returns its id
func (a *Adapter) SaveDraft(ctx context.Context, env mailsync.Envelope) (string, error) {
	raw, err := a.raw(env)
	if err != nil {
		return "", err
	}
	var draft *gmail.Draft
	err = a.call(ctx, "create draft", func() (err error) {
		draft, err = a.svc.Users.Drafts.Create(user, &gmail.Draft{Message: &gmail.Message{Raw: raw}}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return "", err
	}
	return draft.Id, nil
}

// AccountInfo reads the profile total and the inbox unread count
func (a *Adapter) AccountInfo(ctx context.Context) (*mailsync.AccountInfo, error) {
	var profile *gmail.Profile
	err := a.call(ctx, "get profile", func() (err error) {
		profile, err = a.svc.Users.GetProfile(user).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	info := &mailsync.AccountInfo{Email: profile.EmailAddress, TotalMessages: int(profile.MessagesTotal)}
	var inbox *gmail.Label
	err = a.call(ctx, "get inbox label", func() (err error) {
		inbox, err = a.svc.Users.Labels.Get(user, "INBOX").Context(ctx).Do()
		return err
	})
	if err != nil {
		a.logger.Debug("inbox label unavailable", "error", err)
		return info, nil
	}
	info.UnreadMessages = int(inbox.MessagesUnread)
	return info, nil
}

// ListFolders returns the account's labels
func (a *Adapter) ListFolders(ctx context.Context) ([]mailsync.Folder, error) {
	var resp *gmail.ListLabelsResponse
	err := a.call(ctx, "list labels", func() (err error) {
		resp, err = a.svc.Users.Labels.List(user).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	folders := make([]mailsync.Folder, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		folders = append(folders, mailsync.Folder{
			ID:     l.Id,
			Name:   l.Name,
			Total:  int(l.MessagesTotal),
			Unread: int(l.MessagesUnread),
		})
	}
	return folders, nil
}

func statusOf(err error) int {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

// ClientError reports 4xx responses other than 429
func ClientError(err error) bool {
	status := statusOf(err)
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}

// call runs one API request through the breaker, refreshing and retrying
// once when the token is rejected
func (a *Adapter) call(ctx context.Context, op string, fn func() error) error {
	err := a.breaker.Do(fn)
	if statusOf(err) == http.StatusUnauthorized {
		a.logger.Info("gmail rejected token, refreshing", "op", op)
		if _, rerr := a.tokens.ForceRefresh(ctx); rerr != nil {
			return rerr
		}
		err = a.breaker.Do(fn)
	}
	return a.mapError(op, err)
}

func (a *Adapter) mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if extract.IsOpen(err) {
		return &mailsync.TransientError{Provider: model.ProviderPollREST, Op: op, Err: err}
	}

	status := statusOf(err)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &auth.AuthError{AccountID: a.accountID, Provider: model.ProviderPollREST, Op: op, Err: err}
	case status == http.StatusTooManyRequests || status >= 500:
		return &mailsync.TransientError{Provider: model.ProviderPollREST, Op: op, StatusCode: status, Err: err}
	}
	// token source failures surface wrapped inside the transport error
	var authErr *auth.AuthError
	if errors.As(err, &authErr) {
		return authErr
	}
	if status == 0 && mailsync.IsTransient(err) {
		return &mailsync.TransientError{Provider: model.ProviderPollREST, Op: op, Err: err}
	}
	return fmt.Errorf("gmail %s: %w", op, err)
}
