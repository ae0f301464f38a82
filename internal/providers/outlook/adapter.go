package outlook

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"

	"github.com/Martian-dev/mail-sync-engine/internal/mailsync"
	"github.com/Martian-dev/mail-sync-engine/internal/model"
	"github.com/Martian-dev/mail-sync-engine/internal/providers/extract"
)

var messageFields = []string{
	"id", "conversationId", "internetMessageId", "subject", "from", "toRecipients", "ccRecipients",
	"body", "bodyPreview", "isRead", "importance", "flag", "categories", "parentFolderId", "receivedDateTime",
}

// Adapter implements MailProvider, IDLister and Watcher for Microsoft Graph
type Adapter struct {
	client    *msgraphsdk.GraphServiceClient
	user      string
	accountID string
	tokens    mailsync.TokenSource
	breaker   *extract.Breaker
	logger    *slog.Logger
}

// New creates a Graph adapter for an account. Every request asks tokens
// for a fresh access token.
func New(acc *model.Account, tokens mailsync.TokenSource, breaker *extract.Breaker, logger *slog.Logger) (*Adapter, error) {
	cred := &tokenCredential{tokens: tokens}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}

	return &Adapter{
		client:    client,
		user:      acc.Email,
		accountID: acc.ID,
		tokens:    tokens,
		breaker:   breaker,
		logger:    logger.With("provider", model.ProviderPushREST.Name(), "account_id", acc.ID),
	}, nil
}

func (a *Adapter) me() *users.UserItemRequestBuilder {
	return a.client.Users().ByUserId(a.user)
}

// offset parses the $skip cursor
func offset(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	return n, nil
}

func listQuery(req mailsync.BatchRequest, skip int, fields []string) *users.ItemMessagesRequestBuilderGetRequestConfiguration {
	q := &users.ItemMessagesRequestBuilderGetQueryParameters{
		Top:     Int32Ptr(int32(req.Limit)),
		Skip:    Int32Ptr(int32(skip)),
		Select:  fields,
		Orderby: []string{"receivedDateTime desc"},
	}
	if !req.IncludeRead {
		filter := "isRead eq false"
		q.Filter = &filter
	}
	return &users.ItemMessagesRequestBuilderGetRequestConfiguration{QueryParameters: q}
}

func (a *Adapter) list(ctx context.Context, op string, req mailsync.BatchRequest, fields []string) (models.MessageCollectionResponseable, int, error) {
	skip, err := offset(req.Cursor)
	if err != nil {
		return nil, 0, err
	}
	var result models.MessageCollectionResponseable
	err = a.call(ctx, op, func() (err error) {
		result, err = a.me().Messages().Get(ctx, listQuery(req, skip, fields))
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return result, skip, nil
}

// FetchBatch lists one page of messages with bodies, newest first
func (a *Adapter) FetchBatch(ctx context.Context, req mailsync.BatchRequest) (*mailsync.Batch, error) {
	result, skip, err := a.list(ctx, "list messages", req, messageFields)
	if err != nil {
		return nil, err
	}

	values := result.GetValue()
	batch := &mailsync.Batch{
		Fetched:    len(values),
		NextCursor: strconv.Itoa(skip + len(values)),
		HasMore:    result.GetOdataNextLink() != nil && len(values) > 0,
	}
	for _, m := range values {
		msg := normalize(m)
		if msg == nil {
			a.logger.Debug("message skipped, no sender", "message_id", deref(m.GetId()))
			continue
		}
		batch.Messages = append(batch.Messages, msg)
	}
	return batch, nil
}

// FetchIDs lists one page of message ids only ($select=id)
func (a *Adapter) FetchIDs(ctx context.Context, req mailsync.BatchRequest) (*mailsync.IDBatch, error) {
	result, skip, err := a.list(ctx, "list message ids", req, []string{"id"})
	if err != nil {
		return nil, err
	}

	values := result.GetValue()
	page := &mailsync.IDBatch{
		NextCursor: strconv.Itoa(skip + len(values)),
		HasMore:    result.GetOdataNextLink() != nil && len(values) > 0,
	}
	for _, m := range values {
		if id := deref(m.GetId()); id != "" {
			page.IDs = append(page.IDs, id)
		}
	}
	return page, nil
}

// FetchByID fetches one message. A message deleted since listing is
// reported as dropped.
func (a *Adapter) FetchByID(ctx context.Context, id string) (*model.Message, error) {
	var m models.Messageable
	err := a.call(ctx, "get message", func() (err error) {
		m, err = a.me().Messages().ByMessageId(id).Get(ctx, nil)
		return err
	})
	if isNotFound(err) {
		a.logger.Debug("message gone before fetch", "message_id", id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	msg := normalize(m)
	if msg == nil {
		a.logger.Debug("message skipped, no sender", "message_id", id)
	}
	return msg, nil
}

// Send submits the message and keeps a copy in Sent Items
func (a *Adapter) Send(ctx context.Context, env mailsync.Envelope) (bool, error) {
	body := users.NewItemSendMailPostRequestBody()
	body.SetMessage(graphMessage(env))
	save := true
	body.SetSaveToSentItems(&save)

	err := a.call(ctx, "send mail", func() error {
		return a.me().SendMail().Post(ctx, body, nil)
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// SaveDraft creates the message in Drafts and returns its id
func (a *Adapter) SaveDraft(ctx context.Context, env mailsync.Envelope) (string, error) {
	var created models.Messageable
	err := a.call(ctx, "create draft", func() (err error) {
		created, err = a.me().Messages().Post(ctx, graphMessage(env), nil)
		return err
	})
	if err != nil {
		return "", err
	}
	return deref(created.GetId()), nil
}

// AccountInfo reports inbox totals
func (a *Adapter) AccountInfo(ctx context.Context) (*mailsync.AccountInfo, error) {
	var inbox models.MailFolderable
	err := a.call(ctx, "get inbox", func() (err error) {
		inbox, err = a.me().MailFolders().ByMailFolderId("inbox").Get(ctx, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &mailsync.AccountInfo{
		Email:          a.user,
		TotalMessages:  int(derefInt32(inbox.GetTotalItemCount())),
		UnreadMessages: int(derefInt32(inbox.GetUnreadItemCount())),
	}, nil
}

// ListFolders returns the top-level mail folders
func (a *Adapter) ListFolders(ctx context.Context) ([]mailsync.Folder, error) {
	var result models.MailFolderCollectionResponseable
	err := a.call(ctx, "list folders", func() (err error) {
		result, err = a.me().MailFolders().Get(ctx, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	var folders []mailsync.Folder
	for _, f := range result.GetValue() {
		folders = append(folders, mailsync.Folder{
			ID:     deref(f.GetId()),
			Name:   deref(f.GetDisplayName()),
			Total:  int(derefInt32(f.GetTotalItemCount())),
			Unread: int(derefInt32(f.GetUnreadItemCount())),
		})
	}
	return folders, nil
}

// normalize converts a Graph message; nil when the sender is unresolvable
func normalize(m models.Messageable) *model.Message {
	sender, senderName := address(m.GetFrom())
	if sender == "" {
		sender, senderName = address(m.GetSender())
	}
	if sender == "" {
		return nil
	}

	msg := &model.Message{
		ProviderMessageID: deref(m.GetId()),
		ThreadID:          deref(m.GetConversationId()),
		InternetMessageID: deref(m.GetInternetMessageId()),
		Subject:           deref(m.GetSubject()),
		Sender:            sender,
		SenderName:        senderName,
		Recipients:        addresses(m.GetToRecipients()),
		Cc:                addresses(m.GetCcRecipients()),
		Snippet:           deref(m.GetBodyPreview()),
		Labels:            m.GetCategories(),
		Folder:            deref(m.GetParentFolderId()),
	}
	if read := m.GetIsRead(); read != nil {
		msg.IsRead = *read
	}
	if imp := m.GetImportance(); imp != nil && *imp == models.HIGH_IMPORTANCE {
		msg.IsImportant = true
	}
	if flag := m.GetFlag(); flag != nil {
		if status := flag.GetFlagStatus(); status != nil && *status == models.FLAGGED_FOLLOWUPFLAGSTATUS {
			msg.IsImportant = true
		}
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.ReceivedAt = *rcvd
	} else {
		msg.ReceivedAt = time.Now()
	}

	if body := m.GetBody(); body != nil {
		content := deref(body.GetContent())
		if ct := body.GetContentType(); ct != nil && *ct == models.HTML_BODYTYPE {
			msg.BodyHTML = content
		} else {
			msg.BodyText = content
		}
	}
	extract.FillBodies(msg)
	if msg.Snippet == "" {
		msg.Snippet = extract.Snippet(msg.BodyText, 200)
	}
	return msg
}

func address(r models.Recipientable) (string, string) {
	if r == nil || r.GetEmailAddress() == nil {
		return "", ""
	}
	e := r.GetEmailAddress()
	return deref(e.GetAddress()), deref(e.GetName())
}

// addresses extracts email addresses from recipients
func addresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if addr, _ := address(r); addr != "" {
			addrs = append(addrs, addr)
		}
	}
	return addrs
}

func recipients(list []string) []models.Recipientable {
	out := make([]models.Recipientable, 0, len(list))
	for _, addr := range list {
		addr := addr
		e := models.NewEmailAddress()
		e.SetAddress(&addr)
		r := models.NewRecipient()
		r.SetEmailAddress(e)
		out = append(out, r)
	}
	return out
}

func graphMessage(env mailsync.Envelope) models.Messageable {
	m := models.NewMessage()
	subject := env.Subject
	m.SetSubject(&subject)

	content, ct := env.BodyText, models.TEXT_BODYTYPE
	if env.BodyHTML != "" {
		content, ct = env.BodyHTML, models.HTML_BODYTYPE
	}
	body := models.NewItemBody()
	body.SetContent(&content)
	body.SetContentType(&ct)
	m.SetBody(body)

	m.SetToRecipients(recipients(env.To))
	if len(env.Cc) > 0 {
		m.SetCcRecipients(recipients(env.Cc))
	}
	if len(env.Bcc) > 0 {
		m.SetBccRecipients(recipients(env.Bcc))
	}
	return m
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt32(n *int32) int32 {
	if n == nil {
		return 0
	}
	return *n
}

// Int32Ptr returns a pointer to an int32
func Int32Ptr(i int32) *int32 {
	return &i
}
