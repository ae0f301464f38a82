package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"

	"github.com/Martian-dev/mail-sync-engine/internal/auth"
	"github.com/Martian-dev/mail-sync-engine/internal/mailsync"
	"github.com/Martian-dev/mail-sync-engine/internal/model"
	"github.com/Martian-dev/mail-sync-engine/internal/providers/extract"
)

const (
	inbox       = "INBOX"
	draftsBox   = "Drafts"
	implicitTLS = 993
)

// Options configure connections
type Options struct {
	DialTimeout  time.Duration
	MaxPartDepth int
	SMTPPort     int
	// Insecure allows plaintext IMAP when the server offers no STARTTLS
	Insecure bool
}

// Adapter implements MailProvider over IMAP4rev1 with SMTP submission.
// Each call opens its own connection with credentials fetched for it.
type Adapter struct {
	host      string
	port      int
	email     string
	accountID string
	tokens    mailsync.TokenSource
	poison    *extract.PoisonList
	opts      Options
	logger    *slog.Logger
}

// New creates an IMAP adapter for an account with static credentials
func New(acc *model.Account, tokens mailsync.TokenSource, poison *extract.PoisonList, opts Options, logger *slog.Logger) *Adapter {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	if opts.MaxPartDepth <= 0 {
		opts.MaxPartDepth = 10
	}
	if opts.SMTPPort <= 0 {
		opts.SMTPPort = 587
	}
	port := acc.Port
	if port == 0 {
		port = implicitTLS
	}
	return &Adapter{
		host:      acc.Host,
		port:      port,
		email:     acc.Email,
		accountID: acc.ID,
		tokens:    tokens,
		poison:    poison,
		opts:      opts,
		logger:    logger.With("provider", model.ProviderStateful.Name(), "account_id", acc.ID),
	}
}

func (a *Adapter) transient(op string, err error) error {
	return &mailsync.TransientError{Provider: model.ProviderStateful, Op: op, Err: err}
}

// connect dials, upgrades to TLS and logs in
func (a *Adapter) connect(ctx context.Context) (*client.Client, error) {
	tok, err := a.tokens.Fresh(ctx)
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(a.host, strconv.Itoa(a.port))
	dialer := &net.Dialer{Timeout: a.opts.DialTimeout}
	tlsConfig := &tls.Config{ServerName: a.host}

	var c *client.Client
	if a.port == implicitTLS {
		c, err = client.DialWithDialerTLS(dialer, addr, tlsConfig)
	} else {
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, a.transient("connect", err)
	}
	c.Timeout = a.opts.DialTimeout

	if a.port != implicitTLS {
		ok, err := c.SupportStartTLS()
		switch {
		case err != nil:
			c.Logout()
			return nil, a.transient("capability", err)
		case ok:
			if err := c.StartTLS(tlsConfig); err != nil {
				c.Logout()
				return nil, a.transient("starttls", err)
			}
		case !a.opts.Insecure:
			c.Logout()
			return nil, fmt.Errorf("imap %s offers no STARTTLS", addr)
		}
	}

	if err := c.Login(tok.Username, tok.Password); err != nil {
		c.Logout()
		return nil, &auth.AuthError{AccountID: a.accountID, Provider: model.ProviderStateful, Op: "login", Err: err}
	}
	return c, nil
}

func (a *Adapter) withMailbox(ctx context.Context, op string, fn func(c *client.Client, status *imap.MailboxStatus) error) error {
	c, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer c.Logout()

	status, err := c.Select(inbox, true)
	if err != nil {
		return a.transient(op, err)
	}
	return fn(c, status)
}

// offset parses the cursor: the number of search results already consumed
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

// FetchBatch searches the inbox newest first and fetches one page of UIDs
func (a *Adapter) FetchBatch(ctx context.Context, req mailsync.BatchRequest) (*mailsync.Batch, error) {
	skip, err := offset(req.Cursor)
	if err != nil {
		return nil, err
	}

	batch := &mailsync.Batch{NextCursor: strconv.Itoa(skip)}
	err = a.withMailbox(ctx, "fetch batch", func(c *client.Client, _ *imap.MailboxStatus) error {
		criteria := imap.NewSearchCriteria()
		if !req.IncludeRead {
			criteria.WithoutFlags = []string{imap.SeenFlag}
		}
		uids, err := c.UidSearch(criteria)
		if err != nil {
			return a.transient("search", err)
		}
		sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })

		if skip >= len(uids) {
			return nil
		}
		end := min(skip+req.Limit, len(uids))
		page := uids[skip:end]
		batch.Fetched = len(page)
		batch.NextCursor = strconv.Itoa(end)
		batch.HasMore = end < len(uids)

		msgs, err := a.fetch(ctx, c, page)
		if err != nil {
			return err
		}
		batch.Messages = msgs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// FetchByID fetches one message by UID
func (a *Adapter) FetchByID(ctx context.Context, id string) (*model.Message, error) {
	uid, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid uid %q", id)
	}
	if a.poison.IsPoisoned(a.accountID, id) {
		return nil, &mailsync.ExtractionError{MessageID: id, Err: extract.ErrPoisoned}
	}

	var msg *model.Message
	err = a.withMailbox(ctx, "fetch message", func(c *client.Client, _ *imap.MailboxStatus) error {
		section := &imap.BodySectionName{Peek: true}
		seq := new(imap.SeqSet)
		seq.AddNum(uint32(uid))

		raw, err := uidFetch(c, seq, section)
		if err != nil {
			return a.transient("fetch", err)
		}
		if len(raw) == 0 {
			return nil
		}
		msg, err = a.normalize(ctx, raw[0], section)
		return err
	})
	return msg, err
}

func uidFetch(c *client.Client, seq *imap.SeqSet, section *imap.BodySectionName) ([]*imap.Message, error) {
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchFlags, imap.FetchUid, imap.FetchInternalDate, section.FetchItem()}
	messages := make(chan *imap.Message, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.UidFetch(seq, items, messages)
	}()

	var out []*imap.Message
	for m := range messages {
		out = append(out, m)
	}
	return out, <-done
}

// fetch loads the page and returns messages in the page's order. Broken
// messages are skipped and poisoned when too deeply nested.
func (a *Adapter) fetch(ctx context.Context, c *client.Client, page []uint32) ([]*model.Message, error) {
	if len(page) == 0 {
		return nil, nil
	}
	seq := new(imap.SeqSet)
	for _, uid := range page {
		seq.AddNum(uid)
	}
	section := &imap.BodySectionName{Peek: true}
	raw, err := uidFetch(c, seq, section)
	if err != nil {
		return nil, a.transient("fetch", err)
	}

	byUID := make(map[uint32]*imap.Message, len(raw))
	for _, m := range raw {
		byUID[m.Uid] = m
	}
	var out []*model.Message
	for _, uid := range page {
		m, ok := byUID[uid]
		if !ok {
			continue
		}
		msg, err := a.normalize(ctx, m, section)
		if err != nil {
			a.logger.Warn("message skipped", "uid", uid, "error", err)
			continue
		}
		if msg != nil {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (a *Adapter) normalize(ctx context.Context, m *imap.Message, section *imap.BodySectionName) (*model.Message, error) {
	id := strconv.FormatUint(uint64(m.Uid), 10)
	if a.poison.IsPoisoned(a.accountID, id) {
		return nil, &mailsync.ExtractionError{MessageID: id, Err: extract.ErrPoisoned}
	}
	env := m.Envelope
	if env == nil || len(env.From) == 0 || env.From[0].Address() == "" {
		a.logger.Debug("message skipped, no sender", "uid", m.Uid)
		return nil, nil
	}

	msg := &model.Message{
		ProviderMessageID: id,
		InternetMessageID: env.MessageId,
		Subject:           env.Subject,
		Sender:            env.From[0].Address(),
		SenderName:        env.From[0].PersonalName,
		Recipients:        addresses(env.To),
		Cc:                addresses(env.Cc),
		Folder:            inbox,
		ReceivedAt:        m.InternalDate,
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = env.Date
	}
	for _, flag := range m.Flags {
		switch flag {
		case imap.SeenFlag:
			msg.IsRead = true
		case imap.FlaggedFlag:
			msg.IsImportant = true
		default:
			if !strings.HasPrefix(flag, "\\") {
				msg.Labels = append(msg.Labels, flag)
			}
		}
	}

	if body := m.GetBody(section); body != nil {
		parts, err := extract.ParseMIME(body, a.opts.MaxPartDepth)
		if errors.Is(err, extract.ErrTooDeep) {
			a.poison.Mark(ctx, a.accountID, id, err)
		}
		if err != nil {
			return nil, &mailsync.ExtractionError{MessageID: id, Err: err}
		}
		msg.BodyText, msg.BodyHTML = parts.Text, parts.HTML
	}
	extract.FillBodies(msg)
	msg.Snippet = extract.Snippet(msg.BodyText, 200)
	return msg, nil
}

func addresses(list []*imap.Address) []string {
	var out []string
	for _, addr := range list {
		if s := addr.Address(); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// smtpHost guesses the submission host from the IMAP host
func (a *Adapter) smtpHost() string {
	if rest, ok := strings.CutPrefix(a.host, "imap."); ok {
		return "smtp." + rest
	}
	return a.host
}

// Send submits the message over SMTP with the account's login
func (a *Adapter) Send(ctx context.Context, env mailsync.Envelope) (bool, error) {
	if env.From == "" {
		env.From = a.email
	}
	out := extract.Outgoing(env)
	raw, err := extract.Compose(out, false)
	if err != nil {
		return false, err
	}
	tok, err := a.tokens.Fresh(ctx)
	if err != nil {
		return false, err
	}

	host := a.smtpHost()
	addr := net.JoinHostPort(host, strconv.Itoa(a.opts.SMTPPort))
	login := smtp.PlainAuth("", tok.Username, tok.Password, host)
	if err := smtp.SendMail(addr, login, env.From, out.Recipients(), raw); err != nil {
		return false, a.transient("send", err)
	}
	return true, nil
}

// SaveDraft appends the message to the Drafts mailbox
func (a *Adapter) SaveDraft(ctx context.Context, env mailsync.Envelope) (string, error) {
	if env.From == "" {
		env.From = a.email
	}
	raw, err := extract.Compose(extract.Outgoing(env), true)
	if err != nil {
		return "", err
	}

	c, err := a.connect(ctx)
	if err != nil {
		return "", err
	}
	defer c.Logout()

	if err := c.Append(draftsBox, []string{imap.DraftFlag}, time.Now(), bytes.NewBuffer(raw)); err != nil {
		return "", a.transient("append draft", err)
	}
	// APPEND does not return the new UID without UIDPLUS
	return "", nil
}

// AccountInfo reads inbox counters with STATUS
func (a *Adapter) AccountInfo(ctx context.Context) (*mailsync.AccountInfo, error) {
	c, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	status, err := c.Status(inbox, []imap.StatusItem{imap.StatusMessages, imap.StatusUnseen})
	if err != nil {
		return nil, a.transient("status", err)
	}
	return &mailsync.AccountInfo{
		Email:          a.email,
		TotalMessages:  int(status.Messages),
		UnreadMessages: int(status.Unseen),
	}, nil
}

// ListFolders lists every mailbox
func (a *Adapter) ListFolders(ctx context.Context) ([]mailsync.Folder, error) {
	c, err := a.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	mailboxes := make(chan *imap.MailboxInfo, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.List("", "*", mailboxes)
	}()

	var folders []mailsync.Folder
	for m := range mailboxes {
		folders = append(folders, mailsync.Folder{ID: m.Name, Name: m.Name})
	}
	if err := <-done; err != nil {
		return nil, a.transient("list", err)
	}
	return folders, nil
}
