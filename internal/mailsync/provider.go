package mailsync

import (
	"context"
	"time"

	"github.com/Martian-dev/mail-sync-engine/internal/auth"
	"github.com/Martian-dev/mail-sync-engine/internal/model"
)

// BatchRequest asks an adapter for one round trip of messages
type BatchRequest struct {
	Limit       int
	Cursor      string // opaque, provider-defined; empty starts from the newest
	IncludeRead bool
}

// Batch is one page of fully fetched messages
type Batch struct {
	Messages   []*model.Message
	NextCursor string
	HasMore    bool
	// Fetched counts provider messages consumed by the page, including ones
	// the adapter dropped (no sender, extraction failure)
	Fetched int
}

// IDBatch is one page of provider message ids
type IDBatch struct {
	IDs        []string
	NextCursor string
	HasMore    bool
}

// Envelope is an outgoing message for send and draft
type Envelope struct {
	From      string
	To        []string
	Cc        []string
	Bcc       []string
	Subject   string
	BodyText  string
	BodyHTML  string
	InReplyTo string
}

// AccountInfo summarizes the remote mailbox
type AccountInfo struct {
	Email          string
	TotalMessages  int
	UnreadMessages int
}

// Folder is a remote mailbox folder or label
type Folder struct {
	ID     string
	Name   string
	Total  int
	Unread int
}

// MailProvider is the capability set every adapter exposes
type MailProvider interface {
	// FetchBatch fetches up to req.Limit messages with bodies
	FetchBatch(ctx context.Context, req BatchRequest) (*Batch, error)

	// FetchByID returns nil, nil when the message exists but is dropped
	FetchByID(ctx context.Context, providerMessageID string) (*model.Message, error)

	Send(ctx context.Context, env Envelope) (bool, error)
	SaveDraft(ctx context.Context, env Envelope) (string, error)
	AccountInfo(ctx context.Context) (*AccountInfo, error)
	ListFolders(ctx context.Context) ([]Folder, error)
}

// IDLister is implemented by adapters with a cheap ids-only listing
type IDLister interface {
	FetchIDs(ctx context.Context, req BatchRequest) (*IDBatch, error)
}

// SubscribeRequest describes a push subscription to create
type SubscribeRequest struct {
	CallbackURL string
	Secret      string
	ExpiresAt   time.Time
}

// Watcher is implemented by adapters that support push subscriptions.
// Renew and Unsubscribe return ErrSubscriptionNotFound when the provider no
// longer knows the subscription.
type Watcher interface {
	Subscribe(ctx context.Context, req SubscribeRequest) (*model.Subscription, error)
	Renew(ctx context.Context, subscriptionID string, expiresAt time.Time) (time.Time, error)
	Unsubscribe(ctx context.Context, subscriptionID string) error
	MaxSubscriptionLifetime() time.Duration
}

// TokenSource hands an adapter valid credentials for its account. Adapters
// call Fresh before every provider call and ForceRefresh once after a 401.
type TokenSource interface {
	Fresh(ctx context.Context) (*auth.Token, error)
	ForceRefresh(ctx context.Context) (*auth.Token, error)
}

// ProviderFactory creates the adapter for an account
type ProviderFactory func(ctx context.Context, account *model.Account) (MailProvider, error)
