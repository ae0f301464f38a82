package providers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Martian-dev/mail-sync-engine/internal/auth"
	"github.com/Martian-dev/mail-sync-engine/internal/mailsync"
	"github.com/Martian-dev/mail-sync-engine/internal/model"
	"github.com/Martian-dev/mail-sync-engine/internal/providers/extract"
	"github.com/Martian-dev/mail-sync-engine/internal/providers/gmail"
	"github.com/Martian-dev/mail-sync-engine/internal/providers/imap"
	"github.com/Martian-dev/mail-sync-engine/internal/providers/outlook"
)

// Options shared by every adapter
type Options struct {
	MaxPartDepth int
	SMTPPort     int
	DialTimeout  time.Duration
}

// Factory selects the adapter for an account by its provider type. One
// breaker per provider API is shared by all accounts.
type Factory struct {
	creds    *auth.Manager
	poison   *extract.PoisonList
	opts     Options
	logger   *slog.Logger
	breakers map[model.ProviderType]*extract.Breaker
}

func NewFactory(creds *auth.Manager, poison *extract.PoisonList, opts Options, logger *slog.Logger) *Factory {
	return &Factory{
		creds:  creds,
		poison: poison,
		opts:   opts,
		logger: logger,
		breakers: map[model.ProviderType]*extract.Breaker{
			model.ProviderPushREST: extract.NewBreaker("graph", outlook.ClientError, logger),
			model.ProviderPollREST: extract.NewBreaker("gmail", gmail.ClientError, logger),
		},
	}
}

// New returns the adapter for the account
func (f *Factory) New(ctx context.Context, acc *model.Account) (mailsync.MailProvider, error) {
	tokens := f.creds.TokenSource(acc.ID)

	switch acc.Provider {
	case model.ProviderPushREST:
		a, err := outlook.New(acc, tokens, f.breakers[acc.Provider], f.logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	case model.ProviderPollREST:
		a, err := gmail.New(ctx, acc, tokens, f.breakers[acc.Provider], f.poison, gmail.Options{MaxPartDepth: f.opts.MaxPartDepth}, f.logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	case model.ProviderStateful:
		if acc.Host == "" {
			return nil, fmt.Errorf("account %s has no IMAP host", acc.ID)
		}
		return imap.New(acc, tokens, f.poison, imap.Options{
			DialTimeout:  f.opts.DialTimeout,
			MaxPartDepth: f.opts.MaxPartDepth,
			SMTPPort:     f.opts.SMTPPort,
		}, f.logger), nil
	}
	return nil, fmt.Errorf("unsupported provider type %q", acc.Provider)
}
