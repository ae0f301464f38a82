package providers

import (
	"context"
	"fmt"

	"github.com/Martian-dev/mail-sync-engine/internal/auth"
	"github.com/Martian-dev/mail-sync-engine/internal/model"
	"github.com/Martian-dev/mail-sync-engine/internal/providers/gmail"
	"github.com/Martian-dev/mail-sync-engine/internal/providers/outlook"
)

// ProfileEmail resolves the mailbox address behind a freshly exchanged
// OAuth token
func ProfileEmail(ctx context.Context, provider model.ProviderType, tok *auth.Token) (string, error) {
	switch provider {
	case model.ProviderPushREST:
		return outlook.ProfileEmail(ctx, tok.AccessToken, tok.Expiry)
	case model.ProviderPollREST:
		return gmail.ProfileEmail(ctx, tok.AccessToken)
	}
	return "", fmt.Errorf("provider %q has no OAuth profile", provider)
}
