package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"

	"github.com/Martian-dev/mail-sync-engine/internal/auth"
	"github.com/Martian-dev/mail-sync-engine/internal/mailsync"
	"github.com/Martian-dev/mail-sync-engine/internal/model"
	"github.com/Martian-dev/mail-sync-engine/internal/providers/extract"
)

// tokenCredential implements azcore.TokenCredential on top of the
// credential manager, so the SDK never holds a stale token
type tokenCredential struct {
	tokens mailsync.TokenSource
}

func (c *tokenCredential) GetToken(ctx context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.tokens.Fresh(ctx)
	if err != nil {
		return azcore.AccessToken{}, err
	}
	expires := tok.Expiry
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: expires}, nil
}

func statusOf(err error) int {
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		return odataErr.ResponseStatusCode
	}
	return 0
}

func isNotFound(err error) bool {
	return statusOf(err) == http.StatusNotFound
}

// ClientError reports 4xx responses other than 429; they do not trip the
// breaker
func ClientError(err error) bool {
	status := statusOf(err)
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}

// call runs one Graph request through the breaker. A 401 forces a token
// refresh and the request is retried once.
func (a *Adapter) call(ctx context.Context, op string, fn func() error) error {
	err := a.breaker.Do(fn)
	if statusOf(err) == http.StatusUnauthorized {
		a.logger.Info("graph rejected token, refreshing", "op", op)
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
		return &mailsync.TransientError{Provider: model.ProviderPushREST, Op: op, Err: err}
	}

	status := statusOf(err)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &auth.AuthError{AccountID: a.accountID, Provider: model.ProviderPushREST, Op: op, Err: err}
	case status == http.StatusTooManyRequests || status >= 500:
		return &mailsync.TransientError{Provider: model.ProviderPushREST, Op: op, StatusCode: status, Err: err}
	case status == 0 && auth.IsAuthError(err):
		return err
	case status == 0 && mailsync.IsTransient(err):
		return &mailsync.TransientError{Provider: model.ProviderPushREST, Op: op, Err: err}
	}
	return fmt.Errorf("graph %s: %w", op, err)
}
