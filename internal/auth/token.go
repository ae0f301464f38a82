package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/Martian-dev/mail-sync-engine/internal/model"
)

// Token is the credential handed to a provider adapter. OAuth accounts carry
// the access/refresh pair; static accounts carry username and password.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time

	Username string
	Password string
}

// ExpiresWithin reports whether the token is expired or will be within d.
// A zero expiry never expires (static credentials).
func (t *Token) ExpiresWithin(now time.Time, d time.Duration) bool {
	if t.Expiry.IsZero() {
		return false
	}
	return t.Expiry.Sub(now) < d
}

var (
	ErrNoCredentials       = errors.New("no credentials stored")
	ErrProviderUnsupported = errors.New("provider has no oauth client configured")
)

// AuthError indicates that credentials are invalid or a refresh was rejected
type AuthError struct {
	AccountID string
	Provider  model.ProviderType
	Op        string
	Err       error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s %s, account %s): %v", e.Provider.Name(), e.Op, e.AccountID, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// RefreshUnavailableError is a refresh that got no verdict on the refresh
// token: the endpoint was unreachable or answered 429/5xx
type RefreshUnavailableError struct {
	AccountID  string
	Provider   model.ProviderType
	StatusCode int
	Err        error
}

func (e *RefreshUnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("refresh unavailable (%s, account %s, status %d): %v", e.Provider.Name(), e.AccountID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("refresh unavailable (%s, account %s): %v", e.Provider.Name(), e.AccountID, e.Err)
}

func (e *RefreshUnavailableError) Unwrap() error {
	return e.Err
}

// IsRefreshUnavailable reports whether err carries a RefreshUnavailableError
func IsRefreshUnavailable(err error) bool {
	var ue *RefreshUnavailableError
	return errors.As(err, &ue)
}
