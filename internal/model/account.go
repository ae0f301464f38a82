package model

import (
	"fmt"
	"time"
)

// ProviderType is the capability class of a mailbox provider
type ProviderType string

const (
	ProviderPushREST ProviderType = "push_rest" // Microsoft Graph
	ProviderPollREST ProviderType = "poll_rest" // Gmail
	ProviderStateful ProviderType = "stateful"  // IMAP
)

// Name returns the provider name used in URLs and logs
func (p ProviderType) Name() string {
	switch p {
	case ProviderPushREST:
		return "outlook"
	case ProviderPollREST:
		return "gmail"
	case ProviderStateful:
		return "imap"
	default:
		return string(p)
	}
}

// ParseProvider accepts either the type or its provider name
func ParseProvider(s string) (ProviderType, error) {
	switch s {
	case string(ProviderPushREST), "outlook", "microsoft":
		return ProviderPushREST, nil
	case string(ProviderPollREST), "gmail", "google":
		return ProviderPollREST, nil
	case string(ProviderStateful), "imap":
		return ProviderStateful, nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// UsesOAuth reports whether credentials are an OAuth token pair
func (p ProviderType) UsesOAuth() bool {
	return p == ProviderPushREST || p == ProviderPollREST
}

// Account is one connected mailbox
type Account struct {
	ID       string       `db:"id"`
	Email    string       `db:"email"`
	Provider ProviderType `db:"provider"`

	// OAuth pair
	AccessToken  string     `db:"access_token"`
	RefreshToken string     `db:"refresh_token"`
	TokenExpiry  *time.Time `db:"token_expiry"`

	// Static credentials; the password itself lives in the secret store
	Host      string `db:"host"`
	Port      int    `db:"port"`
	Username  string `db:"username"`
	SecretRef string `db:"secret_ref"`

	IsActive           bool       `db:"is_active"`
	LastSyncAt         *time.Time `db:"last_sync_at"`
	Cursor             string     `db:"cursor"`
	DeactivatedAt      *time.Time `db:"deactivated_at"`
	DeactivationReason string     `db:"deactivation_reason"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}

// SyncedWithin reports whether the account was synced less than d ago
func (a *Account) SyncedWithin(now time.Time, d time.Duration) bool {
	if a.LastSyncAt == nil || d <= 0 {
		return false
	}
	return now.Sub(*a.LastSyncAt) < d
}
