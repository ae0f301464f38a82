package model

import "time"

// SubscriptionStatus is the lifecycle state of a push subscription
type SubscriptionStatus string

const (
	SubscriptionNone         SubscriptionStatus = "none"
	SubscriptionPending      SubscriptionStatus = "pending"
	SubscriptionActive       SubscriptionStatus = "active"
	SubscriptionExpiringSoon SubscriptionStatus = "expiring_soon"
	SubscriptionExpired      SubscriptionStatus = "expired"
	SubscriptionDeleted      SubscriptionStatus = "deleted"
)

// Subscription is a provider-side push registration for one account.
// The secret is derived from the account id and never stored.
type Subscription struct {
	ID          string             `db:"id"`
	AccountID   string             `db:"account_id"`
	Provider    ProviderType       `db:"provider"`
	Resource    string             `db:"resource"`
	CallbackURL string             `db:"callback_url"`
	Status      SubscriptionStatus `db:"status"`
	ExpiresAt   time.Time          `db:"expires_at"`
	CreatedAt   time.Time          `db:"created_at"`
	RenewedAt   *time.Time         `db:"renewed_at"`

	Secret string `db:"-"`
}

// StatusAt derives the lifecycle state at now, given the renewal window
func (s *Subscription) StatusAt(now time.Time, renewWindow time.Duration) SubscriptionStatus {
	switch s.Status {
	case SubscriptionDeleted, SubscriptionPending:
		return s.Status
	}
	if !now.Before(s.ExpiresAt) {
		return SubscriptionExpired
	}
	if s.ExpiresAt.Sub(now) < renewWindow {
		return SubscriptionExpiringSoon
	}
	return SubscriptionActive
}
