package outlook

import (
	"context"
	"time"

	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/Martian-dev/mail-sync-engine/internal/mailsync"
	"github.com/Martian-dev/mail-sync-engine/internal/model"
)

// Graph caps mail subscriptions at 4230 minutes
const maxLifetime = 4230 * time.Minute

const inboxResource = "me/mailFolders('inbox')/messages"

// MaxSubscriptionLifetime is the longest expiry Graph accepts
func (a *Adapter) MaxSubscriptionLifetime() time.Duration {
	return maxLifetime
}

func capExpiry(at time.Time) time.Time {
	if limit := time.Now().Add(maxLifetime); at.IsZero() || at.After(limit) {
		return limit
	}
	return at
}

// Subscribe registers a created-messages subscription on the inbox. The
// secret travels as clientState and comes back on every notification.
func (a *Adapter) Subscribe(ctx context.Context, req mailsync.SubscribeRequest) (*model.Subscription, error) {
	sub := models.NewSubscription()
	changeType := "created"
	resource := inboxResource
	callback := req.CallbackURL
	secret := req.Secret
	expires := capExpiry(req.ExpiresAt)
	sub.SetChangeType(&changeType)
	sub.SetResource(&resource)
	sub.SetNotificationUrl(&callback)
	sub.SetClientState(&secret)
	sub.SetExpirationDateTime(&expires)

	var created models.Subscriptionable
	err := a.call(ctx, "create subscription", func() (err error) {
		created, err = a.client.Subscriptions().Post(ctx, sub, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	if at := created.GetExpirationDateTime(); at != nil {
		expires = *at
	}
	a.logger.Info("subscription created", "subscription_id", deref(created.GetId()), "expires_at", expires)
	return &model.Subscription{
		ID:          deref(created.GetId()),
		AccountID:   a.accountID,
		Provider:    model.ProviderPushREST,
		Resource:    resource,
		CallbackURL: callback,
		Status:      model.SubscriptionActive,
		ExpiresAt:   expires,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

// Renew extends the subscription with a PATCH of its expiry
func (a *Adapter) Renew(ctx context.Context, subscriptionID string, expiresAt time.Time) (time.Time, error) {
	patch := models.NewSubscription()
	expires := capExpiry(expiresAt)
	patch.SetExpirationDateTime(&expires)

	var updated models.Subscriptionable
	err := a.call(ctx, "renew subscription", func() (err error) {
		updated, err = a.client.Subscriptions().BySubscriptionId(subscriptionID).Patch(ctx, patch, nil)
		return err
	})
	if isNotFound(err) {
		return time.Time{}, mailsync.ErrSubscriptionNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	if updated != nil && updated.GetExpirationDateTime() != nil {
		expires = *updated.GetExpirationDateTime()
	}
	return expires, nil
}

// Unsubscribe deletes the subscription at Graph
func (a *Adapter) Unsubscribe(ctx context.Context, subscriptionID string) error {
	err := a.call(ctx, "delete subscription", func() error {
		return a.client.Subscriptions().BySubscriptionId(subscriptionID).Delete(ctx, nil)
	})
	if isNotFound(err) {
		return mailsync.ErrSubscriptionNotFound
	}
	return err
}
