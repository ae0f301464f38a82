package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mail-sync-engine/internal/subscription"
)

type notificationBatch struct {
	Value []subscription.Notification `json:"value"`
}

// outlookWebhook answers the Graph validation handshake and accepts change
// notifications. Each entry is authenticated before responding; a batch in
// which every entry is forged or unknown gets 403. Syncs run after the 202.
func (s *Server) outlookWebhook(c *gin.Context) {
	if token := c.Query("validationToken"); token != "" {
		c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(token))
		return
	}

	var batch notificationBatch
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var (
		accounts []string
		seen     = make(map[string]bool)
		deferred []subscription.Notification
		rejected int
	)
	for _, n := range batch.Value {
		accountID, err := s.deps.Subscriptions.Authenticate(ctx, n)
		switch {
		case err == nil:
			if !seen[accountID] {
				seen[accountID] = true
				accounts = append(accounts, accountID)
			}
		case errors.Is(err, subscription.ErrInvalidSecret), errors.Is(err, subscription.ErrUnknownSubscription):
			rejected++
		default:
			// lookup failed; retry the whole notification off the request path
			deferred = append(deferred, n)
		}
	}
	if len(batch.Value) > 0 && rejected == len(batch.Value) {
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid client state"})
		return
	}

	c.Status(http.StatusAccepted)

	for _, accountID := range accounts {
		s.dispatch(func(ctx context.Context) {
			if _, err := s.deps.Syncer.QuickSync(ctx, accountID); err != nil {
				s.logger.Warn("notification quick sync failed", "account_id", accountID, "error", err)
			}
		})
	}
	for _, n := range deferred {
		s.dispatch(func(ctx context.Context) {
			if err := s.deps.Subscriptions.HandleNotification(ctx, n); err != nil {
				s.logger.Warn("notification handling failed", "subscription_id", n.SubscriptionID, "error", err)
			}
		})
	}
}

// pushWebhook is the generic push endpoint. The secret is checked before
// responding so a forged call gets 403 and triggers nothing.
func (s *Server) pushWebhook(c *gin.Context) {
	accountID := c.Param("accountID")
	if !s.deps.Subscriptions.ValidateCallback(accountID, c.Query("state")) {
		s.logger.Warn("push with invalid secret rejected", "account_id", accountID)
		c.JSON(http.StatusForbidden, gin.H{"error": "invalid secret"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})

	s.dispatch(func(ctx context.Context) {
		if _, err := s.deps.Syncer.QuickSync(ctx, accountID); err != nil {
			s.logger.Warn("push quick sync failed", "account_id", accountID, "error", err)
		}
	})
}
