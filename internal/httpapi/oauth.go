package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mail-sync-engine/internal/model"
	"github.com/Martian-dev/mail-sync-engine/internal/subscription"
)

func oauthProvider(c *gin.Context) (model.ProviderType, bool) {
	provider, err := model.ParseProvider(c.Param("provider"))
	if err != nil || !provider.UsesOAuth() {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown oauth provider"})
		return "", false
	}
	return provider, true
}

func (s *Server) oauthStart(c *gin.Context) {
	provider, ok := oauthProvider(c)
	if !ok {
		return
	}

	state, err := s.state.Issue(provider)
	if err != nil {
		s.writeError(c, err)
		return
	}
	url, err := s.deps.Credentials.AuthorizationURL(provider, state)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Redirect(http.StatusFound, url)
}

// oauthCallback completes the connect flow: exchange the code, create or
// reconnect the account, subscribe when supported, then start the initial
// sync
func (s *Server) oauthCallback(c *gin.Context) {
	provider, ok := oauthProvider(c)
	if !ok {
		return
	}
	if e := c.Query("error"); e != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": e, "description": c.Query("error_description")})
		return
	}
	if err := s.state.Verify(c.Query("state"), provider); err != nil {
		s.logger.Warn("oauth callback with bad state", "provider", provider.Name(), "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid state"})
		return
	}
	code := c.Query("code")
	if code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing code"})
		return
	}

	ctx := c.Request.Context()
	tok, err := s.deps.Credentials.CompleteAuthorization(ctx, provider, code)
	if err != nil {
		s.writeError(c, err)
		return
	}
	email, err := s.deps.Profile(ctx, provider, tok)
	if err != nil {
		s.logger.Error("profile lookup failed", "provider", provider.Name(), "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to read mailbox profile"})
		return
	}
	acc, err := s.deps.Accounts.UpsertOAuthAccount(ctx, provider, email, tok.AccessToken, tok.RefreshToken, tok.Expiry)
	if err != nil {
		s.writeError(c, err)
		return
	}
	log := s.logger.With("account_id", acc.ID, "provider", provider.Name())

	subID, err := s.deps.Subscriptions.Create(ctx, acc.ID)
	switch {
	case err == nil:
	case errors.Is(err, subscription.ErrUnsupported), errors.Is(err, subscription.ErrNoCallbackURL):
		log.Debug("no push subscription for account", "reason", err)
	default:
		log.Warn("subscription create failed, relying on polling", "error", err)
	}

	if err := s.deps.Syncer.StartInitialSync(ctx, acc.ID, 0); err != nil {
		log.Warn("initial sync not started", "error", err)
	}

	log.Info("account connected", "email", acc.Email)
	c.JSON(http.StatusOK, gin.H{
		"account_id":      acc.ID,
		"email":           acc.Email,
		"provider":        provider.Name(),
		"subscription_id": subID,
	})
}
