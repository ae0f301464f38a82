package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Martian-dev/mail-sync-engine/internal/auth"
	"github.com/Martian-dev/mail-sync-engine/internal/jobs"
	"github.com/Martian-dev/mail-sync-engine/internal/model"
)

// accountView is an account without credentials
type accountView struct {
	ID                 string     `json:"id"`
	Email              string     `json:"email"`
	Provider           string     `json:"provider"`
	Host               string     `json:"host,omitempty"`
	IsActive           bool       `json:"is_active"`
	LastSyncAt         *time.Time `json:"last_sync_at,omitempty"`
	DeactivationReason string     `json:"deactivation_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

func viewOf(acc *model.Account) accountView {
	return accountView{
		ID:                 acc.ID,
		Email:              acc.Email,
		Provider:           acc.Provider.Name(),
		Host:               acc.Host,
		IsActive:           acc.IsActive,
		LastSyncAt:         acc.LastSyncAt,
		DeactivationReason: acc.DeactivationReason,
		CreatedAt:          acc.CreatedAt,
	}
}

type imapAccountRequest struct {
	Email    string `json:"email" binding:"required"`
	Host     string `json:"host" binding:"required"`
	Port     int    `json:"port"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) listAccounts(c *gin.Context) {
	var provider model.ProviderType
	if p := c.Query("provider"); p != "" {
		var err error
		if provider, err = model.ParseProvider(p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	accounts, err := s.deps.Accounts.ListAccounts(c.Request.Context(), provider, parseBool(c.Query("active")))
	if err != nil {
		s.writeError(c, err)
		return
	}
	out := make([]accountView, 0, len(accounts))
	for i := range accounts {
		out = append(out, viewOf(&accounts[i]))
	}
	c.JSON(http.StatusOK, out)
}

// connectIMAP registers a static-credential mailbox. The password goes to
// the secret store; the row only keeps its key.
func (s *Server) connectIMAP(c *gin.Context) {
	var req imapAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	acc := &model.Account{
		ID:       uuid.NewString(),
		Email:    req.Email,
		Provider: model.ProviderStateful,
		Host:     req.Host,
		Port:     req.Port,
		Username: req.Username,
	}
	acc.SecretRef = auth.SecretKey(acc.ID)

	secrets := s.deps.Credentials.Secrets()
	if err := secrets.Set(acc.SecretRef, req.Password); err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.deps.Accounts.CreateAccount(ctx, acc); err != nil {
		if derr := secrets.Delete(acc.SecretRef); derr != nil && !errors.Is(derr, auth.ErrSecretNotFound) {
			s.logger.Warn("failed to drop orphaned secret", "account_id", acc.ID, "error", derr)
		}
		s.writeError(c, err)
		return
	}

	if err := s.deps.Syncer.StartInitialSync(ctx, acc.ID, 0); err != nil {
		s.logger.Warn("initial sync not started", "account_id", acc.ID, "error", err)
	}
	s.logger.Info("imap account connected", "account_id", acc.ID, "host", acc.Host)
	c.JSON(http.StatusCreated, viewOf(acc))
}

func (s *Server) syncAccount(c *gin.Context) {
	accountID := c.Param("accountID")
	ctx := c.Request.Context()

	switch jobs.Mode(c.DefaultQuery("mode", string(jobs.ModeQuick))) {
	case jobs.ModeInitial:
		limit, _ := strconv.Atoi(c.Query("limit"))
		if err := s.deps.Syncer.StartInitialSync(ctx, accountID, limit); err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"account_id": accountID, "mode": jobs.ModeInitial, "started": true})
	case jobs.ModeQuick:
		started, err := s.deps.Syncer.QuickSync(ctx, accountID)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"account_id": accountID, "mode": jobs.ModeQuick, "started": started})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be initial or quick"})
	}
}

func (s *Server) syncProvider(c *gin.Context) {
	provider, err := model.ParseProvider(c.Param("provider"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mode := jobs.Mode(c.DefaultQuery("mode", string(jobs.ModeQuick)))
	if mode != jobs.ModeInitial && mode != jobs.ModeQuick {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be initial or quick"})
		return
	}

	n, err := s.deps.Syncer.SyncProvider(c.Request.Context(), provider, mode)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"provider": provider.Name(), "mode": mode, "scheduled": n})
}

func (s *Server) accountStatus(c *gin.Context) {
	ctx := c.Request.Context()
	acc, err := s.deps.Accounts.GetAccount(ctx, c.Param("accountID"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	state, err := s.deps.Progress.Get(ctx, acc.ID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": viewOf(acc), "sync": state})
}

func (s *Server) listSubscriptions(c *gin.Context) {
	statuses, err := s.deps.Subscriptions.List(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, statuses)
}

func (s *Server) createSubscription(c *gin.Context) {
	id, err := s.deps.Subscriptions.Create(c.Request.Context(), c.Param("accountID"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription_id": id})
}

func (s *Server) renewSubscription(c *gin.Context) {
	renewed, err := s.deps.Subscriptions.Renew(c.Request.Context(), c.Param("accountID"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"renewed": renewed})
}

func (s *Server) renewSubscriptions(c *gin.Context) {
	report, err := s.deps.Subscriptions.RenewDue(c.Request.Context(), parseBool(c.Query("force")))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) deleteSubscription(c *gin.Context) {
	deleted, err := s.deps.Subscriptions.Delete(c.Request.Context(), c.Param("accountID"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}

func (s *Server) cleanupSubscriptions(c *gin.Context) {
	removed, err := s.deps.Subscriptions.Cleanup(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}
