package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mail-sync-engine/internal/auth"
	"github.com/Martian-dev/mail-sync-engine/internal/jobs"
	"github.com/Martian-dev/mail-sync-engine/internal/mailsync"
	"github.com/Martian-dev/mail-sync-engine/internal/model"
	"github.com/Martian-dev/mail-sync-engine/internal/store"
	"github.com/Martian-dev/mail-sync-engine/internal/subscription"
)

// Syncer starts sync attempts
type Syncer interface {
	StartInitialSync(ctx context.Context, accountID string, limit int) error
	QuickSync(ctx context.Context, accountID string) (bool, error)
	SyncProvider(ctx context.Context, provider model.ProviderType, mode jobs.Mode) (int, error)
}

// Subscriptions is the push subscription lifecycle
type Subscriptions interface {
	Create(ctx context.Context, accountID string) (string, error)
	Renew(ctx context.Context, accountID string) (bool, error)
	Delete(ctx context.Context, accountID string) (bool, error)
	List(ctx context.Context) ([]subscription.Status, error)
	RenewDue(ctx context.Context, force bool) (subscription.RenewReport, error)
	Cleanup(ctx context.Context) (int, error)
	ValidateCallback(accountID, received string) bool
	Authenticate(ctx context.Context, n subscription.Notification) (string, error)
	HandleNotification(ctx context.Context, n subscription.Notification) error
}

// Accounts is the account persistence the API writes to
type Accounts interface {
	CreateAccount(ctx context.Context, acc *model.Account) error
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context, provider model.ProviderType, activeOnly bool) ([]model.Account, error)
	UpsertOAuthAccount(ctx context.Context, provider model.ProviderType, email, access, refresh string, expiry time.Time) (*model.Account, error)
}

// Credentials covers the OAuth connect flow and the password store
type Credentials interface {
	AuthorizationURL(provider model.ProviderType, state string) (string, error)
	CompleteAuthorization(ctx context.Context, provider model.ProviderType, code string) (*auth.Token, error)
	Secrets() auth.SecretStore
}

// Progress reads sync state records
type Progress interface {
	Get(ctx context.Context, accountID string) (*model.SyncState, error)
}

// Authenticator verifies admin callers
type Authenticator interface {
	OperatorFromRequest(r *http.Request) (*auth.Operator, error)
}

// ProfileFunc resolves the mailbox address behind an OAuth token
type ProfileFunc func(ctx context.Context, provider model.ProviderType, tok *auth.Token) (string, error)

// Deps are the components behind the routes. Admin is optional; without it
// the admin routes are not mounted.
type Deps struct {
	Syncer        Syncer
	Subscriptions Subscriptions
	Accounts      Accounts
	Credentials   Credentials
	Progress      Progress
	Profile       ProfileFunc
	Admin         Authenticator
	Health        func(ctx context.Context) error
}

// Server is the inbound HTTP surface
type Server struct {
	deps   Deps
	state  *stateSigner
	logger *slog.Logger

	// base outlives requests for work dispatched after the response
	base context.Context
	wg   sync.WaitGroup
}

// New builds the server. Asynchronous push work runs under base.
func New(base context.Context, deps Deps, stateKey string, logger *slog.Logger) *Server {
	return &Server{
		deps:   deps,
		state:  newStateSigner(stateKey, 10*time.Minute),
		logger: logger.With("component", "http"),
		base:   base,
	}
}

// Router mounts every route
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", s.health)

	r.POST("/webhooks/outlook", s.outlookWebhook)
	r.POST("/webhooks/push/:accountID", s.pushWebhook)

	r.GET("/oauth/:provider/start", s.oauthStart)
	r.GET("/oauth/:provider/callback", s.oauthCallback)

	if s.deps.Admin == nil {
		s.logger.Warn("admin routes disabled, no verifier configured")
		return r
	}

	admin := r.Group("/admin")
	admin.Use(s.authMiddleware())
	admin.GET("/accounts", s.listAccounts)
	admin.POST("/accounts/imap", s.connectIMAP)
	admin.POST("/accounts/:accountID/sync", s.syncAccount)
	admin.GET("/accounts/:accountID/status", s.accountStatus)
	admin.POST("/providers/:provider/sync", s.syncProvider)

	admin.GET("/subscriptions", s.listSubscriptions)
	admin.POST("/subscriptions/renew", s.renewSubscriptions)
	admin.POST("/subscriptions/cleanup", s.cleanupSubscriptions)
	admin.POST("/subscriptions/:accountID", s.createSubscription)
	admin.POST("/subscriptions/:accountID/renew", s.renewSubscription)
	admin.DELETE("/subscriptions/:accountID", s.deleteSubscription)
	return r
}

// Wait blocks until dispatched push work has finished
func (s *Server) Wait() {
	s.wg.Wait()
}

// dispatch runs fn after the response is written
func (s *Server) dispatch(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.base, time.Minute)
		defer cancel()
		fn(ctx)
	}()
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		op, err := s.deps.Admin.OperatorFromRequest(c.Request)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set("operator", op)
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	if s.deps.Health != nil {
		if err := s.deps.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// writeError maps domain errors onto status codes
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, mailsync.ErrAccountInactive):
		status = http.StatusConflict
	case errors.Is(err, subscription.ErrUnsupported), errors.Is(err, subscription.ErrNoCallbackURL):
		status = http.StatusBadRequest
	case errors.Is(err, auth.ErrProviderUnsupported):
		status = http.StatusNotFound
	case auth.IsAuthError(err):
		status = http.StatusUnauthorized
	case mailsync.IsTransient(err):
		status = http.StatusBadGateway
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}
