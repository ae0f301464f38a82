package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/Martian-dev/mail-sync-engine/internal/model"
)

// AccountStore is the slice of persistence the credential manager needs
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	UpdateTokens(ctx context.Context, id, access, refresh string, expiry time.Time) error
}

// Manager owns per-account credential state and performs early refresh.
// Refreshes for one account are serialized.
type Manager struct {
	store   AccountStore
	secrets SecretStore
	clients map[model.ProviderType]OAuthClient
	buffer  time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a credential manager. buffer is the safety margin
// before expiry inside which a token is refreshed.
func NewManager(store AccountStore, secrets SecretStore, buffer time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		store:   store,
		secrets: secrets,
		clients: make(map[model.ProviderType]OAuthClient),
		buffer:  buffer,
		logger:  logger.With("component", "credentials"),
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
}

// RegisterClient sets the OAuth client for a provider type
func (m *Manager) RegisterClient(provider model.ProviderType, client OAuthClient) {
	m.clients[provider] = client
}

// Secrets exposes the static secret store
func (m *Manager) Secrets() SecretStore {
	return m.secrets
}

// IsAuthenticated reports whether the account holds usable credentials
func (m *Manager) IsAuthenticated(ctx context.Context, acc *model.Account) bool {
	if !acc.Provider.UsesOAuth() {
		if acc.Username == "" || acc.SecretRef == "" || m.secrets == nil {
			return false
		}
		_, err := m.secrets.Get(acc.SecretRef)
		return err == nil
	}
	if acc.RefreshToken != "" {
		return true
	}
	return acc.AccessToken != "" && acc.TokenExpiry != nil && m.now().Before(*acc.TokenExpiry)
}

// EnsureFreshToken returns a token valid for at least the safety buffer,
// refreshing synchronously when needed
func (m *Manager) EnsureFreshToken(ctx context.Context, accountID string) (*Token, error) {
	acc, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if !acc.Provider.UsesOAuth() {
		return m.staticToken(acc)
	}

	if tok := tokenOf(acc); tok.AccessToken != "" && !tok.ExpiresWithin(m.now(), m.buffer) {
		return tok, nil
	}
	return m.refresh(ctx, accountID, false)
}

// Refresh forces a refresh, e.g. after the provider rejected a token early
func (m *Manager) Refresh(ctx context.Context, accountID string) (*Token, error) {
	return m.refresh(ctx, accountID, true)
}

func (m *Manager) refresh(ctx context.Context, accountID string, force bool) (*Token, error) {
	lock := m.lockFor(accountID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock: a concurrent caller may have refreshed already
	acc, err := m.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if !acc.Provider.UsesOAuth() {
		return m.staticToken(acc)
	}
	current := tokenOf(acc)
	if !force && current.AccessToken != "" && !current.ExpiresWithin(m.now(), m.buffer) {
		return current, nil
	}

	log := m.logger.With("account_id", acc.ID, "provider", acc.Provider.Name())
	if acc.RefreshToken == "" {
		log.Warn("token refresh", "outcome", "no_refresh_token")
		return nil, &AuthError{AccountID: acc.ID, Provider: acc.Provider, Op: "refresh", Err: ErrNoCredentials}
	}
	client, ok := m.clients[acc.Provider]
	if !ok {
		log.Error("token refresh", "outcome", "no_client")
		return nil, &AuthError{AccountID: acc.ID, Provider: acc.Provider, Op: "refresh", Err: ErrProviderUnsupported}
	}

	fresh, err := client.Refresh(ctx, acc.RefreshToken)
	if err != nil {
		if rejected(err) {
			log.Warn("token refresh", "outcome", "rejected", "error", err)
			return nil, &AuthError{AccountID: acc.ID, Provider: acc.Provider, Op: "refresh", Err: err}
		}
		log.Warn("token refresh", "outcome", "unreachable", "error", err)
		return nil, &RefreshUnavailableError{AccountID: acc.ID, Provider: acc.Provider, StatusCode: retrieveStatus(err), Err: err}
	}

	// Providers may omit the refresh token; keep the stored one then
	newRefresh := fresh.RefreshToken
	if err := m.store.UpdateTokens(ctx, acc.ID, fresh.AccessToken, newRefresh, fresh.Expiry); err != nil {
		log.Error("token refresh", "outcome", "persist_failed", "error", err)
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}
	if newRefresh == "" {
		newRefresh = acc.RefreshToken
	}

	log.Info("token refresh", "outcome", "ok", "expires_at", fresh.Expiry)
	return &Token{AccessToken: fresh.AccessToken, RefreshToken: newRefresh, Expiry: fresh.Expiry}, nil
}

// AuthorizationURL returns the consent URL for a provider
func (m *Manager) AuthorizationURL(provider model.ProviderType, state string) (string, error) {
	client, ok := m.clients[provider]
	if !ok {
		return "", ErrProviderUnsupported
	}
	return client.AuthCodeURL(state), nil
}

// CompleteAuthorization exchanges the callback code for tokens
func (m *Manager) CompleteAuthorization(ctx context.Context, provider model.ProviderType, code string) (*Token, error) {
	client, ok := m.clients[provider]
	if !ok {
		return nil, ErrProviderUnsupported
	}
	tok, err := client.Exchange(ctx, code)
	if err != nil {
		m.logger.Warn("authorization exchange failed", "provider", provider.Name(), "error", err)
		return nil, &AuthError{Provider: provider, Op: "exchange", Err: err}
	}
	m.logger.Info("authorization completed", "provider", provider.Name())
	return &Token{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}, nil
}

// TokenSource binds the manager to one account for adapters
func (m *Manager) TokenSource(accountID string) *AccountTokenSource {
	return &AccountTokenSource{manager: m, accountID: accountID}
}

func (m *Manager) staticToken(acc *model.Account) (*Token, error) {
	if acc.Username == "" || acc.SecretRef == "" || m.secrets == nil {
		return nil, &AuthError{AccountID: acc.ID, Provider: acc.Provider, Op: "login", Err: ErrNoCredentials}
	}
	password, err := m.secrets.Get(acc.SecretRef)
	if err != nil {
		if errors.Is(err, ErrSecretNotFound) {
			return nil, &AuthError{AccountID: acc.ID, Provider: acc.Provider, Op: "login", Err: err}
		}
		return nil, fmt.Errorf("read secret: %w", err)
	}
	return &Token{Username: acc.Username, Password: password}, nil
}

func (m *Manager) lockFor(accountID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[accountID] = l
	}
	return l
}

func tokenOf(acc *model.Account) *Token {
	tok := &Token{AccessToken: acc.AccessToken, RefreshToken: acc.RefreshToken}
	if acc.TokenExpiry != nil {
		tok.Expiry = *acc.TokenExpiry
	} else if acc.AccessToken != "" {
		// Unknown expiry: treat as already expired so it gets refreshed
		tok.Expiry = time.Unix(1, 0)
	}
	return tok
}

// AccountTokenSource hands fresh credentials for one account to an adapter
type AccountTokenSource struct {
	manager   *Manager
	accountID string
}

// AccountID returns the bound account
func (s *AccountTokenSource) AccountID() string {
	return s.accountID
}

// Fresh returns a token valid past the safety buffer
func (s *AccountTokenSource) Fresh(ctx context.Context) (*Token, error) {
	return s.manager.EnsureFreshToken(ctx, s.accountID)
}

// ForceRefresh refreshes regardless of the recorded expiry
func (s *AccountTokenSource) ForceRefresh(ctx context.Context) (*Token, error) {
	return s.manager.Refresh(ctx, s.accountID)
}

// OAuth2 adapts the source to oauth2.TokenSource for SDK HTTP clients
func (s *AccountTokenSource) OAuth2(ctx context.Context) oauth2.TokenSource {
	return oauth2TokenSource{ctx: ctx, src: s}
}

type oauth2TokenSource struct {
	ctx context.Context
	src *AccountTokenSource
}

func (o oauth2TokenSource) Token() (*oauth2.Token, error) {
	tok, err := o.src.Fresh(o.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{AccessToken: tok.AccessToken, TokenType: "Bearer", Expiry: tok.Expiry}, nil
}
