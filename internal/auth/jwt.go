package auth

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Operator is the caller of the admin surface, taken from a verified JWT
type Operator struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// JWTVerifier verifies admin bearer tokens against a cached JWKS
type JWTVerifier struct {
	jwksURL    string
	audience   string
	roles      []string
	cache      *jwk.Cache
	refreshTTL time.Duration

	mu        sync.RWMutex
	keySet    jwk.Set
	lastFetch time.Time
}

// NewJWTVerifier registers the JWKS URL and warms the key cache. Keys are
// refreshed in the background until ctx is done.
// When roles is non-empty the token's "role" claim must be one of them.
func NewJWTVerifier(ctx context.Context, jwksURL, audience string, roles ...string) (*JWTVerifier, error) {
	v := &JWTVerifier{
		jwksURL:    jwksURL,
		audience:   audience,
		roles:      roles,
		refreshTTL: 5 * time.Minute,
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(v.refreshTTL)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.cache = cache

	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	keySet, err := v.fetchKeySet(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}
	v.keySet = keySet
	v.lastFetch = time.Now()

	go v.backgroundRefresh(ctx)
	return v, nil
}

func (v *JWTVerifier) fetchKeySet(ctx context.Context) (jwk.Set, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		// Fallback to direct fetch if cache fails
		return jwk.Fetch(ctx, v.jwksURL)
	}
	return keySet, nil
}

func (v *JWTVerifier) backgroundRefresh(ctx context.Context) {
	ticker := time.NewTicker(v.refreshTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		keySet, err := v.fetchKeySet(fetchCtx)
		cancel()
		if err != nil {
			// keep the previous set; retry on next tick
			continue
		}
		v.mu.Lock()
		v.keySet = keySet
		v.lastFetch = time.Now()
		v.mu.Unlock()
	}
}

func (v *JWTVerifier) getKeySet() jwk.Set {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.keySet
}

// OperatorFromRequest validates the bearer token of r
func (v *JWTVerifier) OperatorFromRequest(r *http.Request) (*Operator, error) {
	opts := []jwt.ParseOption{
		jwt.WithKeySet(v.getKeySet()),
		jwt.WithValidate(true),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}
	token, err := jwt.ParseRequest(r, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JWT: %w", err)
	}

	if token.Subject() == "" {
		return nil, fmt.Errorf("token missing subject")
	}
	if len(v.roles) > 0 {
		role, _ := claimString(token, "role")
		if !slices.Contains(v.roles, role) {
			return nil, fmt.Errorf("role %q not allowed", role)
		}
	}

	op := &Operator{ID: token.Subject()}
	op.Email, _ = claimString(token, "email")
	op.Name, _ = claimString(token, "name")
	return op, nil
}

// LastFetch returns when the key set was last refreshed
func (v *JWTVerifier) LastFetch() time.Time {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.lastFetch
}

func claimString(token jwt.Token, name string) (string, bool) {
	raw, ok := token.Get(name)
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}
