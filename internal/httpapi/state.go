package httpapi

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/Martian-dev/mail-sync-engine/internal/model"
)

var errStateMismatch = errors.New("oauth state issued for another provider")

// stateSigner issues the OAuth state parameter as a short-lived HS256 token
// bound to the provider
type stateSigner struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func newStateSigner(key string, ttl time.Duration) *stateSigner {
	return &stateSigner{key: []byte("oauth-state:" + key), ttl: ttl, now: time.Now}
}

func (s *stateSigner) Issue(provider model.ProviderType) (string, error) {
	now := s.now()
	tok, err := jwt.NewBuilder().
		JwtID(uuid.NewString()).
		Subject(string(provider)).
		IssuedAt(now).
		Expiration(now.Add(s.ttl)).
		Build()
	if err != nil {
		return "", fmt.Errorf("build state: %w", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, s.key))
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return string(signed), nil
}

func (s *stateSigner) Verify(state string, provider model.ProviderType) error {
	tok, err := jwt.ParseString(state,
		jwt.WithKey(jwa.HS256, s.key),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(s.now)),
	)
	if err != nil {
		return fmt.Errorf("invalid oauth state: %w", err)
	}
	if tok.Subject() != string(provider) {
		return errStateMismatch
	}
	return nil
}
