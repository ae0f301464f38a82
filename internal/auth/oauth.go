package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"
	"google.golang.org/api/gmail/v1"
)

// OAuthClient is the provider side of the authorization code flow
type OAuthClient interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// ConfigClient implements OAuthClient over an oauth2.Config
type ConfigClient struct {
	Config *oauth2.Config
}

// NewGoogleClient builds the Gmail OAuth client
func NewGoogleClient(clientID, clientSecret, redirectURL string) *ConfigClient {
	return &ConfigClient{Config: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes: []string{
			gmail.GmailReadonlyScope,
			gmail.GmailSendScope,
			gmail.GmailComposeScope,
		},
		Endpoint: google.Endpoint,
	}}
}

// NewMicrosoftClient builds the Graph OAuth client
func NewMicrosoftClient(clientID, clientSecret, tenant, redirectURL string) *ConfigClient {
	return &ConfigClient{Config: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes: []string{
			"offline_access",
			"User.Read",
			"Mail.ReadWrite",
			"Mail.Send",
		},
		Endpoint: microsoft.AzureADEndpoint(tenant),
	}}
}

// AuthCodeURL returns the consent URL, always asking for a refresh token
func (c *ConfigClient) AuthCodeURL(state string) string {
	return c.Config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange exchanges an authorization code for tokens
func (c *ConfigClient) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := c.Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	return tok, nil
}

// Refresh redeems the refresh token for a new access token
func (c *ConfigClient) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	// An empty access token forces the source to hit the token endpoint
	src := c.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	return tok, nil
}

// rejected reports whether the token endpoint refused the grant, as opposed
// to being unreachable
func rejected(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		code := re.Response.StatusCode
		return code == http.StatusBadRequest || code == http.StatusUnauthorized || code == http.StatusForbidden
	}
	return false
}

func retrieveStatus(err error) int {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return re.Response.StatusCode
	}
	return 0
}
