package outlook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
)

// staticTokenCredential serves one access token obtained from a code
// exchange, before any account exists
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(context.Context, policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: c.token, ExpiresOn: c.expiry}, nil
}

// ProfileEmail returns the mailbox address of the signed-in user
func ProfileEmail(ctx context.Context, accessToken string, expiry time.Time) (string, error) {
	if expiry.IsZero() {
		expiry = time.Now().Add(time.Hour)
	}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(&staticTokenCredential{token: accessToken, expiry: expiry}, []string{})
	if err != nil {
		return "", fmt.Errorf("failed to create Graph client: %w", err)
	}

	me, err := client.Me().Get(ctx, &users.UserItemRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.UserItemRequestBuilderGetQueryParameters{
			Select: []string{"mail", "userPrincipalName"},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to load Graph profile: %w", err)
	}
	if email := deref(me.GetMail()); email != "" {
		return email, nil
	}
	if upn := deref(me.GetUserPrincipalName()); upn != "" {
		return upn, nil
	}
	return "", errors.New("graph profile has no mail address")
}
