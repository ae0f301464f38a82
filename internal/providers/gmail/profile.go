package gmail

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// ProfileEmail returns the address of the mailbox an access token belongs to
func ProfileEmail(ctx context.Context, accessToken string, opts ...option.ClientOption) (string, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	svc, err := gmail.NewService(ctx, append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)...)
	if err != nil {
		return "", fmt.Errorf("failed to create Gmail service: %w", err)
	}
	profile, err := svc.Users.GetProfile(user).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to load Gmail profile: %w", err)
	}
	return profile.EmailAddress, nil
}
