package bootstrap

import (
	"context"
	"fmt"

	"streamhub/internal/core"
)

// staticCredentials serves the single deployment-wide refresh token. A
// multi-tenant deployment swaps this for a credential store.
type staticCredentials struct {
	token string
}

func (s staticCredentials) RefreshToken(ctx context.Context, user core.UserID) (string, error) {
	if s.token == "" {
		return "", fmt.Errorf("no refresh token configured")
	}
	return s.token, nil
}

// addressBook resolves owner email addresses from the config file.
type addressBook struct {
	addresses map[int64]string
}

func (a addressBook) EmailFor(ctx context.Context, user core.UserID) (string, error) {
	addr, ok := a.addresses[int64(user)]
	if !ok {
		return "", fmt.Errorf("no email address for user %d", user)
	}
	return addr, nil
}
