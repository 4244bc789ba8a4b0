package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"streamhub/internal/core"
)

// CredentialsProvider yields the stored refresh token for a user. Credential
// storage itself lives outside this core.
type CredentialsProvider interface {
	RefreshToken(ctx context.Context, user core.UserID) (string, error)
}

type cachedToken struct {
	access    string
	expiresAt time.Time
}

// OAuthTokenSource exchanges refresh tokens for access tokens and caches them
// per user until shortly before expiry.
type OAuthTokenSource struct {
	tokenURL     string
	clientID     string
	clientSecret string
	creds        CredentialsProvider
	client       *http.Client

	mu    sync.Mutex
	cache map[core.UserID]cachedToken
}

// NewOAuthTokenSource creates a token source against the provider's token endpoint.
func NewOAuthTokenSource(tokenURL, clientID, clientSecret string, creds CredentialsProvider) *OAuthTokenSource {
	return &OAuthTokenSource{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		creds:        creds,
		client:       &http.Client{Timeout: 10 * time.Second},
		cache:        make(map[core.UserID]cachedToken),
	}
}

// Token returns a cached access token or refreshes when missing/expiring.
func (s *OAuthTokenSource) Token(ctx context.Context, user core.UserID) (string, error) {
	s.mu.Lock()
	tok, ok := s.cache[user]
	s.mu.Unlock()
	if ok && time.Until(tok.expiresAt) > 30*time.Second {
		return tok.access, nil
	}
	return s.Refresh(ctx, user)
}

// Refresh forces a token exchange and replaces the cached entry.
func (s *OAuthTokenSource) Refresh(ctx context.Context, user core.UserID) (string, error) {
	refresh, err := s.creds.RefreshToken(ctx, user)
	if err != nil {
		return "", fmt.Errorf("load refresh token: %w", err)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
		"client_id":     {s.clientID},
		"client_secret": {s.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token exchange failed: status=%d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if body.AccessToken == "" {
		return "", fmt.Errorf("token exchange returned empty access token")
	}

	expiresIn := time.Duration(body.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = 15 * time.Minute
	}

	s.mu.Lock()
	s.cache[user] = cachedToken{access: body.AccessToken, expiresAt: time.Now().Add(expiresIn)}
	s.mu.Unlock()

	return body.AccessToken, nil
}

// StaticTokenSource returns a fixed token; used by tests and local tooling.
type StaticTokenSource struct {
	Value string
}

func (s StaticTokenSource) Token(ctx context.Context, user core.UserID) (string, error) {
	return s.Value, nil
}

func (s StaticTokenSource) Refresh(ctx context.Context, user core.UserID) (string, error) {
	return s.Value, nil
}
