package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"streamhub/internal/core"
)

// AddressBook resolves an owner to their email address. Account/profile
// storage lives outside this core.
type AddressBook interface {
	EmailFor(ctx context.Context, user core.UserID) (string, error)
}

// EmailChannel sends transactional email through an HTTP delivery API. It
// only acts on notifications that carry an email part (owner opted in).
type EmailChannel struct {
	apiURL    string
	apiKey    string
	from      string
	addresses AddressBook
	client    *http.Client
}

// NewEmailChannel creates the transactional email channel.
func NewEmailChannel(apiURL, apiKey, from string, addresses AddressBook) *EmailChannel {
	return &EmailChannel{
		apiURL:    apiURL,
		apiKey:    apiKey,
		from:      from,
		addresses: addresses,
		client:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (e *EmailChannel) Name() string { return "email" }

func (e *EmailChannel) Send(ctx context.Context, n Notification) error {
	if n.Email == nil || e.apiURL == "" {
		return nil
	}

	to, err := e.addresses.EmailFor(ctx, n.Owner)
	if err != nil {
		return fmt.Errorf("failed to resolve address: %w", err)
	}

	payload := map[string]interface{}{
		"from":    e.from,
		"to":      to,
		"subject": n.Email.Subject,
		"text":    n.Email.Body,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.apiURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("email delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("email delivery failed: status=%d", resp.StatusCode)
	}
	return nil
}
