package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"streamhub/internal/core"
)

// Pusher is the per-user push surface; the live server hub implements it.
type Pusher interface {
	PushToUser(user core.UserID, messageType string, data json.RawMessage) bool
}

// PushChannel delivers notifications to the owner's connected clients.
type PushChannel struct {
	pusher Pusher
}

// NewPushChannel wraps a push surface as a notification channel.
func NewPushChannel(pusher Pusher) *PushChannel {
	return &PushChannel{pusher: pusher}
}

func (p *PushChannel) Name() string { return "push" }

func (p *PushChannel) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal push payload: %w", err)
	}
	// No connected client is not a failure; push is best-effort.
	p.pusher.PushToUser(n.Owner, n.Type, data)
	return nil
}
