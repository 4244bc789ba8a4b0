// Package notify implements outbound notification fan-out. Delivery is
// fire-and-forget: failures are logged, never propagated back into the
// evaluation engines.
package notify

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"streamhub/internal/core"
	"streamhub/pkg/concurrency"
	"streamhub/pkg/telemetry"
)

// Payload types pushed to owners.
const (
	TypePriceAlert = "price-alert"
	TypeLossAlert  = "loss_alert"
)

// EmailMessage is the optional transactional email part of a notification.
type EmailMessage struct {
	Subject string
	Body    string
}

// Notification is one outbound event for an owner.
type Notification struct {
	Owner core.UserID
	Type  string
	Data  interface{}
	// Email is set only when the owner opted in.
	Email *EmailMessage
}

// Channel delivers a notification over one transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Notifier fans notifications out to all channels through a worker pool.
type Notifier struct {
	mu       sync.RWMutex
	channels []Channel
	pool     *concurrency.WorkerPool
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder
}

// NewNotifier creates a notifier with the given dispatch pool size.
func NewNotifier(workers int, logger core.ILogger) *Notifier {
	return &Notifier{
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "notify",
			MaxWorkers:  workers,
			MaxCapacity: 1024,
			NonBlocking: true,
		}, logger),
		logger:  logger.WithField("component", "notifier"),
		metrics: telemetry.GetGlobalMetrics(),
	}
}

// AddChannel registers a delivery channel.
func (n *Notifier) AddChannel(ch Channel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels = append(n.channels, ch)
	n.logger.Info("Added notification channel", "name", ch.Name())
}

// Notify dispatches asynchronously to every channel. Never blocks the caller.
func (n *Notifier) Notify(notification Notification) {
	n.mu.RLock()
	channels := make([]Channel, len(n.channels))
	copy(channels, n.channels)
	n.mu.RUnlock()

	for _, ch := range channels {
		c := ch
		accepted := n.pool.TrySubmit(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.Send(ctx, notification); err != nil {
				n.logger.Error("Failed to send notification",
					"channel", c.Name(), "type", notification.Type, "owner", notification.Owner, "error", err)
				return
			}
			telemetry.AddCounter(ctx, n.metrics.NotifySentTotal, 1,
				attribute.String("channel", c.Name()),
				attribute.String("type", notification.Type))
		})
		if !accepted {
			n.logger.Warn("Notification queue full, dropping",
				"channel", c.Name(), "type", notification.Type, "owner", notification.Owner)
		}
	}
}

// Close drains in-flight deliveries.
func (n *Notifier) Close() {
	n.pool.StopAndWait()
}
