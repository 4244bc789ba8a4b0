// Package storage defines the persistence entities and repository interfaces
// for the stream core, with SQLite and Postgres implementations. All access
// is through parameterized queries.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"streamhub/internal/core"
)

// Alert condition kinds. cross_above/cross_below are accepted and evaluated
// the same as above/below; no previous-price memory is kept.
const (
	CondAbove      = "above"
	CondBelow      = "below"
	CondCrossAbove = "cross_above"
	CondCrossBelow = "cross_below"
)

// Loss-limit kinds.
const (
	LimitDaily       = "daily"
	LimitPerPosition = "per-position"
)

// Alert is a user-defined price alert.
type Alert struct {
	ID          int64
	Owner       core.UserID
	Symbol      string
	Condition   string
	Level       decimal.Decimal
	Timeframe   string
	Active      bool
	TriggeredAt *time.Time
}

// TriggerLogEntry is one append-only record of an alert firing.
type TriggerLogEntry struct {
	ID          string
	AlertID     int64
	Owner       core.UserID
	Symbol      string
	Price       decimal.Decimal
	TriggeredAt time.Time
}

// LossLimitLock is a per-account loss threshold. Expiry only gates the
// owner's ability to change or remove the lock; monitoring continues past it.
type LossLimitLock struct {
	Owner     core.UserID
	AccountID string
	Kind      string
	Threshold decimal.Decimal
	ExpiresAt time.Time
}

// LossAlertEvent records one triggered position-loss alert.
type LossAlertEvent struct {
	ID             string
	Owner          core.UserID
	AccountID      string
	Kind           string
	Threshold      decimal.Decimal
	Loss           decimal.Decimal
	PositionID     string
	Snapshot       json.RawMessage
	DetectedAt     time.Time
	AcknowledgedAt *time.Time
	UserAction     string
}

// AccountSettings is the per-account monitoring configuration.
type AccountSettings struct {
	Owner             core.UserID
	AccountID         string
	Paper             bool
	MonitoringEnabled bool
	EmailOptIn        bool
}

// AlertStore persists price alerts and their trigger logs.
type AlertStore interface {
	ListActiveAlerts(ctx context.Context) ([]Alert, error)
	UpsertAlert(ctx context.Context, a Alert) (int64, error)
	DeleteAlert(ctx context.Context, id int64) error
	// DeactivateAlert marks the alert inactive with its trigger time; called
	// synchronously on trigger so a restart cannot re-fire it.
	DeactivateAlert(ctx context.Context, id int64, at time.Time) error
	// InsertTriggerLogs writes a batch as a single multi-row insert.
	InsertTriggerLogs(ctx context.Context, entries []TriggerLogEntry) error
}

// LossStore persists loss-limit locks and loss alert events.
type LossStore interface {
	ListLossLimits(ctx context.Context) ([]LossLimitLock, error)
	UpsertLossLimit(ctx context.Context, l LossLimitLock) error
	DeleteLossLimit(ctx context.Context, owner core.UserID, accountID, kind string) error
	InsertLossAlert(ctx context.Context, ev LossAlertEvent) error
	// ListRecentLossAlerts feeds the startup de-dup reconciliation.
	ListRecentLossAlerts(ctx context.Context, since time.Time) ([]LossAlertEvent, error)
}

// AccountStore reads the per-account monitoring configuration.
type AccountStore interface {
	ListAccountSettings(ctx context.Context) ([]AccountSettings, error)
}

// Store is the combined persistence interface.
type Store interface {
	AlertStore
	LossStore
	AccountStore
	Close() error
}
