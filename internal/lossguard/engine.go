// Package lossguard implements position-loss monitoring: per-account loss
// thresholds evaluated against streaming position updates, with at-most-once
// alerting per position.
package lossguard

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"streamhub/internal/background"
	"streamhub/internal/core"
	"streamhub/internal/notify"
	"streamhub/internal/storage"
	"streamhub/pkg/telemetry"
)

// Config holds the engine tunables.
type Config struct {
	ReloadInterval  time.Duration
	ReconcileWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReloadInterval <= 0 {
		c.ReloadInterval = time.Minute
	}
	if c.ReconcileWindow <= 0 {
		c.ReconcileWindow = 24 * time.Hour
	}
}

// Streams is the slice of the background manager the engine drives.
type Streams interface {
	StartStreamsForUser(ctx context.Context, user core.UserID, opts background.StartOptions) error
	StopStreamForUserAccount(user core.UserID, kind core.StreamKind, accountID string)
}

// Store is the persistence the engine needs.
type Store interface {
	storage.LossStore
	storage.AccountStore
}

// Engine evaluates position updates against loss-limit locks.
type Engine struct {
	cfg      Config
	store    Store
	notifier *notify.Notifier
	streams  Streams
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder

	cache *positionCache

	mu        sync.Mutex
	limits    map[string]storage.LossLimitLock   // owner|account
	settings  map[string]storage.AccountSettings // owner|account
	triggered map[string]struct{}                // owner|account|position
	inflight  map[string]struct{}
}

func limitKey(user core.UserID, accountID string) string {
	return fmt.Sprintf("%d|%s", user, accountID)
}

func dedupKey(user core.UserID, accountID, positionID string) string {
	return fmt.Sprintf("%d|%s|%s", user, accountID, positionID)
}

// NewEngine creates the loss engine. Wire HandleEvent onto the background
// manager's bus.
func NewEngine(cfg Config, store Store, notifier *notify.Notifier, streams Streams, logger core.ILogger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:       cfg,
		store:     store,
		notifier:  notifier,
		streams:   streams,
		logger:    logger.WithField("component", "loss_engine"),
		metrics:   telemetry.GetGlobalMetrics(),
		cache:     newPositionCache(),
		limits:    make(map[string]storage.LossLimitLock),
		settings:  make(map[string]storage.AccountSettings),
		triggered: make(map[string]struct{}),
		inflight:  make(map[string]struct{}),
	}
}

// Run reconciles recent alert history, loads the monitored set, then reloads
// on a fixed interval until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.ReconcileRecent(ctx); err != nil {
		e.logger.Error("alert history reconciliation failed", "error", err)
	}
	if err := e.reload(ctx); err != nil {
		e.logger.Error("initial loss limit load failed", "error", err)
	}

	ticker := time.NewTicker(e.cfg.ReloadInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.reload(ctx); err != nil {
				e.logger.Error("loss limit reload failed", "error", err)
			}
		}
	}
}

func (e *Engine) reload(ctx context.Context) error {
	if err := e.LoadLossLimits(ctx); err != nil {
		return err
	}
	return e.LoadMonitoredAccounts(ctx)
}

// LoadLossLimits replaces the in-memory limit set from persistence.
func (e *Engine) LoadLossLimits(ctx context.Context) error {
	limits, err := e.store.ListLossLimits(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.limits = make(map[string]storage.LossLimitLock, len(limits))
	for _, l := range limits {
		e.limits[limitKey(l.Owner, l.AccountID)] = l
	}
	e.mu.Unlock()
	return nil
}

// LoadMonitoredAccounts replaces the settings set and reconciles position
// stream coverage: monitored accounts get an always-on stream, and any
// account dropped from the monitored set gets its own stream stopped, even
// when its owner still has other accounts monitored.
func (e *Engine) LoadMonitoredAccounts(ctx context.Context) error {
	settings, err := e.store.ListAccountSettings(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	previous := e.settings
	e.settings = make(map[string]storage.AccountSettings, len(settings))
	for _, s := range settings {
		e.settings[limitKey(s.Owner, s.AccountID)] = s
	}

	var wanted []storage.AccountSettings
	for _, s := range settings {
		if s.MonitoringEnabled {
			wanted = append(wanted, s)
		}
	}
	var dropped []storage.AccountSettings
	for key, s := range previous {
		if !s.MonitoringEnabled {
			continue
		}
		if now, ok := e.settings[key]; !ok || !now.MonitoringEnabled {
			dropped = append(dropped, s)
		}
	}
	e.mu.Unlock()

	for _, s := range dropped {
		e.streams.StopStreamForUserAccount(s.Owner, core.KindPositions, s.AccountID)
	}
	for _, s := range wanted {
		// Idempotent on the manager side; already-alive streams are untouched.
		err := e.streams.StartStreamsForUser(ctx, s.Owner, background.StartOptions{
			Positions: true,
			AccountID: s.AccountID,
			Paper:     s.Paper,
		})
		if err != nil {
			e.logger.Error("failed to start position coverage",
				"owner", s.Owner, "account", s.AccountID, "error", err)
		}
	}
	return nil
}

// ReconcileRecent seeds the de-dup set from alerts persisted inside the
// reconcile window, so a restart cannot re-fire a recent alert.
func (e *Engine) ReconcileRecent(ctx context.Context) error {
	since := time.Now().Add(-e.cfg.ReconcileWindow)
	recent, err := e.store.ListRecentLossAlerts(ctx, since)
	if err != nil {
		return err
	}

	e.mu.Lock()
	for _, ev := range recent {
		e.triggered[dedupKey(ev.Owner, ev.AccountID, ev.PositionID)] = struct{}{}
	}
	e.mu.Unlock()

	e.logger.Info("loss alert history reconciled", "count", len(recent), "since", since)
	return nil
}

// HandleEvent consumes one bus event. Malformed updates are skipped, never
// fatal to the stream.
func (e *Engine) HandleEvent(ev core.StreamEvent) {
	if ev.Kind != core.KindPositions {
		return
	}
	p, err := core.DecodePosition(ev.Data)
	if err != nil {
		e.logger.Debug("skipping malformed position update", "error", err)
		return
	}
	if p.IsHeartbeat() {
		return
	}

	accountID := p.AccountID
	if accountID == "" {
		accountID = ev.AccountID
	}
	lk := limitKey(ev.User, accountID)
	ck := acctKey(ev.User, accountID, ev.Paper)

	e.mu.Lock()
	s, monitored := e.settings[lk]
	monitored = monitored && s.MonitoringEnabled
	limit, hasLimit := e.limits[lk]
	e.mu.Unlock()

	if !monitored {
		return
	}

	// Quantity zero means the position closed: drop the cache entry and clear
	// the de-dup mark so a re-opened position can alert again.
	if p.Quantity.IsZero() {
		e.cache.evict(ck, p.PositionID)
		e.mu.Lock()
		delete(e.triggered, dedupKey(ev.User, accountID, p.PositionID))
		e.mu.Unlock()
		return
	}

	e.cache.put(ck, p)

	if !hasLimit {
		return
	}
	loss := decimal.Max(decimal.Zero, p.UnrealizedPnL.Neg())
	if loss.LessThan(limit.Threshold) {
		return
	}
	e.trigger(ev.User, accountID, limit, loss, p, s.EmailOptIn)
}

// trigger fires the loss alert at most once per open position. The inflight
// guard closes the window between the threshold check and the de-dup record;
// the persist happens before any notification goes out.
func (e *Engine) trigger(user core.UserID, accountID string, limit storage.LossLimitLock, loss decimal.Decimal, p core.PositionUpdate, emailOptIn bool) {
	dk := dedupKey(user, accountID, p.PositionID)

	e.mu.Lock()
	if _, done := e.triggered[dk]; done {
		e.mu.Unlock()
		return
	}
	if _, busy := e.inflight[dk]; busy {
		e.mu.Unlock()
		return
	}
	e.inflight[dk] = struct{}{}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.inflight, dk)
		e.mu.Unlock()
	}()

	now := time.Now()
	snapshot, err := json.Marshal(p)
	if err != nil {
		snapshot = nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	record := storage.LossAlertEvent{
		ID:         uuid.NewString(),
		Owner:      user,
		AccountID:  accountID,
		Kind:       limit.Kind,
		Threshold:  limit.Threshold,
		Loss:       loss,
		PositionID: p.PositionID,
		Snapshot:   snapshot,
		DetectedAt: now,
	}
	if err := e.store.InsertLossAlert(ctx, record); err != nil {
		// Not recorded means not triggered: the next update gets another try.
		e.logger.Error("failed to persist loss alert", "owner", user, "position", p.PositionID, "error", err)
		return
	}

	e.mu.Lock()
	e.triggered[dk] = struct{}{}
	e.mu.Unlock()

	n := notify.Notification{
		Owner: user,
		Type:  notify.TypeLossAlert,
		Data: map[string]interface{}{
			"accountId":  accountID,
			"positionId": p.PositionID,
			"symbol":     p.Symbol,
			"loss":       loss.String(),
			"threshold":  limit.Threshold.String(),
			"kind":       limit.Kind,
			"at":         now.UTC().Format(time.RFC3339),
		},
	}
	if emailOptIn {
		n.Email = &notify.EmailMessage{
			Subject: fmt.Sprintf("Loss limit reached on account %s", accountID),
			Body: fmt.Sprintf("Position %s (%s) is down %s, past your %s loss limit of %s.",
				p.PositionID, p.Symbol, loss.String(), limit.Kind, limit.Threshold.String()),
		}
	}
	e.notifier.Notify(n)

	telemetry.AddCounter(ctx, e.metrics.LossAlertsTotal, 1,
		attribute.String("kind", limit.Kind))
	e.logger.Info("loss alert triggered",
		"owner", user, "account", accountID, "position", p.PositionID,
		"loss", loss.String(), "threshold", limit.Threshold.String())
}

// SetLossLimit persists and installs a loss-limit lock. An unexpired existing
// lock refuses changes until its expiry passes.
func (e *Engine) SetLossLimit(ctx context.Context, l storage.LossLimitLock) error {
	key := limitKey(l.Owner, l.AccountID)

	e.mu.Lock()
	existing, ok := e.limits[key]
	e.mu.Unlock()
	if ok && time.Now().Before(existing.ExpiresAt) {
		return fmt.Errorf("loss limit for account %s is locked until %s", l.AccountID, existing.ExpiresAt.Format(time.RFC3339))
	}

	if err := e.store.UpsertLossLimit(ctx, l); err != nil {
		return err
	}
	e.mu.Lock()
	e.limits[key] = l
	e.mu.Unlock()
	return nil
}

// RemoveLossLimit deletes a lock, refusing while the lock is unexpired.
func (e *Engine) RemoveLossLimit(ctx context.Context, owner core.UserID, accountID string) error {
	key := limitKey(owner, accountID)

	e.mu.Lock()
	existing, ok := e.limits[key]
	e.mu.Unlock()
	if !ok {
		return nil
	}
	if time.Now().Before(existing.ExpiresAt) {
		return fmt.Errorf("loss limit for account %s is locked until %s", accountID, existing.ExpiresAt.Format(time.RFC3339))
	}

	if err := e.store.DeleteLossLimit(ctx, owner, accountID, existing.Kind); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.limits, key)
	e.mu.Unlock()
	return nil
}

// GetLatestPositions returns the cached positions for one account.
func (e *Engine) GetLatestPositions(user core.UserID, accountID string, paper bool) []core.PositionUpdate {
	return e.cache.snapshot(acctKey(user, accountID, paper))
}

// Stats is the engine's observability snapshot.
type Stats struct {
	Limits          int `json:"limits"`
	MonitoredOwners int `json:"monitored_owners"`
	CachedPositions int `json:"cached_positions"`
	TriggeredMarks  int `json:"triggered_marks"`
}

// GetStats returns current counters. Read-only.
func (e *Engine) GetStats() Stats {
	e.mu.Lock()
	owners := make(map[core.UserID]struct{})
	for _, s := range e.settings {
		if s.MonitoringEnabled {
			owners[s.Owner] = struct{}{}
		}
	}
	st := Stats{
		Limits:          len(e.limits),
		MonitoredOwners: len(owners),
		TriggeredMarks:  len(e.triggered),
	}
	e.mu.Unlock()
	st.CachedPositions = e.cache.size()
	return st
}
