// Package alerts implements the price alert evaluation engine: streaming
// quotes are matched against user-defined alerts in O(1) per event.
package alerts

import (
	"context"
	"slices"
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

// Config holds the engine intervals.
type Config struct {
	ReloadInterval time.Duration
	FlushInterval  time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReloadInterval <= 0 {
		c.ReloadInterval = time.Minute
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
}

// Streams is the slice of the background manager the engine drives.
type Streams interface {
	StartStreamsForUser(ctx context.Context, user core.UserID, opts background.StartOptions) error
	StopStreamsForUserKind(user core.UserID, kind core.StreamKind)
}

// Engine evaluates quote events against the in-memory alert indices.
type Engine struct {
	cfg      Config
	store    storage.AlertStore
	notifier *notify.Notifier
	streams  Streams
	idx      *index
	log      *triggerLog
	logger   core.ILogger
	metrics  *telemetry.MetricsHolder

	covMu sync.Mutex
	// covered tracks the sorted symbol set each owner's background quote
	// subscription currently carries, so reloads only churn the upstream
	// when the set actually changed.
	covered map[core.UserID][]string
}

// NewEngine creates the alert engine. Wire HandleEvent onto the background
// manager's bus.
func NewEngine(cfg Config, store storage.AlertStore, notifier *notify.Notifier, streams Streams, logger core.ILogger) *Engine {
	cfg.applyDefaults()
	l := logger.WithField("component", "alert_engine")
	return &Engine{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		streams:  streams,
		idx:      newIndex(),
		log:      newTriggerLog(store, l),
		logger:   l,
		metrics:  telemetry.GetGlobalMetrics(),
		covered:  make(map[core.UserID][]string),
	}
}

// Run loads the initial alert set, then reconciles and flushes on fixed
// intervals until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.LoadAlerts(ctx); err != nil {
		e.logger.Error("initial alert load failed", "error", err)
	}

	reload := time.NewTicker(e.cfg.ReloadInterval)
	flush := time.NewTicker(e.cfg.FlushInterval)
	defer reload.Stop()
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.flush(context.Background())
			return nil
		case <-reload.C:
			if err := e.LoadAlerts(ctx); err != nil {
				e.logger.Error("alert reload failed", "error", err)
			}
		case <-flush.C:
			e.log.flush(ctx)
		}
	}
}

// LoadAlerts reconciles the full index from persistence and reconciles the
// owners' background quote coverage, including owners whose alerts all
// disappeared since the last load.
func (e *Engine) LoadAlerts(ctx context.Context) error {
	active, err := e.store.ListActiveAlerts(ctx)
	if err != nil {
		return err
	}
	e.idx.replaceAll(active)

	owners := e.idx.owners()
	present := make(map[core.UserID]bool, len(owners))
	for _, owner := range owners {
		present[owner] = true
	}
	e.covMu.Lock()
	for owner := range e.covered {
		if !present[owner] {
			owners = append(owners, owner)
		}
	}
	e.covMu.Unlock()

	for _, owner := range owners {
		e.ensureQuoteCoverage(ctx, owner)
	}
	e.logger.Info("alerts loaded", "count", len(active))
	return nil
}

// AddOrUpdateAlert persists the alert and indexes it immediately.
func (e *Engine) AddOrUpdateAlert(ctx context.Context, a storage.Alert) (int64, error) {
	a.Active = true
	id, err := e.store.UpsertAlert(ctx, a)
	if err != nil {
		return 0, err
	}
	a.ID = id
	e.idx.put(a)
	e.ensureQuoteCoverage(ctx, a.Owner)
	return id, nil
}

// RemoveAlert deletes the alert from persistence and the indices.
func (e *Engine) RemoveAlert(ctx context.Context, id int64) error {
	if err := e.store.DeleteAlert(ctx, id); err != nil {
		return err
	}
	if a, ok := e.idx.remove(id); ok {
		e.ensureQuoteCoverage(ctx, a.Owner)
	}
	return nil
}

// ensureQuoteCoverage consolidates the owner's background quote subscription
// to the union of instruments their alerts need. One subscription per user;
// never duplicate upstreams, and never churn a subscription whose symbol set
// is already correct.
func (e *Engine) ensureQuoteCoverage(ctx context.Context, owner core.UserID) {
	symbols := e.idx.ownerSymbols(owner)

	e.covMu.Lock()
	current, had := e.covered[owner]
	if had && slices.Equal(current, symbols) {
		e.covMu.Unlock()
		return
	}
	if len(symbols) == 0 {
		delete(e.covered, owner)
	} else {
		e.covered[owner] = symbols
	}
	e.covMu.Unlock()

	if had {
		e.streams.StopStreamsForUserKind(owner, core.KindQuotes)
	}
	if len(symbols) == 0 {
		return
	}
	if err := e.streams.StartStreamsForUser(ctx, owner, background.StartOptions{Quotes: symbols}); err != nil {
		e.logger.Error("failed to start quote coverage", "owner", owner, "error", err)
	}
}

// HandleEvent consumes one bus event. A malformed event is skipped, never
// fatal to the stream.
func (e *Engine) HandleEvent(ev core.StreamEvent) {
	if ev.Kind != core.KindQuotes {
		return
	}
	tick, err := core.DecodeQuote(ev.Data)
	if err != nil {
		e.logger.Debug("skipping malformed quote", "error", err)
		return
	}
	if tick.IsHeartbeat() {
		return
	}

	for _, a := range e.idx.forSymbol(tick.Symbol) {
		if matches(a, tick.Last) {
			e.trigger(a, tick.Last)
		}
	}
}

// matches evaluates the alert condition against the last price.
// cross_above/cross_below evaluate the same as above/below; no
// previous-price memory is kept.
func matches(a storage.Alert, last decimal.Decimal) bool {
	switch a.Condition {
	case storage.CondAbove, storage.CondCrossAbove:
		return last.GreaterThanOrEqual(a.Level)
	case storage.CondBelow, storage.CondCrossBelow:
		return last.LessThanOrEqual(a.Level)
	default:
		return false
	}
}

// trigger fires an alert exactly once: the index removal is the de-dup gate,
// the deactivation persist happens before anything else so a restart cannot
// re-fire it.
func (e *Engine) trigger(a storage.Alert, price decimal.Decimal) {
	if _, ok := e.idx.remove(a.ID); !ok {
		return
	}
	now := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.store.DeactivateAlert(ctx, a.ID, now); err != nil {
		// Not persisted means not triggered: the alert stays active in the
		// store, the next reload re-indexes it and the trigger retries.
		// Notifying now could double-send when that retry succeeds.
		e.logger.Error("failed to deactivate triggered alert", "alert_id", a.ID, "error", err)
		return
	}

	e.log.enqueue(storage.TriggerLogEntry{
		ID:          uuid.NewString(),
		AlertID:     a.ID,
		Owner:       a.Owner,
		Symbol:      a.Symbol,
		Price:       price,
		TriggeredAt: now,
	})

	e.notifier.Notify(notify.Notification{
		Owner: a.Owner,
		Type:  notify.TypePriceAlert,
		Data: map[string]interface{}{
			"alertId":   a.ID,
			"symbol":    a.Symbol,
			"condition": a.Condition,
			"level":     a.Level.String(),
			"price":     price.String(),
			"at":        now.UTC().Format(time.RFC3339),
		},
	})

	telemetry.AddCounter(ctx, e.metrics.AlertsTriggeredTotal, 1,
		attribute.String("condition", a.Condition))
	e.logger.Info("alert triggered", "alert_id", a.ID, "symbol", a.Symbol, "price", price.String())
}

// Stats is the engine's observability snapshot.
type Stats struct {
	ActiveAlerts  int `json:"active_alerts"`
	Symbols       int `json:"symbols"`
	QueuedLogRows int `json:"queued_log_rows"`
}

// GetStats returns current counters. Read-only.
func (e *Engine) GetStats() Stats {
	return Stats{
		ActiveAlerts:  e.idx.size(),
		Symbols:       e.idx.symbolCount(),
		QueuedLogRows: e.log.pending(),
	}
}
