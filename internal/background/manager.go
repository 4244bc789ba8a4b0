// Package background maintains always-on, auto-reconnecting subscriptions
// that keep the evaluation engines fed even when no live client is connected.
package background

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"streamhub/internal/bus"
	"streamhub/internal/core"
	"streamhub/internal/stream"
	apperrors "streamhub/pkg/errors"
	"streamhub/pkg/telemetry"
)

// Stream resource paths on the upstream provider.
const (
	pathQuotes    = "/v2/stream/quote/changes"
	pathPositions = "/v2/stream/accounts/positions"
	pathOrders    = "/v2/stream/accounts/orders"
	pathBars      = "/v2/stream/barchart"
)

// PathFor maps a stream kind to its upstream resource path.
func PathFor(kind core.StreamKind) string {
	switch kind {
	case core.KindQuotes:
		return pathQuotes
	case core.KindPositions:
		return pathPositions
	case core.KindOrders:
		return pathOrders
	case core.KindBars:
		return pathBars
	default:
		return ""
	}
}

// Config holds reconnect and circuit-breaker tunables.
type Config struct {
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	BreakerWindow    time.Duration
	BreakerThreshold int
	EventBuffer      int
	ConnectTimeout   time.Duration
}

func (c *Config) applyDefaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.BreakerWindow <= 0 {
		c.BreakerWindow = 60 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 10
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 4096
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 90 * time.Second
	}
}

// StartOptions names the stream kinds a user needs monitored.
type StartOptions struct {
	Quotes    []string // instruments; empty slice means no quote stream
	Positions bool
	Orders    bool
	AccountID string
	Paper     bool
}

// Manager owns the background stream descriptors and the process-wide event
// bus the evaluation engines subscribe to.
type Manager struct {
	cfg    Config
	muxes  map[core.StreamKind]*stream.Multiplexer
	bus    *bus.Bus
	logger core.ILogger

	mu          sync.Mutex
	descriptors map[string]*Descriptor

	events  chan core.StreamEvent
	metrics *telemetry.MetricsHolder
}

// NewManager creates the background stream manager. muxes carries one
// multiplexer per stream kind.
func NewManager(cfg Config, muxes map[core.StreamKind]*stream.Multiplexer, eventBus *bus.Bus, logger core.ILogger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:         cfg,
		muxes:       muxes,
		bus:         eventBus,
		logger:      logger.WithField("component", "background_manager"),
		descriptors: make(map[string]*Descriptor),
		events:      make(chan core.StreamEvent, cfg.EventBuffer),
		metrics:     telemetry.GetGlobalMetrics(),
	}
}

// Run pumps parsed events from the synthetic sinks onto the bus until the
// context ends, then permanently stops every descriptor.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			m.StopAll()
			return nil
		case ev := <-m.events:
			ev.At = time.Now()
			m.bus.Publish(ev)
		}
	}
}

// OnData subscribes a handler to the event bus; returns the subscription id.
func (m *Manager) OnData(h bus.Handler) int { return m.bus.Subscribe(h) }

// forward queues one parsed event. Dropping under sustained overload is
// preferable to stalling the upstream read loop.
func (m *Manager) forward(ev core.StreamEvent) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("event queue full, dropping", "kind", ev.Kind, "user", ev.User)
	}
}

func descriptorKey(user core.UserID, kind core.StreamKind, deps stream.Deps) string {
	return fmt.Sprintf("%s|%s", kind, stream.MakeKey(user, deps))
}

func depsFor(kind core.StreamKind, opts StartOptions) stream.Deps {
	switch kind {
	case core.KindQuotes:
		return stream.Deps{Path: pathQuotes, Symbols: opts.Quotes, Paper: opts.Paper}
	case core.KindPositions:
		return stream.Deps{Path: pathPositions, AccountID: opts.AccountID, Paper: opts.Paper}
	default:
		return stream.Deps{Path: pathOrders, AccountID: opts.AccountID, Paper: opts.Paper}
	}
}

// StartStreamsForUser ensures one started descriptor per requested dependency.
// Idempotent: descriptors already connecting or alive are left alone; only
// idle/stopped ones are restarted.
func (m *Manager) StartStreamsForUser(ctx context.Context, user core.UserID, opts StartOptions) error {
	var kinds []core.StreamKind
	if len(opts.Quotes) > 0 {
		kinds = append(kinds, core.KindQuotes)
	}
	if opts.Positions {
		kinds = append(kinds, core.KindPositions)
	}
	if opts.Orders {
		kinds = append(kinds, core.KindOrders)
	}

	for _, kind := range kinds {
		deps := depsFor(kind, opts)
		key := descriptorKey(user, kind, deps)

		m.mu.Lock()
		d, exists := m.descriptors[key]
		if !exists {
			d = newDescriptor(key, user, kind, deps, m.cfg.InitialBackoff)
			m.descriptors[key] = d
		}
		m.mu.Unlock()

		if !exists || d.restartable() {
			m.connect(d)
		}
	}
	return nil
}

// StopStreamsForUser permanently stops and removes all of a user's descriptors.
func (m *Manager) StopStreamsForUser(user core.UserID) {
	m.mu.Lock()
	var stopped []*Descriptor
	for key, d := range m.descriptors {
		if d.User == user {
			stopped = append(stopped, d)
			delete(m.descriptors, key)
		}
	}
	m.mu.Unlock()

	for _, d := range stopped {
		m.stopDescriptor(d)
	}
}

// StopStreamsForUserKind stops a user's descriptors of one kind only.
func (m *Manager) StopStreamsForUserKind(user core.UserID, kind core.StreamKind) {
	m.mu.Lock()
	var stopped []*Descriptor
	for key, d := range m.descriptors {
		if d.User == user && d.Kind == kind {
			stopped = append(stopped, d)
			delete(m.descriptors, key)
		}
	}
	m.mu.Unlock()

	for _, d := range stopped {
		m.stopDescriptor(d)
	}
}

// StopStreamForUserAccount stops a user's descriptors of one kind bound to a
// specific account, leaving the user's other accounts untouched.
func (m *Manager) StopStreamForUserAccount(user core.UserID, kind core.StreamKind, accountID string) {
	m.mu.Lock()
	var stopped []*Descriptor
	for key, d := range m.descriptors {
		if d.User == user && d.Kind == kind && d.Deps.AccountID == accountID {
			stopped = append(stopped, d)
			delete(m.descriptors, key)
		}
	}
	m.mu.Unlock()

	for _, d := range stopped {
		m.stopDescriptor(d)
	}
}

// StopStreamByKey stops one descriptor; reports whether it existed.
func (m *Manager) StopStreamByKey(key string) bool {
	m.mu.Lock()
	d, ok := m.descriptors[key]
	if ok {
		delete(m.descriptors, key)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	m.stopDescriptor(d)
	return true
}

// StopAll permanently stops everything; used at shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]*Descriptor, 0, len(m.descriptors))
	for key, d := range m.descriptors {
		all = append(all, d)
		delete(m.descriptors, key)
	}
	m.mu.Unlock()
	for _, d := range all {
		m.stopDescriptor(d)
	}
}

func (m *Manager) stopDescriptor(d *Descriptor) {
	d.stop()
	if mux, ok := m.muxes[d.Kind]; ok {
		mux.CloseKey(stream.MakeKey(d.User, d.Deps))
	}
	m.logger.Info("background stream stopped", "key", d.Key)
}

// connect runs one connection attempt for a descriptor on its own goroutine.
func (m *Manager) connect(d *Descriptor) {
	gen, ok := d.beginConnect()
	if !ok {
		return
	}

	go func() {
		mux, ok := m.muxes[d.Kind]
		if !ok {
			d.setStatus(gen, StatusFailed)
			m.logger.Error("no multiplexer for stream kind", "kind", d.Kind)
			return
		}

		sink := newSyntheticSink(d.User, d.Kind, d.Deps.AccountID, d.Deps.Paper, m.forward)

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
		defer cancel()

		err := mux.AddSubscriber(ctx, d.User, d.Deps, sink)
		if err != nil {
			m.onConnectError(d, gen, err)
			return
		}

		if !d.markAlive(gen, m.cfg.InitialBackoff) {
			// Superseded or stopped while the open was in flight.
			sink.End()
			return
		}
		m.logger.Info("background stream alive", "key", d.Key)

		sink.OnClose(func() { m.onDisconnect(d, gen, sink) })
	}()
}

func (m *Manager) onConnectError(d *Descriptor, gen int, err error) {
	if !d.current(gen) {
		return
	}

	// A stale-upstream outcome is an internal race, not a failure: the
	// winning side already owns a correct connection.
	if errors.Is(err, apperrors.ErrStaleUpstream) {
		d.setStatus(gen, StatusStopped)
		return
	}

	m.logger.Warn("background connect failed", "key", d.Key, "error", err)
	if d.recordFailure(m.cfg.BreakerWindow, m.cfg.BreakerThreshold) {
		m.tripBreaker(d, gen)
		return
	}
	m.scheduleReconnect(d, gen)
}

// onDisconnect handles the synthetic sink ending after a live connection.
func (m *Manager) onDisconnect(d *Descriptor, gen int, sink *syntheticSink) {
	if !d.current(gen) {
		return
	}

	// A position stream that ends immediately with zero messages means "no
	// open positions", not a failure. Park instead of reconnecting.
	if d.Kind == core.KindPositions && sink.Messages() == 0 {
		d.toIdle(gen)
		m.logger.Info("position stream empty, parking", "key", d.Key)
		return
	}

	if d.recordFailure(m.cfg.BreakerWindow, m.cfg.BreakerThreshold) {
		m.tripBreaker(d, gen)
		return
	}
	m.scheduleReconnect(d, gen)
}

func (m *Manager) tripBreaker(d *Descriptor, gen int) {
	if d.toIdle(gen) {
		telemetry.AddCounter(context.Background(), m.metrics.BreakerTrippedTotal, 1,
			attribute.String("kind", string(d.Kind)))
		m.logger.Warn("circuit breaker tripped, stream idle until restarted", "key", d.Key)
	}
}

func (m *Manager) scheduleReconnect(d *Descriptor, gen int) {
	if !d.setStatus(gen, StatusReconnecting) {
		return
	}
	delay := d.nextDelay(m.cfg.MaxBackoff)
	telemetry.AddCounter(context.Background(), m.metrics.ReconnectsTotal, 1,
		attribute.String("kind", string(d.Kind)))
	m.logger.Info("scheduling reconnect", "key", d.Key, "delay", delay)

	d.armTimer(delay, func() {
		if !d.current(gen) {
			return
		}
		m.connect(d)
	})
}

// DescriptorStats is the observability snapshot of one descriptor.
type DescriptorStats struct {
	Key    string          `json:"key"`
	User   core.UserID     `json:"user"`
	Kind   core.StreamKind `json:"kind"`
	Status Status          `json:"status"`
}

// GetStats returns the current descriptor set. Read-only.
func (m *Manager) GetStats() []DescriptorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DescriptorStats, 0, len(m.descriptors))
	for _, d := range m.descriptors {
		out = append(out, DescriptorStats{Key: d.Key, User: d.User, Kind: d.Kind, Status: d.Status()})
	}
	return out
}

// DescriptorStatus looks up one descriptor's status by key.
func (m *Manager) DescriptorStatus(key string) (Status, bool) {
	m.mu.Lock()
	d, ok := m.descriptors[key]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	return d.Status(), true
}
