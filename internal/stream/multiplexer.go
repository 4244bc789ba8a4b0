// Package stream implements the stream multiplexer: one upstream connection
// per subscription key, fanned out to any number of subscriber sinks.
//
// The subscription-key namespace is the only shared mutable resource across
// the system. All mutation goes through the multiplexer's public operations,
// which serialize conflicting opens via pending-open tickets and serialize
// reopen-after-close via pending-cleanup barriers.
package stream

import (
	"bufio"
	"context"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"streamhub/internal/core"
	"streamhub/internal/upstream"
	apperrors "streamhub/pkg/errors"
	"streamhub/pkg/telemetry"
)

const maxLineSize = 1 << 20 // upstream messages are newline-delimited JSON

// Config holds per-kind multiplexer tunables.
type Config struct {
	Kind core.StreamKind
	// Exclusive enforces at most one live key per user for this kind;
	// switching keys force-closes the previous one.
	Exclusive       bool
	MaxPendingOpens int64
	StaleTicketAge  time.Duration
	SweepInterval   time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxPendingOpens <= 0 {
		c.MaxPendingOpens = 50
	}
	if c.StaleTicketAge <= 0 {
		c.StaleTicketAge = 20 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
}

// openTicket is a future for an in-flight upstream open, keyed by subscription
// key. Its creation timestamp is used to reap hung opens.
type openTicket struct {
	done      chan struct{}
	createdAt time.Time
	conn      *ConnState
	err       error
}

// Multiplexer shares one upstream connection per subscription key across many
// consumers. Construct one instance per stream kind.
type Multiplexer struct {
	cfg       Config
	connector upstream.Connector
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder

	mu           sync.Mutex
	conns        map[string]*ConnState
	tickets      map[string]*openTicket
	cleanups     map[string]chan struct{}
	exclusiveKey map[core.UserID]string
	switchedAt   map[core.UserID]time.Time

	slots *semaphore.Weighted
}

// NewMultiplexer creates a multiplexer for one stream kind.
func NewMultiplexer(cfg Config, connector upstream.Connector, logger core.ILogger) *Multiplexer {
	cfg.applyDefaults()
	return &Multiplexer{
		cfg:          cfg,
		connector:    connector,
		logger:       logger.WithField("component", "multiplexer").WithField("kind", string(cfg.Kind)),
		metrics:      telemetry.GetGlobalMetrics(),
		conns:        make(map[string]*ConnState),
		tickets:      make(map[string]*openTicket),
		cleanups:     make(map[string]chan struct{}),
		exclusiveKey: make(map[core.UserID]string),
		switchedAt:   make(map[core.UserID]time.Time),
		slots:        semaphore.NewWeighted(cfg.MaxPendingOpens),
	}
}

// Kind returns the stream kind this multiplexer serves.
func (m *Multiplexer) Kind() core.StreamKind { return m.cfg.Kind }

// Exclusive reports whether this kind enforces one live key per user.
func (m *Multiplexer) Exclusive() bool { return m.cfg.Exclusive }

// Run sweeps periodically until the context ends, then closes every key.
func (m *Multiplexer) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.CloseAll()
			return nil
		case <-ticker.C:
			m.sweep()
		}
	}
}

// EnsureUpstream idempotently opens or reuses the upstream for the key
// derived from (user, deps).
func (m *Multiplexer) EnsureUpstream(ctx context.Context, user core.UserID, deps Deps) (*ConnState, error) {
	key := MakeKey(user, deps)

	for {
		m.mu.Lock()

		// A torn-down key must be fully released before reopening,
		// otherwise a new subscriber could receive stale mid-stream data.
		if barrier, ok := m.cleanups[key]; ok {
			m.mu.Unlock()
			select {
			case <-barrier:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		if c, ok := m.conns[key]; ok && !c.isAborted() {
			m.mu.Unlock()
			return c, nil
		}

		if t, ok := m.tickets[key]; ok {
			m.mu.Unlock()
			select {
			case <-t.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			m.mu.Lock()
			c, live := m.conns[key]
			m.mu.Unlock()
			if live && !c.isAborted() {
				return c, nil
			}
			if t.err != nil {
				return nil, t.err
			}
			continue
		}

		if !m.slots.TryAcquire(1) {
			m.mu.Unlock()
			return nil, apperrors.New(apperrors.ReasonTooManyPendingOpens,
				http.StatusTooManyRequests, "too many concurrent opens", nil)
		}
		t := &openTicket{done: make(chan struct{}), createdAt: time.Now()}
		m.tickets[key] = t
		m.metrics.SetPendingOpens(string(m.cfg.Kind), int64(len(m.tickets)))
		m.mu.Unlock()

		return m.performOpen(key, user, deps, t)
	}
}

// performOpen calls the connector and installs the resulting connection. The
// ticket is resolved exactly once, success or failure.
func (m *Multiplexer) performOpen(key string, user core.UserID, deps Deps, t *openTicket) (*ConnState, error) {
	// The stream outlives the subscriber that requested it; its lifetime is
	// governed by this cancellation token, not the caller's context. The
	// connector bounds the open attempt itself.
	connCtx, cancel := context.WithCancel(context.Background())

	telemetry.AddCounter(connCtx, m.metrics.OpenAttemptsTotal, 1,
		attribute.String("kind", string(m.cfg.Kind)))

	body, err := m.connector.Open(connCtx, upstream.Request{
		User:  user,
		Path:  deps.Path,
		Query: deps.Query(),
	})
	if err != nil {
		cancel()
		m.resolveTicket(key, t, nil, err)
		return nil, err
	}

	m.mu.Lock()
	// A fast exclusive switch may have rebound the user while this open was
	// in flight; the fresh upstream is abandoned, not installed.
	if m.cfg.Exclusive {
		if cur, bound := m.exclusiveKey[user]; bound && cur != key {
			m.mu.Unlock()
			cancel()
			_ = body.Close()
			staleErr := apperrors.New(apperrors.ReasonStaleUpstream,
				http.StatusConflict, "exclusive binding moved during open", nil)
			m.resolveTicket(key, t, nil, staleErr)
			m.logger.Debug("abandoned superseded upstream", "key", key, "user", user)
			return nil, staleErr
		}
	}

	c := newConnState(key, user, deps, body, cancel)
	m.conns[key] = c
	m.metrics.SetUpstreamsActive(string(m.cfg.Kind), int64(len(m.conns)))
	m.mu.Unlock()

	go m.readLoop(c)

	m.resolveTicket(key, t, c, nil)
	m.logger.Info("upstream opened", "key", key, "user", user)
	return c, nil
}

func (m *Multiplexer) resolveTicket(key string, t *openTicket, c *ConnState, err error) {
	m.mu.Lock()
	// The sweep may have reaped this ticket already; a reaped ticket was
	// resolved and closed there, touching it again would double-close done.
	owned := m.tickets[key] == t
	if owned {
		t.conn, t.err = c, err
		delete(m.tickets, key)
		m.slots.Release(1)
	}
	m.metrics.SetPendingOpens(string(m.cfg.Kind), int64(len(m.tickets)))
	m.mu.Unlock()
	if owned {
		close(t.done)
	}
}

// readLoop parses message boundaries and fans each message out until the
// upstream ends or errors.
func (m *Multiplexer) readLoop(c *ConnState) {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return
	}

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// scanner reuses its buffer between tokens; frame into a fresh slice
		msg := make([]byte, len(line)+1)
		copy(msg, line)
		msg[len(line)] = '\n'
		delivered := c.fanOut(msg)
		if delivered > 0 {
			telemetry.AddCounter(context.Background(), m.metrics.MessagesFannedTotal,
				int64(delivered), attribute.String("kind", string(m.cfg.Kind)))
		}
	}

	if err := scanner.Err(); err != nil && !c.isAborted() {
		m.logger.Warn("upstream read error", "key", c.Key, "error", err)
	}
	m.teardown(c, "upstream_ended")
}

// AddSubscriber attaches a sink to the connection for (user, deps), opening
// the upstream if needed.
func (m *Multiplexer) AddSubscriber(ctx context.Context, user core.UserID, deps Deps, sink Sink) error {
	key := MakeKey(user, deps)

	// Attaching can race a concurrent teardown; one retry re-runs the full
	// open algorithm against fresh state.
	for attempt := 0; attempt < 2; attempt++ {
		c, err := m.EnsureUpstream(ctx, user, deps)
		if err != nil {
			return err
		}
		if c.attach(sink) {
			sink.OnClose(func() { m.detach(key, sink.ID()) })
			return nil
		}
	}
	return apperrors.New(apperrors.ReasonBadGateway, http.StatusBadGateway,
		"connection kept closing while attaching subscriber", nil)
}

// AddExclusiveSubscriber attaches a sink after force-closing any other key
// currently bound to this user.
func (m *Multiplexer) AddExclusiveSubscriber(ctx context.Context, user core.UserID, deps Deps, sink Sink) error {
	key := MakeKey(user, deps)

	m.mu.Lock()
	prev, had := m.exclusiveKey[user]
	m.exclusiveKey[user] = key
	m.switchedAt[user] = time.Now()
	m.mu.Unlock()

	if had && prev != key {
		m.CloseKey(prev)
	}
	return m.AddSubscriber(ctx, user, deps, sink)
}

// detach removes a sink from a key, tearing the connection down when the
// subscriber set becomes empty. No orphaned upstream may outlive its last
// subscriber.
func (m *Multiplexer) detach(key, sinkID string) {
	m.mu.Lock()
	c, ok := m.conns[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	remaining := c.removeSink(sinkID)
	if remaining == 0 && !c.isAborted() {
		m.teardown(c, "last_subscriber_left")
	}
}

// CloseKey force-terminates a connection, ending all its sinks. It does not
// return until cleanup fully completed.
func (m *Multiplexer) CloseKey(key string) {
	m.mu.Lock()
	c, ok := m.conns[key]
	var barrier chan struct{}
	if !ok {
		barrier = m.cleanups[key]
	}
	m.mu.Unlock()

	if ok {
		m.teardown(c, "force_close")
		return
	}
	if barrier != nil {
		<-barrier
	}
}

// CloseAll force-terminates every connection.
func (m *Multiplexer) CloseAll() {
	m.mu.Lock()
	conns := make([]*ConnState, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		m.teardown(c, "shutdown")
	}
}

// teardown runs the full cleanup sequence. Each step is independently
// guarded; a second teardown of the same connection is a no-op. The key is
// unregistered and barricaded atomically before sinks are ended, so a
// concurrent open cannot observe half-dead state.
func (m *Multiplexer) teardown(c *ConnState, reason string) {
	if !c.markAborted() {
		return
	}

	m.mu.Lock()
	if m.conns[c.Key] == c {
		delete(m.conns, c.Key)
	}
	barrier := make(chan struct{})
	m.cleanups[c.Key] = barrier
	m.metrics.SetUpstreamsActive(string(m.cfg.Kind), int64(len(m.conns)))
	m.mu.Unlock()

	c.endSinks()
	c.release()

	m.mu.Lock()
	if m.cfg.Exclusive && m.exclusiveKey[c.User] == c.Key && !m.userHasKeyLocked(c.User) {
		delete(m.exclusiveKey, c.User)
		delete(m.switchedAt, c.User)
	}
	if m.cleanups[c.Key] == barrier {
		delete(m.cleanups, c.Key)
	}
	m.mu.Unlock()

	close(barrier)
	m.logger.Info("upstream closed", "key", c.Key, "reason", reason)
}

// userHasKeyLocked reports whether the user still owns any active connection.
// Caller holds m.mu.
func (m *Multiplexer) userHasKeyLocked(user core.UserID) bool {
	for _, c := range m.conns {
		if c.User == user {
			return true
		}
	}
	return false
}

// sweep prunes closed-but-registered sinks, tears down empty connections and
// reaps stale pending-open tickets so a hung open cannot block a key forever.
func (m *Multiplexer) sweep() {
	now := time.Now()

	m.mu.Lock()
	var empty []*ConnState
	for _, c := range m.conns {
		if c.pruneDeadSinks() == 0 {
			empty = append(empty, c)
		}
	}
	var stale []*openTicket
	for key, t := range m.tickets {
		if now.Sub(t.createdAt) > m.cfg.StaleTicketAge {
			t.err = apperrors.New(apperrors.ReasonGatewayTimeout,
				http.StatusGatewayTimeout, "pending open exceeded staleness threshold", nil)
			delete(m.tickets, key)
			m.slots.Release(1)
			stale = append(stale, t)
			m.logger.Warn("reaped stale open ticket", "key", key, "age", now.Sub(t.createdAt))
		}
	}
	m.metrics.SetPendingOpens(string(m.cfg.Kind), int64(len(m.tickets)))
	m.mu.Unlock()

	for _, t := range stale {
		close(t.done)
	}
	for _, c := range empty {
		m.teardown(c, "reaped_no_subscribers")
	}
}

// Stats is the read-only observability snapshot for one multiplexer.
type Stats struct {
	Kind              core.StreamKind        `json:"kind"`
	ActiveUpstreams   int                    `json:"active_upstreams"`
	SubscribersPerKey map[string]int         `json:"subscribers_per_key"`
	PendingOpens      int                    `json:"pending_opens"`
	PendingCleanups   int                    `json:"pending_cleanups"`
	ExclusiveBindings map[core.UserID]string `json:"exclusive_bindings,omitempty"`
	DuplicateUsers    []core.UserID          `json:"duplicate_users,omitempty"`
}

// GetStats returns a point-in-time snapshot. No side effects.
func (m *Multiplexer) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		Kind:              m.cfg.Kind,
		ActiveUpstreams:   len(m.conns),
		SubscribersPerKey: make(map[string]int, len(m.conns)),
		PendingOpens:      len(m.tickets),
		PendingCleanups:   len(m.cleanups),
	}
	perUser := make(map[core.UserID]int)
	for key, c := range m.conns {
		s.SubscribersPerKey[key] = c.subscriberCount()
		perUser[c.User]++
	}
	if m.cfg.Exclusive {
		s.ExclusiveBindings = make(map[core.UserID]string, len(m.exclusiveKey))
		for u, k := range m.exclusiveKey {
			s.ExclusiveBindings[u] = k
		}
		for u, n := range perUser {
			if n > 1 {
				s.DuplicateUsers = append(s.DuplicateUsers, u)
			}
		}
	}
	return s
}
