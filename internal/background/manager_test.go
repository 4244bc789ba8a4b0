package background

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamhub/internal/bus"
	"streamhub/internal/core"
	"streamhub/internal/stream"
	"streamhub/internal/upstream"
	"streamhub/pkg/logging"
)

type stubStream struct {
	io.ReadCloser
	w *io.PipeWriter
}

func (s *stubStream) send(line string) {
	_, _ = s.w.Write([]byte(line + "\n"))
}

// stubConnector simulates the upstream: failing, immediately-empty, or live.
type stubConnector struct {
	mu         sync.Mutex
	opens      int
	err        error
	closeEmpty bool
	streams    []*stubStream
}

func (c *stubConnector) Open(ctx context.Context, req upstream.Request) (io.ReadCloser, error) {
	c.mu.Lock()
	c.opens++
	err, closeEmpty := c.err, c.closeEmpty
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	s := &stubStream{ReadCloser: pr, w: pw}
	c.mu.Lock()
	c.streams = append(c.streams, s)
	c.mu.Unlock()
	if closeEmpty {
		// Upstream confirms there is nothing to stream and hangs up.
		pw.Close()
	}
	return s, nil
}

func (c *stubConnector) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

func (c *stubConnector) last() *stubStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil
	}
	return c.streams[len(c.streams)-1]
}

func newTestManager(connector *stubConnector, cfg Config) *Manager {
	logger := logging.Nop()
	muxes := map[core.StreamKind]*stream.Multiplexer{
		core.KindQuotes:    stream.NewMultiplexer(stream.Config{Kind: core.KindQuotes}, connector, logger),
		core.KindPositions: stream.NewMultiplexer(stream.Config{Kind: core.KindPositions}, connector, logger),
	}
	return NewManager(cfg, muxes, bus.New(logger), logger)
}

func statusOf(m *Manager, user core.UserID, kind core.StreamKind) (Status, bool) {
	for _, s := range m.GetStats() {
		if s.User == user && s.Kind == kind {
			return s.Status, true
		}
	}
	return "", false
}

// TestStartStreamsIdempotent verifies repeated starts reuse the live stream
// instead of opening a second upstream.
func TestStartStreamsIdempotent(t *testing.T) {
	connector := &stubConnector{}
	m := newTestManager(connector, Config{})

	opts := StartOptions{Quotes: []string{"AAPL"}}
	require.NoError(t, m.StartStreamsForUser(context.Background(), 1, opts))
	time.Sleep(50 * time.Millisecond)

	st, ok := statusOf(m, 1, core.KindQuotes)
	require.True(t, ok)
	assert.Equal(t, StatusAlive, st)

	require.NoError(t, m.StartStreamsForUser(context.Background(), 1, opts))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, connector.openCount())
}

// TestEventsReachBus verifies parsed upstream messages arrive on the event bus
// with the subscription identity attached.
func TestEventsReachBus(t *testing.T) {
	connector := &stubConnector{}
	m := newTestManager(connector, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	received := make(chan core.StreamEvent, 16)
	m.OnData(func(ev core.StreamEvent) { received <- ev })

	require.NoError(t, m.StartStreamsForUser(ctx, 1, StartOptions{Quotes: []string{"AAPL"}}))
	time.Sleep(50 * time.Millisecond)

	connector.last().send(`{"Symbol":"AAPL","Last":"101.5"}`)

	select {
	case ev := <-received:
		assert.Equal(t, core.UserID(1), ev.User)
		assert.Equal(t, core.KindQuotes, ev.Kind)
		assert.Equal(t, `{"Symbol":"AAPL","Last":"101.5"}`, string(ev.Data))
		assert.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("event never reached the bus")
	}
}

// TestBreakerTripsToIdle verifies repeated connect failures trip the breaker
// into idle with no further retries until an explicit restart.
func TestBreakerTripsToIdle(t *testing.T) {
	connector := &stubConnector{err: io.ErrUnexpectedEOF}
	m := newTestManager(connector, Config{
		InitialBackoff:   2 * time.Millisecond,
		MaxBackoff:       5 * time.Millisecond,
		BreakerWindow:    time.Minute,
		BreakerThreshold: 3,
	})

	require.NoError(t, m.StartStreamsForUser(context.Background(), 1, StartOptions{Quotes: []string{"AAPL"}}))

	require.Eventually(t, func() bool {
		st, ok := statusOf(m, 1, core.KindQuotes)
		return ok && st == StatusIdle
	}, time.Second, 5*time.Millisecond)

	opensAtTrip := connector.openCount()
	assert.Equal(t, 3, opensAtTrip)

	// Idle means idle: no retries fire afterwards.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, opensAtTrip, connector.openCount())
}

// TestRestartAfterBreakerTrip verifies an explicit start revives an idle
// descriptor.
func TestRestartAfterBreakerTrip(t *testing.T) {
	connector := &stubConnector{err: io.ErrUnexpectedEOF}
	m := newTestManager(connector, Config{
		InitialBackoff:   2 * time.Millisecond,
		BreakerWindow:    time.Minute,
		BreakerThreshold: 2,
	})

	opts := StartOptions{Quotes: []string{"AAPL"}}
	require.NoError(t, m.StartStreamsForUser(context.Background(), 1, opts))
	require.Eventually(t, func() bool {
		st, ok := statusOf(m, 1, core.KindQuotes)
		return ok && st == StatusIdle
	}, time.Second, 5*time.Millisecond)

	// Upstream recovered; the explicit restart must reconnect.
	connector.mu.Lock()
	connector.err = nil
	connector.mu.Unlock()

	require.NoError(t, m.StartStreamsForUser(context.Background(), 1, opts))
	require.Eventually(t, func() bool {
		st, ok := statusOf(m, 1, core.KindQuotes)
		return ok && st == StatusAlive
	}, time.Second, 5*time.Millisecond)
}

// TestEmptyPositionStreamParks verifies a position stream that ends with zero
// messages parks idle instead of entering the reconnect loop.
func TestEmptyPositionStreamParks(t *testing.T) {
	connector := &stubConnector{closeEmpty: true}
	m := newTestManager(connector, Config{
		InitialBackoff: 2 * time.Millisecond,
	})

	require.NoError(t, m.StartStreamsForUser(context.Background(), 1, StartOptions{
		Positions: true,
		AccountID: "ACC1",
	}))

	require.Eventually(t, func() bool {
		st, ok := statusOf(m, 1, core.KindPositions)
		return ok && st == StatusIdle
	}, time.Second, 5*time.Millisecond)

	opens := connector.openCount()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, opens, connector.openCount())
}

// TestStopIsPermanent verifies a stopped descriptor is removed and schedules
// no further reconnects even with failures in flight.
func TestStopIsPermanent(t *testing.T) {
	connector := &stubConnector{err: io.ErrUnexpectedEOF}
	m := newTestManager(connector, Config{
		InitialBackoff:   5 * time.Millisecond,
		BreakerThreshold: 1000,
	})

	require.NoError(t, m.StartStreamsForUser(context.Background(), 1, StartOptions{Quotes: []string{"AAPL"}}))
	time.Sleep(20 * time.Millisecond)

	m.StopStreamsForUser(1)

	_, ok := statusOf(m, 1, core.KindQuotes)
	assert.False(t, ok)

	opens := connector.openCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, opens, connector.openCount())
}

// TestStopByAccount verifies stopping one account's position stream leaves
// the same user's other accounts running.
func TestStopByAccount(t *testing.T) {
	connector := &stubConnector{}
	m := newTestManager(connector, Config{})

	ctx := context.Background()
	require.NoError(t, m.StartStreamsForUser(ctx, 1, StartOptions{Positions: true, AccountID: "ACC1"}))
	require.NoError(t, m.StartStreamsForUser(ctx, 1, StartOptions{Positions: true, AccountID: "ACC2"}))
	time.Sleep(50 * time.Millisecond)

	m.StopStreamForUserAccount(1, core.KindPositions, "ACC2")

	var kept []string
	for _, s := range m.GetStats() {
		kept = append(kept, s.Key)
	}
	require.Len(t, kept, 1)
	assert.Contains(t, kept[0], "ACC1")
}

// TestStopByKind leaves the user's other stream kinds running.
func TestStopByKind(t *testing.T) {
	connector := &stubConnector{}
	m := newTestManager(connector, Config{})

	require.NoError(t, m.StartStreamsForUser(context.Background(), 1, StartOptions{
		Quotes:    []string{"AAPL"},
		Positions: true,
		AccountID: "ACC1",
	}))
	time.Sleep(50 * time.Millisecond)

	m.StopStreamsForUserKind(1, core.KindQuotes)

	_, quotes := statusOf(m, 1, core.KindQuotes)
	st, positions := statusOf(m, 1, core.KindPositions)
	assert.False(t, quotes)
	require.True(t, positions)
	assert.Equal(t, StatusAlive, st)
}
