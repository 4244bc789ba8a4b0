package lossguard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamhub/internal/background"
	"streamhub/internal/core"
	"streamhub/internal/notify"
	"streamhub/internal/storage"
	"streamhub/pkg/logging"
)

type fakeLossStore struct {
	mu        sync.Mutex
	limits    []storage.LossLimitLock
	settings  []storage.AccountSettings
	alerts    []storage.LossAlertEvent
	recent    []storage.LossAlertEvent
	insertErr error
}

func (s *fakeLossStore) ListLossLimits(ctx context.Context) ([]storage.LossLimitLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.LossLimitLock(nil), s.limits...), nil
}

func (s *fakeLossStore) UpsertLossLimit(ctx context.Context, l storage.LossLimitLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.limits {
		if existing.Owner == l.Owner && existing.AccountID == l.AccountID {
			s.limits[i] = l
			return nil
		}
	}
	s.limits = append(s.limits, l)
	return nil
}

func (s *fakeLossStore) DeleteLossLimit(ctx context.Context, owner core.UserID, accountID, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.limits {
		if l.Owner == owner && l.AccountID == accountID && l.Kind == kind {
			s.limits = append(s.limits[:i], s.limits[i+1:]...)
			return nil
		}
	}
	return nil
}

func (s *fakeLossStore) InsertLossAlert(ctx context.Context, ev storage.LossAlertEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.alerts = append(s.alerts, ev)
	return nil
}

func (s *fakeLossStore) ListRecentLossAlerts(ctx context.Context, since time.Time) ([]storage.LossAlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.LossAlertEvent(nil), s.recent...), nil
}

func (s *fakeLossStore) ListAccountSettings(ctx context.Context) ([]storage.AccountSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.AccountSettings(nil), s.settings...), nil
}

func (s *fakeLossStore) alertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type guardStartCall struct {
	user core.UserID
	opts background.StartOptions
}

type guardStopCall struct {
	user      core.UserID
	accountID string
}

type guardStreams struct {
	mu     sync.Mutex
	starts []guardStartCall
	stops  []guardStopCall
}

func (f *guardStreams) StartStreamsForUser(ctx context.Context, user core.UserID, opts background.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, guardStartCall{user: user, opts: opts})
	return nil
}

func (f *guardStreams) StopStreamForUserAccount(user core.UserID, kind core.StreamKind, accountID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, guardStopCall{user: user, accountID: accountID})
}

type guardChannel struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (c *guardChannel) Name() string { return "capture" }

func (c *guardChannel) Send(ctx context.Context, n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, n)
	return nil
}

func (c *guardChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func newTestLossEngine(t *testing.T) (*Engine, *fakeLossStore, *guardStreams, *guardChannel) {
	t.Helper()
	store := &fakeLossStore{}
	streams := &guardStreams{}
	channel := &guardChannel{}
	notifier := notify.NewNotifier(2, logging.Nop())
	notifier.AddChannel(channel)
	t.Cleanup(notifier.Close)
	return NewEngine(Config{}, store, notifier, streams, logging.Nop()), store, streams, channel
}

// monitoredEngine seeds one monitored account with a 500 threshold.
func monitoredEngine(t *testing.T, emailOptIn bool) (*Engine, *fakeLossStore, *guardStreams, *guardChannel) {
	t.Helper()
	e, store, streams, channel := newTestLossEngine(t)
	store.settings = []storage.AccountSettings{
		{Owner: 7, AccountID: "ACC1", Paper: false, MonitoringEnabled: true, EmailOptIn: emailOptIn},
	}
	store.limits = []storage.LossLimitLock{
		{Owner: 7, AccountID: "ACC1", Kind: storage.LimitPerPosition, Threshold: decimal.NewFromInt(500)},
	}
	ctx := context.Background()
	require.NoError(t, e.LoadLossLimits(ctx))
	require.NoError(t, e.LoadMonitoredAccounts(ctx))
	return e, store, streams, channel
}

func positionEvent(positionID, qty, pnl string) core.StreamEvent {
	return core.StreamEvent{
		User:      7,
		Kind:      core.KindPositions,
		AccountID: "ACC1",
		Data: []byte(`{"PositionID":"` + positionID + `","Symbol":"AAPL","AccountID":"ACC1",` +
			`"Quantity":"` + qty + `","UnrealizedProfitLoss":"` + pnl + `"}`),
	}
}

// TestMonitoredAccountsStartPositionStreams verifies loading the monitored
// set opens one always-on position stream per monitored account.
func TestMonitoredAccountsStartPositionStreams(t *testing.T) {
	_, _, streams, _ := monitoredEngine(t, false)

	streams.mu.Lock()
	defer streams.mu.Unlock()
	require.Len(t, streams.starts, 1)
	assert.Equal(t, core.UserID(7), streams.starts[0].user)
	assert.True(t, streams.starts[0].opts.Positions)
	assert.Equal(t, "ACC1", streams.starts[0].opts.AccountID)
}

// TestDisabledMonitoringStopsStreams verifies an owner dropped from the
// monitored set gets their position stream stopped.
func TestDisabledMonitoringStopsStreams(t *testing.T) {
	e, store, streams, _ := monitoredEngine(t, false)

	store.mu.Lock()
	store.settings[0].MonitoringEnabled = false
	store.mu.Unlock()
	require.NoError(t, e.LoadMonitoredAccounts(context.Background()))

	streams.mu.Lock()
	defer streams.mu.Unlock()
	require.Len(t, streams.stops, 1)
	assert.Equal(t, guardStopCall{user: 7, accountID: "ACC1"}, streams.stops[0])
}

// TestDroppedAccountStoppedOwnerKeepsOthers verifies removing one of an
// owner's monitored accounts stops only that account's position stream.
func TestDroppedAccountStoppedOwnerKeepsOthers(t *testing.T) {
	e, store, streams, _ := newTestLossEngine(t)
	store.settings = []storage.AccountSettings{
		{Owner: 7, AccountID: "ACC1", MonitoringEnabled: true},
		{Owner: 7, AccountID: "ACC2", MonitoringEnabled: true},
	}
	ctx := context.Background()
	require.NoError(t, e.LoadMonitoredAccounts(ctx))

	store.mu.Lock()
	store.settings = store.settings[:1] // ACC2 removed entirely
	store.mu.Unlock()
	require.NoError(t, e.LoadMonitoredAccounts(ctx))

	streams.mu.Lock()
	defer streams.mu.Unlock()
	require.Len(t, streams.stops, 1)
	assert.Equal(t, guardStopCall{user: 7, accountID: "ACC2"}, streams.stops[0])

	// ACC1 keeps its coverage through both loads.
	accounts := make(map[string]int)
	for _, c := range streams.starts {
		accounts[c.opts.AccountID]++
	}
	assert.Equal(t, 2, accounts["ACC1"])
	assert.Equal(t, 1, accounts["ACC2"])
}

// TestLossTriggerFiresOncePerPosition verifies the at-most-once path: the
// alert persists before notification and a deeper loss does not re-fire.
func TestLossTriggerFiresOncePerPosition(t *testing.T) {
	e, store, _, channel := monitoredEngine(t, false)

	e.HandleEvent(positionEvent("POS1", "10", "-550"))
	e.HandleEvent(positionEvent("POS1", "10", "-600"))

	assert.Equal(t, 1, store.alertCount())
	store.mu.Lock()
	rec := store.alerts[0]
	store.mu.Unlock()
	assert.Equal(t, core.UserID(7), rec.Owner)
	assert.Equal(t, "ACC1", rec.AccountID)
	assert.Equal(t, "POS1", rec.PositionID)
	assert.Equal(t, "550", rec.Loss.String())
	assert.NotEmpty(t, rec.Snapshot)

	assert.Eventually(t, func() bool { return channel.count() == 1 }, time.Second, 10*time.Millisecond)
	channel.mu.Lock()
	defer channel.mu.Unlock()
	assert.Equal(t, notify.TypeLossAlert, channel.sent[0].Type)
	assert.Nil(t, channel.sent[0].Email)
}

// TestLossBelowThresholdDoesNotFire verifies profits and small losses pass.
func TestLossBelowThresholdDoesNotFire(t *testing.T) {
	e, store, _, _ := monitoredEngine(t, false)

	e.HandleEvent(positionEvent("POS1", "10", "-499.99"))
	e.HandleEvent(positionEvent("POS1", "10", "250"))

	assert.Zero(t, store.alertCount())
	assert.Len(t, e.GetLatestPositions(7, "ACC1", false), 1)
}

// TestClosedPositionClearsDedup verifies a quantity-zero update evicts the
// cache and lets a re-opened position alert again.
func TestClosedPositionClearsDedup(t *testing.T) {
	e, store, _, _ := monitoredEngine(t, false)

	e.HandleEvent(positionEvent("POS1", "10", "-550"))
	assert.Equal(t, 1, store.alertCount())

	e.HandleEvent(positionEvent("POS1", "0", "0"))
	assert.Empty(t, e.GetLatestPositions(7, "ACC1", false))
	assert.Zero(t, e.GetStats().TriggeredMarks)

	e.HandleEvent(positionEvent("POS1", "5", "-700"))
	assert.Equal(t, 2, store.alertCount())
}

// TestPersistFailureAllowsRetry verifies a failed insert does not mark the
// position triggered; the next update gets another try.
func TestPersistFailureAllowsRetry(t *testing.T) {
	e, store, _, channel := monitoredEngine(t, false)

	store.mu.Lock()
	store.insertErr = errors.New("db down")
	store.mu.Unlock()
	e.HandleEvent(positionEvent("POS1", "10", "-550"))
	assert.Zero(t, store.alertCount())
	assert.Zero(t, channel.count())

	store.mu.Lock()
	store.insertErr = nil
	store.mu.Unlock()
	e.HandleEvent(positionEvent("POS1", "10", "-560"))
	assert.Equal(t, 1, store.alertCount())
}

// TestUnmonitoredAccountSkipped verifies events for accounts outside the
// monitored set are ignored entirely.
func TestUnmonitoredAccountSkipped(t *testing.T) {
	e, store, _, _ := monitoredEngine(t, false)

	ev := positionEvent("POS1", "10", "-9999")
	ev.User = 99
	e.HandleEvent(ev)

	assert.Zero(t, store.alertCount())
	assert.Empty(t, e.GetLatestPositions(99, "ACC1", false))
}

// TestHeartbeatAndForeignKindSkipped verifies keepalives and non-position
// events never touch the cache.
func TestHeartbeatAndForeignKindSkipped(t *testing.T) {
	e, store, _, _ := monitoredEngine(t, false)

	e.HandleEvent(core.StreamEvent{User: 7, Kind: core.KindPositions, AccountID: "ACC1", Data: []byte(`{"Heartbeat":1}`)})
	e.HandleEvent(core.StreamEvent{User: 7, Kind: core.KindQuotes, AccountID: "ACC1", Data: []byte(`{"Symbol":"AAPL","Last":"1"}`)})
	e.HandleEvent(core.StreamEvent{User: 7, Kind: core.KindPositions, AccountID: "ACC1", Data: []byte(`garbage`)})

	assert.Zero(t, store.alertCount())
	assert.Zero(t, e.GetStats().CachedPositions)
}

// TestEmailOnlyWhenOptedIn verifies the email part rides along iff the
// account opted in.
func TestEmailOnlyWhenOptedIn(t *testing.T) {
	e, _, _, channel := monitoredEngine(t, true)

	e.HandleEvent(positionEvent("POS1", "10", "-550"))

	assert.Eventually(t, func() bool { return channel.count() == 1 }, time.Second, 10*time.Millisecond)
	channel.mu.Lock()
	defer channel.mu.Unlock()
	require.NotNil(t, channel.sent[0].Email)
	assert.Contains(t, channel.sent[0].Email.Subject, "ACC1")
}

// TestReconcileRecentSeedsDedup verifies a restart cannot re-fire an alert
// already persisted inside the reconcile window.
func TestReconcileRecentSeedsDedup(t *testing.T) {
	e, store, _, _ := newTestLossEngine(t)
	store.settings = []storage.AccountSettings{
		{Owner: 7, AccountID: "ACC1", MonitoringEnabled: true},
	}
	store.limits = []storage.LossLimitLock{
		{Owner: 7, AccountID: "ACC1", Kind: storage.LimitPerPosition, Threshold: decimal.NewFromInt(500)},
	}
	store.recent = []storage.LossAlertEvent{
		{Owner: 7, AccountID: "ACC1", PositionID: "POS1", DetectedAt: time.Now().Add(-time.Hour)},
	}

	ctx := context.Background()
	require.NoError(t, e.ReconcileRecent(ctx))
	require.NoError(t, e.LoadLossLimits(ctx))
	require.NoError(t, e.LoadMonitoredAccounts(ctx))

	e.HandleEvent(positionEvent("POS1", "10", "-550"))
	assert.Zero(t, store.alertCount())

	e.HandleEvent(positionEvent("POS2", "10", "-550"))
	assert.Equal(t, 1, store.alertCount())
}

// TestLatestWinsCache verifies the cache keeps only the newest update per
// position, sorted by position id.
func TestLatestWinsCache(t *testing.T) {
	e, _, _, _ := monitoredEngine(t, false)

	e.HandleEvent(positionEvent("POS2", "5", "-10"))
	e.HandleEvent(positionEvent("POS1", "10", "-20"))
	e.HandleEvent(positionEvent("POS1", "12", "-30"))

	got := e.GetLatestPositions(7, "ACC1", false)
	require.Len(t, got, 2)
	assert.Equal(t, "POS1", got[0].PositionID)
	assert.Equal(t, "12", got[0].Quantity.String())
	assert.Equal(t, "POS2", got[1].PositionID)
	assert.False(t, got[0].CachedAt.IsZero())
}

// TestSetLossLimitLockedUntilExpiry verifies an unexpired lock refuses both
// changes and removal, then allows them once expired.
func TestSetLossLimitLockedUntilExpiry(t *testing.T) {
	e, _, _, _ := newTestLossEngine(t)
	ctx := context.Background()

	locked := storage.LossLimitLock{
		Owner:     7,
		AccountID: "ACC1",
		Kind:      storage.LimitPerPosition,
		Threshold: decimal.NewFromInt(500),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	require.NoError(t, e.SetLossLimit(ctx, locked))

	tighter := locked
	tighter.Threshold = decimal.NewFromInt(100)
	assert.Error(t, e.SetLossLimit(ctx, tighter))
	assert.Error(t, e.RemoveLossLimit(ctx, 7, "ACC1"))

	expired := locked
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	e.mu.Lock()
	e.limits[limitKey(7, "ACC1")] = expired
	e.mu.Unlock()

	require.NoError(t, e.RemoveLossLimit(ctx, 7, "ACC1"))
	assert.Zero(t, e.GetStats().Limits)

	require.NoError(t, e.SetLossLimit(ctx, tighter))
	assert.Equal(t, 1, e.GetStats().Limits)
}
