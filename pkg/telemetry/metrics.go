package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricUpstreamsActive      = "streamhub_upstreams_active"
	MetricOpenAttemptsTotal    = "streamhub_open_attempts_total"
	MetricMessagesFannedTotal  = "streamhub_messages_fanned_out_total"
	MetricPendingOpens         = "streamhub_pending_opens"
	MetricReconnectsTotal      = "streamhub_reconnects_total"
	MetricBreakerTrippedTotal  = "streamhub_breaker_tripped_total"
	MetricAlertsTriggeredTotal = "streamhub_alerts_triggered_total"
	MetricLossAlertsTotal      = "streamhub_loss_alerts_total"
	MetricNotifySentTotal      = "streamhub_notifications_sent_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	UpstreamsActive      metric.Int64ObservableGauge
	OpenAttemptsTotal    metric.Int64Counter
	MessagesFannedTotal  metric.Int64Counter
	PendingOpens         metric.Int64ObservableGauge
	ReconnectsTotal      metric.Int64Counter
	BreakerTrippedTotal  metric.Int64Counter
	AlertsTriggeredTotal metric.Int64Counter
	LossAlertsTotal      metric.Int64Counter
	NotifySentTotal      metric.Int64Counter

	// State for observable gauges, keyed by stream kind
	mu              sync.RWMutex
	upstreamsMap    map[string]int64
	pendingOpensMap map[string]int64

	initialized bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the process-wide metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			upstreamsMap:    make(map[string]int64),
			pendingOpensMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics registers all instruments on the given meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	if m.OpenAttemptsTotal, err = meter.Int64Counter(MetricOpenAttemptsTotal,
		metric.WithDescription("Total upstream open attempts")); err != nil {
		return err
	}
	if m.MessagesFannedTotal, err = meter.Int64Counter(MetricMessagesFannedTotal,
		metric.WithDescription("Total messages delivered to subscriber sinks")); err != nil {
		return err
	}
	if m.ReconnectsTotal, err = meter.Int64Counter(MetricReconnectsTotal,
		metric.WithDescription("Total background reconnect attempts")); err != nil {
		return err
	}
	if m.BreakerTrippedTotal, err = meter.Int64Counter(MetricBreakerTrippedTotal,
		metric.WithDescription("Total circuit breaker trips")); err != nil {
		return err
	}
	if m.AlertsTriggeredTotal, err = meter.Int64Counter(MetricAlertsTriggeredTotal,
		metric.WithDescription("Total price alerts triggered")); err != nil {
		return err
	}
	if m.LossAlertsTotal, err = meter.Int64Counter(MetricLossAlertsTotal,
		metric.WithDescription("Total position loss alerts recorded")); err != nil {
		return err
	}
	if m.NotifySentTotal, err = meter.Int64Counter(MetricNotifySentTotal,
		metric.WithDescription("Total outbound notifications dispatched")); err != nil {
		return err
	}

	if m.UpstreamsActive, err = meter.Int64ObservableGauge(MetricUpstreamsActive,
		metric.WithDescription("Active upstream connections per stream kind"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for kind, v := range m.upstreamsMap {
				o.Observe(v, metric.WithAttributes(attribute.String("kind", kind)))
			}
			return nil
		})); err != nil {
		return err
	}
	if m.PendingOpens, err = meter.Int64ObservableGauge(MetricPendingOpens,
		metric.WithDescription("In-flight upstream open tickets per stream kind"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for kind, v := range m.pendingOpensMap {
				o.Observe(v, metric.WithAttributes(attribute.String("kind", kind)))
			}
			return nil
		})); err != nil {
		return err
	}

	m.initialized = true
	return nil
}

// SetUpstreamsActive records the current upstream count for a stream kind
func (m *MetricsHolder) SetUpstreamsActive(kind string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upstreamsMap[kind] = count
}

// SetPendingOpens records the current pending-open ticket count for a stream kind
func (m *MetricsHolder) SetPendingOpens(kind string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingOpensMap[kind] = count
}

// AddCounter is a nil-safe counter increment used on the hot path
func AddCounter(ctx context.Context, c metric.Int64Counter, n int64, attrs ...attribute.KeyValue) {
	if c == nil {
		return
	}
	c.Add(ctx, n, metric.WithAttributes(attrs...))
}
