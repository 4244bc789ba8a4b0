package alerts

import (
	"context"
	"sync"

	"streamhub/internal/core"
	"streamhub/internal/storage"
)

// triggerLog batches append-only trigger records: queued entries are flushed
// on a fixed interval as one multi-row insert. A failed flush re-queues its
// batch for the next interval rather than dropping it.
type triggerLog struct {
	mu     sync.Mutex
	queue  []storage.TriggerLogEntry
	store  storage.AlertStore
	logger core.ILogger
}

func newTriggerLog(store storage.AlertStore, logger core.ILogger) *triggerLog {
	return &triggerLog{store: store, logger: logger}
}

func (t *triggerLog) enqueue(e storage.TriggerLogEntry) {
	t.mu.Lock()
	t.queue = append(t.queue, e)
	t.mu.Unlock()
}

func (t *triggerLog) flush(ctx context.Context) {
	t.mu.Lock()
	batch := t.queue
	t.queue = nil
	t.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := t.store.InsertTriggerLogs(ctx, batch); err != nil {
		t.logger.Error("trigger log flush failed, re-queueing batch", "size", len(batch), "error", err)
		t.mu.Lock()
		t.queue = append(batch, t.queue...)
		t.mu.Unlock()
	}
}

func (t *triggerLog) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}
