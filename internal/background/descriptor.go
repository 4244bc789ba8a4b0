package background

import (
	"sync"
	"time"

	"streamhub/internal/core"
	"streamhub/internal/stream"
)

// Status is the lifecycle state of one background stream descriptor.
type Status string

const (
	StatusStopped      Status = "stopped"
	StatusConnecting   Status = "connecting"
	StatusAlive        Status = "alive"
	StatusReconnecting Status = "reconnecting"
	// StatusIdle is terminal until an explicit restart: reached via circuit
	// breaker trip or confirmed absence of data. Never auto-reconnects.
	StatusIdle   Status = "idle"
	StatusFailed Status = "failed"
)

// Descriptor tracks one always-on background subscription for a
// (user, stream kind, dependency) triple.
type Descriptor struct {
	Key  string
	User core.UserID
	Kind core.StreamKind
	Deps stream.Deps

	mu             sync.Mutex
	status         Status
	generation     int
	reconnectDelay time.Duration
	failures       []time.Time
	// permanentlyStopped is distinct from status: once set, no reconnect is
	// ever scheduled, even if a disconnect event races in afterward.
	permanentlyStopped bool
	timer              *time.Timer
}

func newDescriptor(key string, user core.UserID, kind core.StreamKind, deps stream.Deps, initialDelay time.Duration) *Descriptor {
	return &Descriptor{
		Key:            key,
		User:           user,
		Kind:           kind,
		Deps:           deps,
		status:         StatusStopped,
		reconnectDelay: initialDelay,
	}
}

// Status returns the current lifecycle state.
func (d *Descriptor) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// beginConnect moves to connecting and bumps the generation. Every async
// callback carries the generation so a stale sink from a superseded attempt
// cannot mutate a descriptor that has since moved on.
func (d *Descriptor) beginConnect() (gen int, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.permanentlyStopped {
		return 0, false
	}
	d.generation++
	d.status = StatusConnecting
	return d.generation, true
}

// current reports whether gen is still the live connection attempt.
func (d *Descriptor) current(gen int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.generation == gen
}

// markAlive records a successful connect and resets the backoff.
func (d *Descriptor) markAlive(gen int, initialDelay time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.generation != gen || d.permanentlyStopped {
		return false
	}
	d.status = StatusAlive
	d.reconnectDelay = initialDelay
	return true
}

// recordFailure appends a failure timestamp and prunes the sliding window.
// It reports true when the circuit breaker threshold is reached.
func (d *Descriptor) recordFailure(window time.Duration, threshold int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	cutoff := now.Add(-window)
	kept := d.failures[:0]
	for _, ts := range d.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	d.failures = append(kept, now)
	return len(d.failures) >= threshold
}

// nextDelay returns the current backoff and doubles it up to max.
func (d *Descriptor) nextDelay(max time.Duration) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	delay := d.reconnectDelay
	d.reconnectDelay *= 2
	if d.reconnectDelay > max {
		d.reconnectDelay = max
	}
	return delay
}

// toIdle trips the descriptor into the non-retrying idle state.
func (d *Descriptor) toIdle(gen int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.generation != gen {
		return false
	}
	d.status = StatusIdle
	d.cancelTimerLocked()
	return true
}

// setStatus transitions state when gen is still current.
func (d *Descriptor) setStatus(gen int, st Status) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.generation != gen {
		return false
	}
	d.status = st
	return true
}

// armTimer schedules fn after delay, replacing any previous timer.
func (d *Descriptor) armTimer(delay time.Duration, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelTimerLocked()
	if d.permanentlyStopped {
		return
	}
	d.timer = time.AfterFunc(delay, fn)
}

// stop permanently stops the descriptor and cancels any pending reconnect.
func (d *Descriptor) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.permanentlyStopped = true
	d.status = StatusStopped
	d.generation++
	d.cancelTimerLocked()
}

// restartable reports whether an explicit start call should reconnect.
func (d *Descriptor) restartable() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.permanentlyStopped && (d.status == StatusIdle || d.status == StatusStopped || d.status == StatusFailed)
}

func (d *Descriptor) cancelTimerLocked() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
