package stream

import (
	"context"
	"io"
	"sync"
	"time"

	"streamhub/internal/core"
)

// ConnState is the per-key connection state: one upstream handle plus the set
// of subscriber sinks it fans out to. All mutation goes through the
// multiplexer; nothing outside this package touches it directly.
type ConnState struct {
	Key       string
	User      core.UserID
	Deps      Deps
	CreatedAt time.Time

	mu            sync.Mutex
	sinks         map[string]Sink
	stream        io.ReadCloser
	cancel        context.CancelFunc
	lastActivity  time.Time
	firstDataSent bool
	aborted       bool
}

func newConnState(key string, user core.UserID, deps Deps, stream io.ReadCloser, cancel context.CancelFunc) *ConnState {
	return &ConnState{
		Key:          key,
		User:         user,
		Deps:         deps,
		CreatedAt:    time.Now(),
		sinks:        make(map[string]Sink),
		stream:       stream,
		cancel:       cancel,
		lastActivity: time.Now(),
	}
}

// attach adds a sink, writing the late-join marker when data already flowed.
// It reports false when the connection is already torn down.
func (c *ConnState) attach(s Sink) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return false
	}
	c.sinks[s.ID()] = s
	if c.firstDataSent {
		s.Write(LateJoinMarker)
	}
	return true
}

// removeSink detaches a sink and returns the remaining subscriber count.
func (c *ConnState) removeSink(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sinks, id)
	return len(c.sinks)
}

// fanOut delivers one framed message to every sink. A failed write on one
// sink never affects delivery to the others.
func (c *ConnState) fanOut(msg []byte) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return 0
	}
	c.lastActivity = time.Now()
	delivered := 0
	for _, s := range c.sinks {
		if s.Write(msg) {
			delivered++
		}
	}
	if delivered > 0 {
		c.firstDataSent = true
	}
	return delivered
}

// pruneDeadSinks removes sinks that closed without detaching. Defensive;
// covers missed close events.
func (c *ConnState) pruneDeadSinks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, s := range c.sinks {
		if !s.IsLive() {
			delete(c.sinks, id)
		}
	}
	return len(c.sinks)
}

// markAborted flips the aborted flag; reports false when already aborted so a
// second teardown is a no-op.
func (c *ConnState) markAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return false
	}
	c.aborted = true
	return true
}

func (c *ConnState) isAborted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted
}

// endSinks ends every sink and clears the set. Sinks are ended outside the
// lock because their close callbacks re-enter the multiplexer.
func (c *ConnState) endSinks() {
	c.mu.Lock()
	snapshot := make([]Sink, 0, len(c.sinks))
	for _, s := range c.sinks {
		snapshot = append(snapshot, s)
	}
	c.sinks = make(map[string]Sink)
	c.mu.Unlock()

	for _, s := range snapshot {
		s.End()
	}
}

// release cancels the upstream and drops the handle references so the stream
// buffers can be reclaimed promptly. Idempotent: cancel on an already
// cancelled token is a no-op, and sockets may already be gone.
func (c *ConnState) release() {
	c.mu.Lock()
	cancel := c.cancel
	stream := c.stream
	c.cancel = nil
	c.stream = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stream != nil {
		_ = stream.Close()
	}
}

// subscriberCount returns the current sink count.
func (c *ConnState) subscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sinks)
}

// LastActivity returns the time of the most recent fan-out.
func (c *ConnState) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}
