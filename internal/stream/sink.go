package stream

import (
	"sync"

	"github.com/google/uuid"
)

// LateJoinMarker is written to any sink that attaches after the first message
// was already delivered on its connection. The subscriber is expected to fetch
// a historical snapshot separately instead of assuming it saw the full stream.
var LateJoinMarker = []byte(`{"StreamStatus":"LateJoined"}` + "\n")

// Sink is a subscriber endpoint for one stream connection. The two concrete
// implementations are the live client sink below and the background manager's
// synthetic sink.
type Sink interface {
	ID() string
	// Write delivers one framed message. It must never block on a slow
	// consumer; it reports false when the message was not accepted.
	Write(p []byte) bool
	// End closes the sink and fires registered close callbacks exactly once.
	End()
	// OnClose registers a callback invoked when the sink ends. A callback
	// registered after the sink already ended fires immediately.
	OnClose(fn func())
	// IsLive reports whether the sink can still accept writes.
	IsLive() bool
}

// ClientSink adapts a live client connection: messages are queued on a bounded
// outbound channel that the owning transport drains. A full queue drops the
// message so a slow subscriber cannot stall the shared upstream read loop.
type ClientSink struct {
	id  string
	out chan []byte

	mu      sync.Mutex
	closed  bool
	onClose []func()
}

// NewClientSink creates a sink with the given outbound queue capacity.
func NewClientSink(queue int) *ClientSink {
	if queue <= 0 {
		queue = 256
	}
	return &ClientSink{
		id:  uuid.NewString(),
		out: make(chan []byte, queue),
	}
}

func (s *ClientSink) ID() string { return s.id }

func (s *ClientSink) Write(p []byte) bool {
	// Callers may reuse p after Write returns; copy before queueing.
	msg := make([]byte, len(p))
	copy(msg, p)

	// The send must happen under the same lock that End uses to close out:
	// a write racing the close would panic the fan-out goroutine. The send
	// never blocks, so holding the lock is cheap.
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

func (s *ClientSink) End() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	callbacks := s.onClose
	s.onClose = nil
	close(s.out)
	s.mu.Unlock()

	// Fire outside the lock; callbacks re-enter the multiplexer.
	for _, fn := range callbacks {
		fn()
	}
}

func (s *ClientSink) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

func (s *ClientSink) IsLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Out exposes the outbound queue for the transport to drain.
func (s *ClientSink) Out() <-chan []byte { return s.out }
