package background

import (
	"bytes"
	"sync"

	"github.com/google/uuid"

	"streamhub/internal/core"
)

// maxSinkBuffer bounds the partial-message buffer; a line that exceeds it is
// dropped rather than growing without bound.
const maxSinkBuffer = 64 * 1024

// statusMarker matches control lines (late-join and friends) that carry no
// market data and must not count as stream messages.
var statusMarker = []byte(`"StreamStatus"`)

// syntheticSink presents the sink interface the multiplexer expects from a
// live client, but parses the written bytes into newline-delimited messages
// and forwards each as a structured event. It never disconnects voluntarily.
type syntheticSink struct {
	id        string
	user      core.UserID
	kind      core.StreamKind
	accountID string
	paper     bool
	forward   func(core.StreamEvent) // non-blocking; manager owns the queue

	mu       sync.Mutex
	closed   bool
	buf      []byte
	messages int
	onClose  []func()
}

func newSyntheticSink(user core.UserID, kind core.StreamKind, accountID string, paper bool, forward func(core.StreamEvent)) *syntheticSink {
	return &syntheticSink{
		id:        uuid.NewString(),
		user:      user,
		kind:      kind,
		accountID: accountID,
		paper:     paper,
		forward:   forward,
	}
}

func (s *syntheticSink) ID() string { return s.id }

func (s *syntheticSink) Write(p []byte) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.buf = append(s.buf, p...)

	var lines [][]byte
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(s.buf[:i])
		s.buf = s.buf[i+1:]
		if len(line) == 0 || bytes.Contains(line, statusMarker) {
			continue
		}
		msg := make([]byte, len(line))
		copy(msg, line)
		lines = append(lines, msg)
	}
	if len(s.buf) > maxSinkBuffer {
		s.buf = nil
	}
	s.messages += len(lines)
	s.mu.Unlock()

	for _, line := range lines {
		s.forward(core.StreamEvent{
			User:      s.user,
			Kind:      s.kind,
			AccountID: s.accountID,
			Paper:     s.paper,
			Data:      line,
		})
	}
	return true
}

func (s *syntheticSink) End() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	callbacks := s.onClose
	s.onClose = nil
	s.buf = nil
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}
}

func (s *syntheticSink) OnClose(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.onClose = append(s.onClose, fn)
	s.mu.Unlock()
}

func (s *syntheticSink) IsLive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Messages returns how many data messages this sink parsed so far.
func (s *syntheticSink) Messages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages
}
