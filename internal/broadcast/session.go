package broadcast

import (
	"sync"
	"time"
)

// Transport writes encoded messages to one client. Send is only called from
// the session's writer goroutine.
type Transport interface {
	Send(data []byte) error
	Close() error
}

// Disconnect reasons recorded in metrics and logs.
const (
	ReasonClientClosed = "client_closed"
	ReasonOverflow     = "session_overflow"
	ReasonMalformed    = "malformed_command"
	ReasonWriteError   = "write_error"
	ReasonShutdown     = "shutdown"
)

// Session is one connected client. Droppable messages (frames, topography)
// share a small drop-oldest queue; control messages have their own queue
// and are never dropped.
type Session struct {
	ID        string
	Connected time.Time

	transport Transport

	mu        sync.Mutex
	topics    map[Topic]bool
	frames    [][]byte
	control   [][]byte
	strikes   int
	malformed int
	lastAck   uint64
	sent      uint64
	dropped   uint64
	closed    bool
	reason    string

	wake     chan struct{}
	done     chan struct{}
	finished chan struct{}
}

func newSession(id string, t Transport, now time.Time) *Session {
	return &Session{
		ID:        id,
		Connected: now,
		transport: t,
		topics:    make(map[Topic]bool),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		finished:  make(chan struct{}),
	}
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} { return s.done }

// Finished is closed once the writer has flushed pending control messages
// and closed the transport.
func (s *Session) Finished() <-chan struct{} { return s.finished }

// Reason returns why the session ended, or "" while it is open.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Subscribed reports whether the session receives topic t.
func (s *Session) Subscribed(t Topic) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.topics[t]
}

func (s *Session) setTopics(topics []Topic, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		if on {
			s.topics[t] = true
		} else {
			delete(s.topics, t)
		}
	}
}

// SessionInfo is a read-only view of a session for debug pages.
type SessionInfo struct {
	ID        string    `json:"id"`
	Connected time.Time `json:"connected"`
	Topics    []string  `json:"topics"`
	Queued    int       `json:"queued"`
	Sent      uint64    `json:"sent"`
	Dropped   uint64    `json:"dropped"`
	LastAck   uint64    `json:"lastAck"`
}

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := SessionInfo{
		ID:        s.ID,
		Connected: s.Connected,
		Queued:    len(s.frames) + len(s.control),
		Sent:      s.sent,
		Dropped:   s.dropped,
		LastAck:   s.lastAck,
	}
	for _, t := range []Topic{TopicFrames, TopicTopography} {
		if s.topics[t] {
			info.Topics = append(info.Topics, string(t))
		}
	}
	return info
}

// pushFrame appends a droppable message, evicting the oldest when the queue
// is full. It reports whether one was dropped and the consecutive overflow
// count.
func (s *Session) pushFrame(data []byte, depth int) (dropped bool, strikes int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false, 0
	}
	if len(s.frames) >= depth {
		copy(s.frames, s.frames[1:])
		s.frames = s.frames[:len(s.frames)-1]
		s.strikes++
		s.dropped++
		dropped = true
	}
	s.frames = append(s.frames, data)
	strikes = s.strikes
	s.mu.Unlock()
	s.signal()
	return dropped, strikes
}

// pushControl appends a control message. It reports false when the control
// queue is full, which the server treats as an overflow.
func (s *Session) pushControl(data []byte, depth int) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return true
	}
	if len(s.control) >= depth {
		s.mu.Unlock()
		return false
	}
	s.control = append(s.control, data)
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next pops the next message to write, control first. A drained frame
// queue clears the overflow strikes.
func (s *Session) next() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.control) > 0 {
		m := s.control[0]
		s.control[0] = nil
		s.control = s.control[1:]
		return m, true
	}
	if len(s.frames) > 0 {
		m := s.frames[0]
		copy(s.frames, s.frames[1:])
		s.frames[len(s.frames)-1] = nil
		s.frames = s.frames[:len(s.frames)-1]
		if len(s.frames) == 0 {
			s.strikes = 0
		}
		return m, true
	}
	return nil, false
}

// markClosed records the reason and reports whether this call closed the
// session. Queued frames are discarded; queued control messages are left for
// the writer to flush.
func (s *Session) markClosed(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.reason = reason
	s.frames = nil
	close(s.done)
	return true
}

func (s *Session) countSent() {
	s.mu.Lock()
	s.sent++
	s.mu.Unlock()
}
