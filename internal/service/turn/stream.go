package turn

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
)

type EventType string

const (
	EventFragment EventType = "fragment"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Event is one item of a turn stream. A stream carries any number of
// fragments followed by exactly one done or error event.
type Event struct {
	Type      EventType
	Text      string
	SessionID string
	Err       *Error
}

// Stream is the caller's side of a running turn. Recv must be called from a
// single goroutine; Close may be called from any.
type Stream struct {
	sessionID string
	events    chan Event
	done      chan struct{}
	cancel    context.CancelCauseFunc
	state     atomic.Int32

	mu        sync.Mutex
	terminal  *Event
	delivered bool
}

func newStream(sessionID string, cancel context.CancelCauseFunc) *Stream {
	return &Stream{
		sessionID: sessionID,
		events:    make(chan Event),
		done:      make(chan struct{}),
		cancel:    cancel,
	}
}

func (s *Stream) SessionID() string {
	return s.sessionID
}

func (s *Stream) State() State {
	return State(s.state.Load())
}

func (s *Stream) setState(st State) {
	s.state.Store(int32(st))
}

// Recv blocks for the next event. After the terminal event it returns io.EOF.
func (s *Stream) Recv() (Event, error) {
	if ev, ok := <-s.events; ok {
		return ev, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delivered || s.terminal == nil {
		return Event{}, io.EOF
	}
	s.delivered = true
	return *s.terminal, nil
}

// Close abandons the turn if it is still running and waits for it to
// release the generation backend. A turn abandoned before the end of the
// generated answer writes no history.
func (s *Stream) Close() {
	s.cancel(errAbandoned)
	<-s.done
}

// Done is closed once the turn has reached a terminal state.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err returns the turn failure once the stream is done, nil on success.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal == nil || s.terminal.Err == nil {
		return nil
	}
	return s.terminal.Err
}

func (s *Stream) finish(ev Event) {
	s.mu.Lock()
	s.terminal = &ev
	s.mu.Unlock()
	if ev.Type == EventDone {
		s.setState(StateDone)
	} else {
		s.setState(StateFailed)
	}
	close(s.events)
}
