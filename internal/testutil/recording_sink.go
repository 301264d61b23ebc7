package testutil

import (
	"sync"

	"github.com/appforge/appforge-gateway/internal/stream"
)

// Frame is one delivered event captured by RecordingSink.
type Frame struct {
	Event   string
	Payload any
}

// RecordingSink is a stream.Sink that records every delivered frame. Safe for
// concurrent use.
type RecordingSink struct {
	mu     sync.Mutex
	frames []Frame
	closed bool
}

var _ stream.Sink = (*RecordingSink)(nil)

// Deliver records the frame.
func (s *RecordingSink) Deliver(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, Frame{Event: event, Payload: payload})
	return nil
}

// IsClosed reports whether Close was called.
func (s *RecordingSink) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close marks the sink closed; subsequent deliveries are suppressed by the
// emitter, not by the sink.
func (s *RecordingSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Frames returns a copy of the recorded frames.
func (s *RecordingSink) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Events returns just the event names, in delivery order.
func (s *RecordingSink) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Event
	}
	return out
}
