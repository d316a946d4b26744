package events

import "sync"

// Stream is the single-consumer event channel handed to the caller of an
// Execute. The producer closes it when execution finishes; events emitted
// after close are dropped rather than panicking, which covers late emits
// racing a cancel.
type Stream struct {
	mu     sync.RWMutex
	ch     chan AgentEvent
	done   chan struct{}
	closed bool
}

// NewStream creates a stream with the given buffer.
func NewStream(buffer int) *Stream {
	if buffer < 1 {
		buffer = 16
	}
	return &Stream{
		ch:   make(chan AgentEvent, buffer),
		done: make(chan struct{}),
	}
}

// Events is the consumer side. The channel closes when execution ends.
func (s *Stream) Events() <-chan AgentEvent { return s.ch }

// Emit delivers an event, blocking until the consumer takes it or the
// stream closes.
func (s *Stream) Emit(ev AgentEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	case <-s.done:
	}
}

// Close ends the stream. Idempotent. Must not be called concurrently with
// an in-flight Emit from the same goroutine chain; the executor closes the
// stream only after its run loop returns.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}
