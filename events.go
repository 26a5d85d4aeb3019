package wick

import "sync"

// Stream event names, in the order a turn emits them.
const (
	EventChainStart      = "on_chain_start"
	EventChatModelStart  = "on_chat_model_start"
	EventChatModelStream = "on_chat_model_stream"
	EventChatModelEnd    = "on_chat_model_end"
	EventToolStart       = "on_tool_start"
	EventToolEnd         = "on_tool_end"
	EventChainEnd        = "on_chain_end"
	EventDone            = "done"
	EventError           = "error"
)

// StreamEvent is one entry in a turn's event stream.
type StreamEvent struct {
	Event    string         `json:"event"`
	Name     string         `json:"name,omitempty"`
	RunID    string         `json:"run_id,omitempty"`
	ThreadID string         `json:"thread_id,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// Terminal reports whether the event ends the stream.
func (e StreamEvent) Terminal() bool {
	return e.Event == EventDone || e.Event == EventError
}

// DefaultSinkCapacity is the event buffer size of a Sink.
const DefaultSinkCapacity = 16

// Sink is a bounded event buffer between the engine and a stream consumer.
// Emit never blocks: when the buffer is full the oldest pending event is
// dropped so a slow consumer stalls delivery, not the turn.
type Sink struct {
	mu      sync.Mutex
	ch      chan StreamEvent
	closed  bool
	dropped int
}

// NewSink creates a sink with the given capacity (DefaultSinkCapacity when
// n <= 0).
func NewSink(n int) *Sink {
	if n <= 0 {
		n = DefaultSinkCapacity
	}
	return &Sink{ch: make(chan StreamEvent, n)}
}

// Emit delivers an event, evicting the oldest buffered event if needed.
func (s *Sink) Emit(ev StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- ev:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped++
		default:
		}
	}
}

// Events returns the receive side of the sink. The channel is closed by
// Close once the turn finishes.
func (s *Sink) Events() <-chan StreamEvent {
	return s.ch
}

// Dropped reports how many events were evicted due to a slow consumer.
func (s *Sink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close marks the stream finished. Safe to call more than once.
func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
