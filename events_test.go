package wick

import "testing"

func TestSinkDropsOldestWhenFull(t *testing.T) {
	s := NewSink(2)
	s.Emit(StreamEvent{Event: "a"})
	s.Emit(StreamEvent{Event: "b"})
	s.Emit(StreamEvent{Event: "c"})
	s.Close()

	var got []string
	for ev := range s.Events() {
		got = append(got, ev.Event)
	}
	if len(got) != 2 || got[0] != "b" || got[1] != "c" {
		t.Fatalf("events = %v, want [b c]", got)
	}
	if s.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", s.Dropped())
	}
}

func TestSinkEmitAfterClose(t *testing.T) {
	s := NewSink(2)
	s.Close()
	s.Close() // idempotent
	s.Emit(StreamEvent{Event: "late"})

	for range s.Events() {
		t.Fatal("no events expected after close")
	}
}

func TestStreamEventTerminal(t *testing.T) {
	cases := []struct {
		event string
		want  bool
	}{
		{EventDone, true},
		{EventError, true},
		{EventChatModelStart, false},
		{EventToolEnd, false},
	}
	for _, tc := range cases {
		if got := (StreamEvent{Event: tc.event}).Terminal(); got != tc.want {
			t.Errorf("Terminal(%s) = %v, want %v", tc.event, got, tc.want)
		}
	}
}
