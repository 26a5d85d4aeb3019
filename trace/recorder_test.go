package trace

import (
	"context"
	"errors"
	"fmt"
	"testing"

	wick "github.com/wicklab/wick"
)

func TestRecorderThreadKeying(t *testing.T) {
	r := NewRecorder(0)
	ctx := context.Background()

	turnCtx, turn := r.Start(ctx, "agent_turn", wick.StringAttr("thread_id", "th-1"))
	_, model := r.Start(turnCtx, "model_call", wick.StringAttr("model", "m"))
	model.End()
	turn.End()

	spans := r.Spans("th-1")
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Name != "agent_turn" || spans[1].Name != "model_call" {
		t.Errorf("span names = %s, %s", spans[0].Name, spans[1].Name)
	}
	// Children inherit the thread and point at their parent.
	if spans[1].ThreadID != "th-1" {
		t.Errorf("child thread = %q", spans[1].ThreadID)
	}
	if spans[1].ParentID != spans[0].ID {
		t.Errorf("child parent = %q, want %q", spans[1].ParentID, spans[0].ID)
	}
	if spans[0].End.IsZero() || spans[1].End.IsZero() {
		t.Error("ended span has zero end time")
	}
}

func TestRecorderSpanError(t *testing.T) {
	r := NewRecorder(0)
	_, span := r.Start(context.Background(), "tool_call", wick.StringAttr("thread_id", "th-1"))
	span.SetAttr(wick.IntAttr("output_bytes", 42))
	span.Error(errors.New("boom"))
	span.End()

	spans := r.Spans("th-1")
	if len(spans) != 1 {
		t.Fatalf("spans = %d", len(spans))
	}
	if spans[0].Err != "boom" {
		t.Errorf("err = %q", spans[0].Err)
	}
	if spans[0].Attrs["output_bytes"] != 42 {
		t.Errorf("attrs = %v", spans[0].Attrs)
	}
}

func TestRecorderSpansCopies(t *testing.T) {
	r := NewRecorder(0)
	_, span := r.Start(context.Background(), "s", wick.StringAttr("thread_id", "th-1"))
	span.End()

	got := r.Spans("th-1")
	got[0].Attrs["injected"] = true

	again := r.Spans("th-1")
	if _, ok := again[0].Attrs["injected"]; ok {
		t.Error("Spans returned aliased attribute maps")
	}
}

func TestRecorderEviction(t *testing.T) {
	r := NewRecorder(2)
	for i := 0; i < 3; i++ {
		_, span := r.Start(context.Background(), "s",
			wick.StringAttr("thread_id", fmt.Sprintf("th-%d", i)))
		span.End()
	}

	if got := r.Threads(); len(got) != 2 || got[0] != "th-1" || got[1] != "th-2" {
		t.Fatalf("threads = %v, want [th-1 th-2]", got)
	}
	if len(r.Spans("th-0")) != 0 {
		t.Error("evicted thread still has spans")
	}
}

func TestMultiFansOut(t *testing.T) {
	a := NewRecorder(0)
	b := NewRecorder(0)
	m := Multi{a, b}

	ctx, span := m.Start(context.Background(), "turn", wick.StringAttr("thread_id", "th-1"))
	_, child := m.Start(ctx, "model_call")
	child.Error(errors.New("x"))
	child.End()
	span.End()

	for i, r := range []*Recorder{a, b} {
		spans := r.Spans("th-1")
		if len(spans) != 2 {
			t.Fatalf("recorder %d spans = %d, want 2", i, len(spans))
		}
		if spans[1].Err != "x" {
			t.Errorf("recorder %d child err = %q", i, spans[1].Err)
		}
	}
}
