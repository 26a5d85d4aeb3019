// Package trace provides the two Tracer implementations used by the
// server: an in-memory recorder backing the trace query endpoint and an
// OTLP exporter for external trace backends. Multi wraps both so spans
// fan out.
package trace

import (
	"context"
	"sync"
	"time"

	wick "github.com/wicklab/wick"
)

// RecordedSpan is one completed or in-flight span as the query endpoint
// reports it.
type RecordedSpan struct {
	ID       string         `json:"id"`
	ParentID string         `json:"parent_id,omitempty"`
	Name     string         `json:"name"`
	ThreadID string         `json:"thread_id,omitempty"`
	Start    time.Time      `json:"start"`
	End      time.Time      `json:"end,omitzero"`
	Attrs    map[string]any `json:"attrs,omitempty"`
	Err      string         `json:"error,omitempty"`
}

// Recorder keeps spans in memory, indexed by thread ID. Old threads are
// evicted once the per-recorder capacity is exceeded.
type Recorder struct {
	mu       sync.Mutex
	byThread map[string][]*RecordedSpan
	order    []string
	maxKeys  int
}

// DefaultMaxThreads bounds how many threads a Recorder retains.
const DefaultMaxThreads = 256

// NewRecorder creates an in-memory span recorder. maxThreads <= 0 uses
// DefaultMaxThreads.
func NewRecorder(maxThreads int) *Recorder {
	if maxThreads <= 0 {
		maxThreads = DefaultMaxThreads
	}
	return &Recorder{
		byThread: map[string][]*RecordedSpan{},
		maxKeys:  maxThreads,
	}
}

type parentKey struct{}

// Start implements wick.Tracer. The span's thread is taken from a
// thread_id attribute; spans without one are filed under "".
func (r *Recorder) Start(ctx context.Context, name string, attrs ...wick.SpanAttr) (context.Context, wick.Span) {
	s := &RecordedSpan{
		ID:    wick.NewID(),
		Name:  name,
		Start: time.Now(),
		Attrs: map[string]any{},
	}
	if parent, ok := ctx.Value(parentKey{}).(*recorderSpan); ok {
		s.ParentID = parent.rec.ID
		s.ThreadID = parent.rec.ThreadID
	}
	for _, a := range attrs {
		if a.Key == "thread_id" {
			if v, ok := a.Value.(string); ok {
				s.ThreadID = v
			}
		}
		s.Attrs[a.Key] = a.Value
	}

	r.store(s)
	span := &recorderSpan{r: r, rec: s}
	return context.WithValue(ctx, parentKey{}, span), span
}

func (r *Recorder) store(s *RecordedSpan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byThread[s.ThreadID]; !ok {
		r.order = append(r.order, s.ThreadID)
		for len(r.order) > r.maxKeys {
			delete(r.byThread, r.order[0])
			r.order = r.order[1:]
		}
	}
	r.byThread[s.ThreadID] = append(r.byThread[s.ThreadID], s)
}

// Spans returns the recorded spans for a thread in start order.
func (r *Recorder) Spans(threadID string) []RecordedSpan {
	r.mu.Lock()
	defer r.mu.Unlock()
	spans := r.byThread[threadID]
	out := make([]RecordedSpan, 0, len(spans))
	for _, s := range spans {
		cp := *s
		cp.Attrs = make(map[string]any, len(s.Attrs))
		for k, v := range s.Attrs {
			cp.Attrs[k] = v
		}
		out = append(out, cp)
	}
	return out
}

// Threads returns the IDs of all retained threads, oldest first.
func (r *Recorder) Threads() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type recorderSpan struct {
	r   *Recorder
	rec *RecordedSpan
}

func (s *recorderSpan) SetAttr(attrs ...wick.SpanAttr) {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	for _, a := range attrs {
		s.rec.Attrs[a.Key] = a.Value
	}
}

func (s *recorderSpan) Error(err error) {
	if err == nil {
		return
	}
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.rec.Err = err.Error()
}

func (s *recorderSpan) End() {
	s.r.mu.Lock()
	defer s.r.mu.Unlock()
	s.rec.End = time.Now()
}

// Multi fans every span out to several tracers.
type Multi []wick.Tracer

// Start implements wick.Tracer over all members.
func (m Multi) Start(ctx context.Context, name string, attrs ...wick.SpanAttr) (context.Context, wick.Span) {
	spans := make(multiSpan, 0, len(m))
	for _, t := range m {
		var s wick.Span
		ctx, s = t.Start(ctx, name, attrs...)
		spans = append(spans, s)
	}
	return ctx, spans
}

type multiSpan []wick.Span

func (ms multiSpan) SetAttr(attrs ...wick.SpanAttr) {
	for _, s := range ms {
		s.SetAttr(attrs...)
	}
}

func (ms multiSpan) Error(err error) {
	for _, s := range ms {
		s.Error(err)
	}
}

func (ms multiSpan) End() {
	for _, s := range ms {
		s.End()
	}
}
