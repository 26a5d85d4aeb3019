package server

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// SSEWriter streams server-sent events. Each envelope is
// "event: <name>\ndata: <json>\n\n"; comment lines carry keep-alives.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter commits the SSE response headers. Returns nil when the
// ResponseWriter cannot flush.
func NewSSEWriter(w http.ResponseWriter) *SSEWriter {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx
	flusher.Flush()
	return &SSEWriter{w: w, flusher: flusher}
}

// SendEvent writes a named event with a JSON payload.
func (s *SSEWriter) SendEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal SSE data: %w", err)
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, jsonData)
	s.flusher.Flush()
	return nil
}

// SendComment writes a comment line, used as a keep-alive ping.
func (s *SSEWriter) SendComment(text string) {
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.flusher.Flush()
}
