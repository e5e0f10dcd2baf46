package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// SSEWriter encodes events as Server-Sent Events onto an http.ResponseWriter.
// It flushes after every event so partial results reach the caller as they
// are produced.
type SSEWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	closed  bool
}

// NewSSEWriter prepares the response headers and returns a writer, or an
// error if the transport does not support flushing.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("stream: response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Send writes one event frame. After a terminal event the writer closes and
// further sends return ErrClosed.
func (s *SSEWriter) Send(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("stream: marshal event: %w", err)
	}
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, payload); err != nil {
		// Transport gone: stop emitting, but this is not a run failure.
		s.closed = true
		return ErrClosed
	}
	s.flusher.Flush()

	if ev.Type.Terminal() {
		s.closed = true
	}
	return nil
}

// Close marks the stream closed without a terminal event, used when the
// client disconnects.
func (s *SSEWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
