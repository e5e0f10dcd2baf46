// Package stream encodes incremental run events to a long-lived response
// channel. The protocol is a sequence of typed events (start, progress,
// token, error, done) with the guarantee that events are delivered in
// production order and that exactly one terminal event (done or error)
// closes the stream.
package stream

import (
	"errors"

	"github.com/kaname-ai/kaname/internal/model"
)

// EventType discriminates stream events.
type EventType string

const (
	EventStart    EventType = "start"
	EventProgress EventType = "progress"
	EventToken    EventType = "token"
	EventError    EventType = "error"
	EventDone     EventType = "done"
)

// Terminal reports whether the event type closes the stream.
func (t EventType) Terminal() bool {
	return t == EventError || t == EventDone
}

// Event is one protocol frame. Only the fields relevant to the event type
// are populated.
type Event struct {
	Type    EventType `json:"type"`
	RunID   string    `json:"run_id,omitempty"`
	AgentID string    `json:"agent_id,omitempty"`

	// progress
	Percent    int    `json:"percent,omitempty"`
	Message    string `json:"message,omitempty"`
	StepIndex  int    `json:"step_index,omitempty"`
	TotalSteps int    `json:"total_steps,omitempty"`

	// token
	Index int    `json:"index,omitempty"`
	Text  string `json:"text,omitempty"`

	// error
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`

	// done
	Result     *string      `json:"result,omitempty"`
	Warnings   []string     `json:"warnings,omitempty"`
	Usage      *model.Usage `json:"usage,omitempty"`
	DurationMs int64        `json:"duration_ms,omitempty"`
}

// ErrClosed is returned by Send after the stream has terminated, either by a
// terminal event or because the underlying transport closed early. Producers
// treat it as "stop emitting", not as a run failure.
var ErrClosed = errors.New("stream: closed")

// Sink receives events for one run. Implementations must be safe for
// concurrent use and must enforce the single-terminal-event guarantee:
// after a terminal event (or transport close), Send returns ErrClosed and
// writes nothing.
type Sink interface {
	Send(ev Event) error
	Close() error
}

// Discard is a Sink that drops every event. Used for non-streaming execution.
type Discard struct{}

// Send implements Sink.
func (Discard) Send(Event) error { return nil }

// Close implements Sink.
func (Discard) Close() error { return nil }
