package stream_test

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaname-ai/kaname/internal/model"
	"github.com/kaname-ai/kaname/internal/stream"
)

func TestEventTypeTerminal(t *testing.T) {
	assert.False(t, stream.EventStart.Terminal())
	assert.False(t, stream.EventProgress.Terminal())
	assert.False(t, stream.EventToken.Terminal())
	assert.True(t, stream.EventError.Terminal())
	assert.True(t, stream.EventDone.Terminal())
}

// frame is one decoded SSE frame.
type frame struct {
	event string
	data  map[string]any
}

func parseSSE(t *testing.T, body string) []frame {
	t.Helper()
	var frames []frame
	sc := bufio.NewScanner(strings.NewReader(body))
	var cur frame
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.data))
		case line == "":
			if cur.event != "" {
				frames = append(frames, cur)
				cur = frame{}
			}
		}
	}
	return frames
}

func TestSSEWriterFramesEvents(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := stream.NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Send(stream.Event{Type: stream.EventStart, RunID: "r-1", AgentID: "summarizer"}))
	require.NoError(t, w.Send(stream.Event{Type: stream.EventToken, Index: 0, Text: "Hello"}))
	result := "done"
	require.NoError(t, w.Send(stream.Event{
		Type:   stream.EventDone,
		RunID:  "r-1",
		Result: &result,
		Usage:  &model.Usage{InputTokens: 10, OutputTokens: 5},
	}))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	frames := parseSSE(t, rec.Body.String())
	require.Len(t, frames, 3)
	assert.Equal(t, "start", frames[0].event)
	assert.Equal(t, "r-1", frames[0].data["run_id"])
	assert.Equal(t, "token", frames[1].event)
	assert.Equal(t, "Hello", frames[1].data["text"])
	assert.Equal(t, "done", frames[2].event)
	assert.Equal(t, "done", frames[2].data["result"])
}

func TestSSEWriterSingleTerminalEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := stream.NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Send(stream.Event{Type: stream.EventError, Code: "TIMEOUT", Retryable: true}))
	assert.ErrorIs(t, w.Send(stream.Event{Type: stream.EventDone}), stream.ErrClosed)
	assert.ErrorIs(t, w.Send(stream.Event{Type: stream.EventToken, Text: "late"}), stream.ErrClosed)

	frames := parseSSE(t, rec.Body.String())
	require.Len(t, frames, 1, "nothing after the terminal event")
	assert.Equal(t, "error", frames[0].event)
	assert.Equal(t, true, frames[0].data["retryable"])
}

func TestSSEWriterCloseStopsEmission(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := stream.NewSSEWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.Send(stream.Event{Type: stream.EventStart, RunID: "r-1"}))
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Send(stream.Event{Type: stream.EventToken, Text: "x"}), stream.ErrClosed)
	require.Len(t, parseSSE(t, rec.Body.String()), 1)
}

// noFlush implements ResponseWriter but not Flusher.
type noFlush struct{ http.ResponseWriter }

func TestSSEWriterRequiresFlusher(t *testing.T) {
	_, err := stream.NewSSEWriter(noFlush{httptest.NewRecorder()})
	require.Error(t, err)
}

func TestWSWriterRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	sendErrs := make(chan error, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(rw, req, nil)
		if err != nil {
			return
		}
		w := stream.NewWSWriter(conn)
		defer w.Close()

		sendErrs <- w.Send(stream.Event{Type: stream.EventStart, RunID: "r-1"})
		sendErrs <- w.Send(stream.Event{Type: stream.EventDone, RunID: "r-1"})
		sendErrs <- w.Send(stream.Event{Type: stream.EventToken, Text: "late"})
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var start, done stream.Event
	require.NoError(t, conn.ReadJSON(&start))
	assert.Equal(t, stream.EventStart, start.Type)
	assert.Equal(t, "r-1", start.RunID)
	require.NoError(t, conn.ReadJSON(&done))
	assert.Equal(t, stream.EventDone, done.Type)

	assert.NoError(t, <-sendErrs)
	assert.NoError(t, <-sendErrs)
	assert.ErrorIs(t, <-sendErrs, stream.ErrClosed, "terminal event closes the writer")
}

func TestDiscardDropsEverything(t *testing.T) {
	var d stream.Discard
	assert.NoError(t, d.Send(stream.Event{Type: stream.EventDone}))
	assert.NoError(t, d.Close())
}
