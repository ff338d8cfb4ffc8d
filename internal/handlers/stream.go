package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/000haoji/deep-student/internal/provider"
	"github.com/000haoji/deep-student/internal/service"
)

// sseWriter serializes stream topics onto a Server-Sent Events response.
// Each topic is one SSE event whose data line is a JSON payload.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, service.NewAppError(service.KindInternal, "streaming not supported by response writer", nil)
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, nil
}

// emit writes one topic. Payloads are JSON-encoded; marshal failures drop the
// event rather than corrupting the stream.
func (s *sseWriter) emit(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", topic, data)
	s.flusher.Flush()
}

// streamCollector republishes normalized stream events onto the event-id
// topics and accumulates content and reasoning for persistence. The terminal
// done/error topics are emitted by the command, not here, so the command can
// attach its result payload.
type streamCollector struct {
	sw      *sseWriter
	eventID string

	content   strings.Builder
	reasoning strings.Builder
}

func newStreamCollector(sw *sseWriter, eventID string) *streamCollector {
	return &streamCollector{sw: sw, eventID: eventID}
}

func (c *streamCollector) handle(ev provider.StreamEvent) {
	switch ev.Type {
	case provider.EventContent:
		c.content.WriteString(ev.Text)
		c.sw.emit(c.eventID, ev.Text)
	case provider.EventReasoning:
		c.reasoning.WriteString(ev.Text)
		c.sw.emit(c.eventID+"_reasoning", ev.Text)
	case provider.EventToolCall:
		c.sw.emit(c.eventID+"_tool_call", ev.Value)
	case provider.EventUsage:
		c.sw.emit(c.eventID+"_usage", ev.Value)
	case provider.EventSafetyBlocked:
		c.sw.emit(c.eventID+"_safety", ev.Value)
	case provider.EventDone:
		// The command emits the terminal topic with its payload.
	}
}

func (c *streamCollector) Content() string   { return c.content.String() }
func (c *streamCollector) Reasoning() string { return c.reasoning.String() }

func (c *streamCollector) emitError(err error) {
	c.sw.emit(c.eventID+"_error", service.Classify(err))
}

func (c *streamCollector) emitDone(payload any) {
	if payload == nil {
		payload = map[string]any{}
	}
	c.sw.emit(c.eventID+"_done", payload)
}
