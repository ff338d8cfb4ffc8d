// Package provider adapts Chat-Completions-shaped requests onto concrete LLM
// provider APIs and normalizes their streams into one event vocabulary.
package provider

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// EventType enumerates the unified stream event kinds.
type EventType string

const (
	EventContent          EventType = "content"
	EventReasoning        EventType = "reasoning"
	EventThoughtSignature EventType = "thought_signature"
	EventToolCall         EventType = "tool_call"
	EventUsage            EventType = "usage"
	EventSafetyBlocked    EventType = "safety_blocked"
	EventDone             EventType = "done"
)

// StreamEvent is one normalized event from a provider stream. Text carries
// content, reasoning, and thought-signature payloads; Value carries tool
// calls, usage, and safety payloads.
type StreamEvent struct {
	Type  EventType
	Text  string
	Value map[string]any
}

func contentEvent(text string) StreamEvent   { return StreamEvent{Type: EventContent, Text: text} }
func reasoningEvent(text string) StreamEvent { return StreamEvent{Type: EventReasoning, Text: text} }
func doneEvent() StreamEvent                 { return StreamEvent{Type: EventDone} }

// Request is a fully built provider HTTP request.
type Request struct {
	URL     string
	Headers map[string]string
	Body    map[string]any
}

// Adapter converts requests and parses stream lines for one provider API.
// Adapters hold per-stream tool-call state; use one adapter instance per
// stream.
type Adapter interface {
	// BuildRequest converts a Chat-Completions-shaped body into a provider
	// request. The body map is not mutated.
	BuildRequest(baseURL, apiKey, model string, body map[string]any) (*Request, error)

	// ParseStream consumes one line of the provider's SSE stream and returns
	// zero or more normalized events.
	ParseStream(line string) []StreamEvent
}

// Adapter names accepted by ForName.
const (
	AdapterOpenAIChat      = "openai-chat"
	AdapterOpenAIResponses = "openai-responses"
	AdapterAnthropic       = "anthropic"
	AdapterGemini          = "gemini"
)

// ForName returns a fresh adapter instance for a model_adapter name.
func ForName(name string) (Adapter, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case AdapterOpenAIChat, "openai", "":
		return NewOpenAIChatAdapter(), nil
	case AdapterOpenAIResponses:
		return NewOpenAIResponsesAdapter(), nil
	case AdapterAnthropic, "claude":
		return NewAnthropicAdapter(), nil
	case AdapterGemini, "google":
		return NewGeminiAdapter(), nil
	default:
		return nil, fmt.Errorf("unknown model adapter %q", name)
	}
}

func trimBase(baseURL string) string {
	return strings.TrimRight(strings.TrimSpace(baseURL), "/")
}

// stripSSEData removes the SSE "data: " prefix. Returns ok=false for
// non-data lines (comments, event names, blanks).
func stripSSEData(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") {
		return "", false
	}
	if strings.HasPrefix(line, "data:") {
		return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
	}
	return "", false
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func asInt(v any) (int, bool) {
	f, ok := asFloat(v)
	return int(f), ok
}

// cloneBody shallow-copies a request body so adapters can drop or rewrite
// top-level keys without mutating the caller's map.
func cloneBody(body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}
	return out
}

// decodeDataURL splits a data: URL into media type and raw base64 payload.
func decodeDataURL(url string) (mediaType, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(url, "data:")
	sep := strings.Index(rest, ",")
	if sep < 0 {
		return "", "", false
	}
	meta, payload := rest[:sep], rest[sep+1:]
	mediaType = meta
	if i := strings.Index(meta, ";"); i >= 0 {
		mediaType = meta[:i]
	}
	if mediaType == "" {
		mediaType = "image/png"
	}
	if !strings.Contains(meta, "base64") {
		payload = base64.StdEncoding.EncodeToString([]byte(payload))
	}
	return mediaType, payload, true
}
