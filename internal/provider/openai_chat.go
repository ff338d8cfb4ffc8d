package provider

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// OpenAIChatAdapter targets {base}/chat/completions and passes the body
// through verbatim.
type OpenAIChatAdapter struct {
	pending map[int]*pendingToolCall
}

type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

// NewOpenAIChatAdapter creates an adapter instance for one stream.
func NewOpenAIChatAdapter() *OpenAIChatAdapter {
	return &OpenAIChatAdapter{pending: make(map[int]*pendingToolCall)}
}

// BuildRequest passes the Chat Completions body through verbatim.
func (a *OpenAIChatAdapter) BuildRequest(baseURL, apiKey, model string, body map[string]any) (*Request, error) {
	out := cloneBody(body)
	if model != "" {
		out["model"] = model
	}
	return &Request{
		URL: trimBase(baseURL) + "/chat/completions",
		Headers: map[string]string{
			"Authorization": "Bearer " + strings.TrimSpace(apiKey),
			"Content-Type":  "application/json",
		},
		Body: out,
	}, nil
}

// ParseStream reads one Chat Completions SSE line.
func (a *OpenAIChatAdapter) ParseStream(line string) []StreamEvent {
	data, ok := stripSSEData(line)
	if !ok {
		return nil
	}
	if data == "[DONE]" {
		events := a.flushToolCalls()
		return append(events, doneEvent())
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil
	}

	var events []StreamEvent
	for _, choiceAny := range asSlice(payload["choices"]) {
		choice := asMap(choiceAny)
		delta := asMap(choice["delta"])

		if content := asString(delta["content"]); content != "" {
			events = append(events, contentEvent(content))
		}
		if reasoning := asString(delta["reasoning_content"]); reasoning != "" {
			events = append(events, reasoningEvent(reasoning))
		}
		for _, tcAny := range asSlice(delta["tool_calls"]) {
			a.accumulateToolCall(asMap(tcAny))
		}
		if asString(choice["finish_reason"]) == "tool_calls" {
			events = append(events, a.flushToolCalls()...)
		}
	}
	if usage := asMap(payload["usage"]); usage != nil {
		events = append(events, StreamEvent{Type: EventUsage, Value: usage})
	}
	return events
}

func (a *OpenAIChatAdapter) accumulateToolCall(tc map[string]any) {
	if tc == nil {
		return
	}
	index, _ := asInt(tc["index"])
	p := a.pending[index]
	if p == nil {
		p = &pendingToolCall{}
		a.pending[index] = p
	}
	if id := asString(tc["id"]); id != "" {
		p.id = id
	}
	fn := asMap(tc["function"])
	if name := asString(fn["name"]); name != "" {
		p.name = name
	}
	p.args.WriteString(asString(fn["arguments"]))
}

func (a *OpenAIChatAdapter) flushToolCalls() []StreamEvent {
	if len(a.pending) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.pending))
	for i := range a.pending {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var events []StreamEvent
	for _, i := range indexes {
		p := a.pending[i]
		id := p.id
		if id == "" {
			id = fmt.Sprintf("call_%d", i)
		}
		events = append(events, StreamEvent{Type: EventToolCall, Value: map[string]any{
			"index": i,
			"id":    id,
			"type":  "function",
			"function": map[string]any{
				"name":      p.name,
				"arguments": p.args.String(),
			},
		}})
	}
	a.pending = make(map[int]*pendingToolCall)
	return events
}
