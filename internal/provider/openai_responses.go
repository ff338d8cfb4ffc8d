package provider

import (
	"encoding/json"
	"strings"
)

// OpenAIResponsesAdapter targets {base}/responses and converts the Chat
// Completions shape into the Responses input shape.
type OpenAIResponsesAdapter struct {
	trailingReasoning strings.Builder
	streamedReasoning bool
}

// NewOpenAIResponsesAdapter creates an adapter instance for one stream.
func NewOpenAIResponsesAdapter() *OpenAIResponsesAdapter {
	return &OpenAIResponsesAdapter{}
}

// reasoningSummaryModels get reasoning.summary = "auto" by default.
func wantsReasoningSummary(model string) bool {
	m := strings.ToLower(model)
	return strings.HasPrefix(m, "o1") || strings.HasPrefix(m, "o3") || strings.HasPrefix(m, "gpt-5")
}

// BuildRequest converts the Chat shape into the Responses shape. System
// messages become top-level instructions.
func (a *OpenAIResponsesAdapter) BuildRequest(baseURL, apiKey, model string, body map[string]any) (*Request, error) {
	out := map[string]any{
		"model":  model,
		"stream": true,
	}
	if model == "" {
		out["model"] = body["model"]
	}

	var instructions []string
	var input []any
	for _, msgAny := range asSlice(body["messages"]) {
		msg := asMap(msgAny)
		role := asString(msg["role"])
		if role == "system" || role == "developer" {
			if text := flattenContent(msg["content"]); text != "" {
				instructions = append(instructions, text)
			}
			continue
		}
		input = append(input, map[string]any{
			"role":    role,
			"content": responsesContent(role, msg["content"]),
		})
	}
	out["input"] = input
	if len(instructions) > 0 {
		out["instructions"] = strings.Join(instructions, "\n\n")
	}

	if v, ok := body["max_tokens"]; ok {
		out["max_output_tokens"] = v
	}
	if v, ok := body["max_output_tokens"]; ok {
		out["max_output_tokens"] = v
	}
	if v, ok := body["temperature"]; ok {
		out["temperature"] = v
	}
	if v, ok := body["response_format"]; ok {
		out["response_format"] = v
	}
	if v, ok := body["reasoning"]; ok {
		out["reasoning"] = v
	} else if wantsReasoningSummary(asString(out["model"])) {
		out["reasoning"] = map[string]any{"summary": "auto"}
	}

	return &Request{
		URL: trimBase(baseURL) + "/responses",
		Headers: map[string]string{
			"Authorization": "Bearer " + strings.TrimSpace(apiKey),
			"Content-Type":  "application/json",
		},
		Body: out,
	}, nil
}

// flattenContent joins a content string or text-part array into plain text.
func flattenContent(content any) string {
	if s, ok := content.(string); ok {
		return s
	}
	var parts []string
	for _, partAny := range asSlice(content) {
		part := asMap(partAny)
		if text := asString(part["text"]); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n")
}

// responsesContent converts Chat content parts into Responses input parts.
func responsesContent(role string, content any) []any {
	textType := "input_text"
	if role == "assistant" {
		textType = "output_text"
	}
	if s, ok := content.(string); ok {
		return []any{map[string]any{"type": textType, "text": s}}
	}
	var out []any
	for _, partAny := range asSlice(content) {
		part := asMap(partAny)
		switch asString(part["type"]) {
		case "image_url":
			url := asString(asMap(part["image_url"])["url"])
			if url == "" {
				url = asString(part["url"])
			}
			out = append(out, map[string]any{"type": "input_image", "image_url": url})
		default:
			if text := asString(part["text"]); text != "" {
				out = append(out, map[string]any{"type": textType, "text": text})
			}
		}
	}
	return out
}

// ParseStream reads one Responses API SSE line.
func (a *OpenAIResponsesAdapter) ParseStream(line string) []StreamEvent {
	data, ok := stripSSEData(line)
	if !ok {
		return nil
	}
	if data == "[DONE]" {
		return []StreamEvent{doneEvent()}
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil
	}

	switch asString(payload["type"]) {
	case "response.output_text.delta":
		if delta := asString(payload["delta"]); delta != "" {
			return []StreamEvent{contentEvent(delta)}
		}
	case "response.reasoning_text.delta", "response.reasoning_summary_text.delta":
		if delta := asString(payload["delta"]); delta != "" {
			a.streamedReasoning = true
			return []StreamEvent{reasoningEvent(delta)}
		}
	case "response.completed":
		var events []StreamEvent
		response := asMap(payload["response"])
		// Emit reasoning summaries the stream never delivered as deltas.
		if !a.streamedReasoning {
			if summary := collectReasoningSummary(response); summary != "" {
				events = append(events, reasoningEvent(summary))
			}
		}
		if usage := asMap(response["usage"]); usage != nil {
			events = append(events, StreamEvent{Type: EventUsage, Value: normalizeResponsesUsage(usage)})
		}
		return append(events, doneEvent())
	case "response.failed", "error":
		return []StreamEvent{doneEvent()}
	}
	return nil
}

func collectReasoningSummary(response map[string]any) string {
	var parts []string
	for _, itemAny := range asSlice(response["output"]) {
		item := asMap(itemAny)
		if asString(item["type"]) != "reasoning" {
			continue
		}
		for _, sumAny := range asSlice(item["summary"]) {
			if text := asString(asMap(sumAny)["text"]); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func normalizeResponsesUsage(usage map[string]any) map[string]any {
	prompt, _ := asInt(usage["input_tokens"])
	completion, _ := asInt(usage["output_tokens"])
	out := map[string]any{
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
		"total_tokens":      prompt + completion,
	}
	if details := asMap(usage["output_tokens_details"]); details != nil {
		if reasoning, ok := asInt(details["reasoning_tokens"]); ok && reasoning > 0 {
			out["reasoning_tokens"] = reasoning
		}
	}
	return out
}
