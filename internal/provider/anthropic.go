package provider

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const anthropicVersion = "2023-06-01"

// Beta flags assembled per request feature set.
const (
	betaTools               = "tools-2024-04-04"
	betaThinking            = "thinking-2024-07-31"
	betaInterleavedThinking = "interleaved-thinking-2025-05-14"
	betaEffort              = "effort-2025-11-24"
)

// AnthropicAdapter targets {base}/v1/messages and converts between the Chat
// Completions shape and the Anthropic Messages shape.
type AnthropicAdapter struct {
	pending map[int]*anthropicPendingTool
	client  *http.Client
}

type anthropicPendingTool struct {
	id   string
	name string
	args strings.Builder
}

// fetchedImages caches http(s) image URLs already downloaded and encoded.
var fetchedImages sync.Map

// NewAnthropicAdapter creates an adapter instance for one stream.
func NewAnthropicAdapter() *AnthropicAdapter {
	return &AnthropicAdapter{
		pending: make(map[int]*anthropicPendingTool),
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

// messagesURL appends /v1/messages, accepting bases that already end in /v1
// or /messages.
func messagesURL(baseURL string) string {
	base := trimBase(baseURL)
	switch {
	case strings.HasSuffix(base, "/v1/messages"), strings.HasSuffix(base, "/messages"):
		return base
	case strings.HasSuffix(base, "/v1"):
		return base + "/messages"
	default:
		return base + "/v1/messages"
	}
}

// sanitizeToolName replaces dots, which Anthropic rejects in tool names.
func sanitizeToolName(name string) string {
	return strings.ReplaceAll(name, ".", "-")
}

// BuildRequest converts the Chat shape into the Anthropic Messages shape.
func (a *AnthropicAdapter) BuildRequest(baseURL, apiKey, model string, body map[string]any) (*Request, error) {
	out := map[string]any{
		"model":  model,
		"stream": true,
	}
	if model == "" {
		out["model"] = body["model"]
	}

	system, messages, err := a.convertMessages(asSlice(body["messages"]))
	if err != nil {
		return nil, err
	}
	if system != "" {
		out["system"] = system
	}
	out["messages"] = messages

	maxTokens := 4096
	if v, ok := asInt(body["max_tokens"]); ok && v > 0 {
		maxTokens = v
	}
	out["max_tokens"] = maxTokens

	tools := asSlice(body["tools"])
	if len(tools) > 0 {
		out["tools"] = convertAnthropicTools(tools)
		if tc := convertAnthropicToolChoice(body["tool_choice"]); tc != nil {
			out["tool_choice"] = tc
		}
	}

	thinking := asMap(body["thinking"])
	if thinking != nil {
		out["thinking"] = thinking
	}
	if v, ok := body["effort"]; ok {
		out["effort"] = v
	}

	// Extended thinking forbids sampling overrides; otherwise temperature
	// wins over top_p (Claude 4.5 rejects both together).
	if thinking == nil {
		if v, ok := body["temperature"]; ok {
			out["temperature"] = v
		} else if v, ok := body["top_p"]; ok {
			out["top_p"] = v
		}
		if v, ok := body["top_k"]; ok {
			out["top_k"] = v
		}
	}

	if v, ok := body["stop"]; ok {
		out["stop_sequences"] = v
	}
	if rf := asMap(body["response_format"]); rf != nil {
		switch asString(rf["type"]) {
		case "json_object":
			out["response_format"] = map[string]any{"type": "json"}
		default:
			out["response_format"] = rf
		}
	}

	headers := map[string]string{
		"Content-Type":      "application/json",
		"x-api-key":         strings.TrimSpace(apiKey),
		"anthropic-version": anthropicVersion,
	}
	var betas []string
	if len(tools) > 0 {
		betas = append(betas, betaTools)
	}
	if thinking != nil {
		betas = append(betas, betaThinking)
		if len(tools) > 0 && strings.Contains(strings.ToLower(asString(out["model"])), "claude-4") {
			betas = append(betas, betaInterleavedThinking)
		}
	}
	if _, ok := body["effort"]; ok {
		betas = append(betas, betaEffort)
	}
	if len(betas) > 0 {
		headers["anthropic-beta"] = strings.Join(betas, ",")
	}

	return &Request{URL: messagesURL(baseURL), Headers: headers, Body: out}, nil
}

// convertMessages maps Chat messages onto Anthropic messages, separating the
// system prompt and merging consecutive same-role messages.
func (a *AnthropicAdapter) convertMessages(messages []any) (string, []any, error) {
	var systemParts []string
	var converted []map[string]any

	appendMessage := func(role string, blocks []any) {
		if len(blocks) == 0 {
			return
		}
		if n := len(converted); n > 0 && asString(converted[n-1]["role"]) == role {
			converted[n-1]["content"] = append(asSlice(converted[n-1]["content"]), blocks...)
			return
		}
		converted = append(converted, map[string]any{"role": role, "content": blocks})
	}

	for _, msgAny := range messages {
		msg := asMap(msgAny)
		role := asString(msg["role"])
		switch role {
		case "system", "developer":
			if text := flattenContent(msg["content"]); text != "" {
				systemParts = append(systemParts, text)
			}
		case "user":
			blocks, err := a.userBlocks(msg["content"])
			if err != nil {
				return "", nil, err
			}
			appendMessage("user", blocks)
		case "assistant":
			appendMessage("assistant", assistantBlocks(msg))
		case "tool", "function":
			block := map[string]any{
				"type":        "tool_result",
				"tool_use_id": asString(msg["tool_call_id"]),
				"content":     []any{map[string]any{"type": "text", "text": flattenContent(msg["content"])}},
			}
			if isErr, ok := msg["is_error"].(bool); ok && isErr {
				block["is_error"] = true
			}
			appendMessage("user", []any{block})
		}
	}

	for i := range converted {
		converted[i]["content"] = collapseTextBlocks(asSlice(converted[i]["content"]))
	}
	return strings.Join(systemParts, "\n\n"), toAnySlice(converted), nil
}

func toAnySlice(msgs []map[string]any) []any {
	out := make([]any, len(msgs))
	for i, m := range msgs {
		out[i] = m
	}
	return out
}

// collapseTextBlocks merges adjacent text blocks into one; some proxies
// reject messages with multiple text blocks.
func collapseTextBlocks(blocks []any) []any {
	var out []any
	for _, blockAny := range blocks {
		block := asMap(blockAny)
		if asString(block["type"]) == "text" && len(out) > 0 {
			if prev := asMap(out[len(out)-1]); asString(prev["type"]) == "text" {
				prev["text"] = asString(prev["text"]) + "\n" + asString(block["text"])
				continue
			}
		}
		out = append(out, blockAny)
	}
	return out
}

func (a *AnthropicAdapter) userBlocks(content any) ([]any, error) {
	if s, ok := content.(string); ok {
		if s == "" {
			return nil, nil
		}
		return []any{map[string]any{"type": "text", "text": s}}, nil
	}
	var out []any
	for _, partAny := range asSlice(content) {
		part := asMap(partAny)
		switch asString(part["type"]) {
		case "image_url":
			url := asString(asMap(part["image_url"])["url"])
			mediaType, data, err := a.resolveImage(url)
			if err != nil {
				return nil, err
			}
			out = append(out, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": mediaType,
					"data":       data,
				},
			})
		default:
			if text := asString(part["text"]); text != "" {
				out = append(out, map[string]any{"type": "text", "text": text})
			}
		}
	}
	return out, nil
}

// resolveImage turns a data: or http(s) image URL into base64 bytes. Remote
// fetches are cached by URL.
func (a *AnthropicAdapter) resolveImage(url string) (string, string, error) {
	if mediaType, data, ok := decodeDataURL(url); ok {
		return mediaType, data, nil
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", "", fmt.Errorf("unsupported image url scheme: %s", url)
	}
	if cached, ok := fetchedImages.Load(url); ok {
		entry := cached.([2]string)
		return entry[0], entry[1], nil
	}
	resp, err := a.client.Get(url)
	if err != nil {
		return "", "", fmt.Errorf("failed to fetch image: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("failed to fetch image: status %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("failed to read image: %w", err)
	}
	mediaType := resp.Header.Get("Content-Type")
	if mediaType == "" {
		mediaType = "image/png"
	}
	data := base64.StdEncoding.EncodeToString(raw)
	fetchedImages.Store(url, [2]string{mediaType, data})
	return mediaType, data, nil
}

func assistantBlocks(msg map[string]any) []any {
	var out []any
	if s, ok := msg["content"].(string); ok && s != "" {
		out = append(out, map[string]any{"type": "text", "text": s})
	} else {
		for _, partAny := range asSlice(msg["content"]) {
			part := asMap(partAny)
			switch asString(part["type"]) {
			case "thinking":
				block := map[string]any{"type": "thinking", "thinking": asString(part["thinking"])}
				if sig := asString(part["signature"]); sig != "" {
					block["signature"] = sig
				}
				out = append(out, block)
			default:
				if text := asString(part["text"]); text != "" {
					out = append(out, map[string]any{"type": "text", "text": text})
				}
			}
		}
	}
	for _, tcAny := range asSlice(msg["tool_calls"]) {
		tc := asMap(tcAny)
		fn := asMap(tc["function"])
		var input any = map[string]any{}
		if args := asString(fn["arguments"]); args != "" {
			var parsed any
			if err := json.Unmarshal([]byte(args), &parsed); err == nil {
				input = parsed
			}
		}
		out = append(out, map[string]any{
			"type":  "tool_use",
			"id":    asString(tc["id"]),
			"name":  sanitizeToolName(asString(fn["name"])),
			"input": input,
		})
	}
	return out
}

func convertAnthropicTools(tools []any) []any {
	out := make([]any, 0, len(tools))
	for _, toolAny := range tools {
		fn := asMap(asMap(toolAny)["function"])
		if fn == nil {
			continue
		}
		converted := map[string]any{
			"name":         sanitizeToolName(asString(fn["name"])),
			"description":  asString(fn["description"]),
			"input_schema": fn["parameters"],
		}
		if converted["input_schema"] == nil {
			converted["input_schema"] = map[string]any{"type": "object"}
		}
		out = append(out, converted)
	}
	return out
}

func convertAnthropicToolChoice(choice any) map[string]any {
	switch v := choice.(type) {
	case string:
		switch v {
		case "auto":
			return map[string]any{"type": "auto"}
		case "none":
			return map[string]any{"type": "none"}
		case "any", "required":
			return map[string]any{"type": "any"}
		}
	case map[string]any:
		if asString(v["type"]) == "function" {
			if name := asString(asMap(v["function"])["name"]); name != "" {
				return map[string]any{"type": "tool", "name": sanitizeToolName(name)}
			}
		}
	}
	return nil
}

// ParseStream reads one Anthropic Messages SSE line.
func (a *AnthropicAdapter) ParseStream(line string) []StreamEvent {
	data, ok := stripSSEData(line)
	if !ok {
		return nil
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil
	}

	switch asString(payload["type"]) {
	case "content_block_start":
		index, _ := asInt(payload["index"])
		block := asMap(payload["content_block"])
		if asString(block["type"]) == "tool_use" {
			a.pending[index] = &anthropicPendingTool{
				id:   asString(block["id"]),
				name: asString(block["name"]),
			}
		}
	case "content_block_delta":
		index, _ := asInt(payload["index"])
		delta := asMap(payload["delta"])
		switch asString(delta["type"]) {
		case "text_delta":
			if text := asString(delta["text"]); text != "" {
				return []StreamEvent{contentEvent(text)}
			}
		case "thinking_delta":
			if text := asString(delta["thinking"]); text != "" {
				return []StreamEvent{reasoningEvent(text)}
			}
		case "input_json_delta":
			if p := a.pending[index]; p != nil {
				p.args.WriteString(asString(delta["partial_json"]))
			}
		}
	case "content_block_stop":
		index, _ := asInt(payload["index"])
		if p := a.pending[index]; p != nil {
			delete(a.pending, index)
			args := p.args.String()
			if args == "" {
				args = "{}"
			}
			return []StreamEvent{{Type: EventToolCall, Value: map[string]any{
				"index": index,
				"id":    p.id,
				"type":  "function",
				"function": map[string]any{
					"name":      strings.ReplaceAll(p.name, "-", "."),
					"arguments": args,
				},
			}}}
		}
	case "message_delta":
		var events []StreamEvent
		if usage := asMap(payload["usage"]); usage != nil {
			events = append(events, StreamEvent{Type: EventUsage, Value: normalizeAnthropicUsage(usage)})
		}
		if stopReason := asString(asMap(payload["delta"])["stop_reason"]); stopReason == "safety" || stopReason == "refusal" {
			events = append(events, StreamEvent{Type: EventSafetyBlocked, Value: map[string]any{
				"stop_reason": stopReason,
			}})
		}
		return events
	case "message_stop":
		a.pending = make(map[int]*anthropicPendingTool)
		return []StreamEvent{doneEvent()}
	}
	return nil
}

func normalizeAnthropicUsage(usage map[string]any) map[string]any {
	prompt, _ := asInt(usage["input_tokens"])
	completion, _ := asInt(usage["output_tokens"])
	return map[string]any{
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
		"total_tokens":      prompt + completion,
	}
}

// ConvertResponse maps a non-streaming Anthropic response onto the Chat
// Completions shape.
func ConvertAnthropicResponse(raw []byte) (map[string]any, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse anthropic response: %w", err)
	}

	var texts []string
	var toolCalls []any
	for _, blockAny := range asSlice(resp["content"]) {
		block := asMap(blockAny)
		switch asString(block["type"]) {
		case "text":
			texts = append(texts, asString(block["text"]))
		case "tool_use":
			args, _ := json.Marshal(block["input"])
			toolCalls = append(toolCalls, map[string]any{
				"id":   asString(block["id"]),
				"type": "function",
				"function": map[string]any{
					"name":      strings.ReplaceAll(asString(block["name"]), "-", "."),
					"arguments": string(args),
				},
			})
		}
	}

	finishReason := asString(resp["stop_reason"])
	switch finishReason {
	case "tool_use":
		finishReason = "tool_calls"
	case "max_tokens":
		finishReason = "length"
	case "end_turn":
		finishReason = "stop"
	}

	message := map[string]any{
		"role":    "assistant",
		"content": strings.Join(texts, ""),
	}
	if len(toolCalls) > 0 {
		message["tool_calls"] = toolCalls
	}

	out := map[string]any{
		"id":    asString(resp["id"]),
		"model": asString(resp["model"]),
		"choices": []any{map[string]any{
			"index":         0,
			"message":       message,
			"finish_reason": finishReason,
		}},
	}
	if usage := asMap(resp["usage"]); usage != nil {
		out["usage"] = normalizeAnthropicUsage(usage)
	}
	return out, nil
}
