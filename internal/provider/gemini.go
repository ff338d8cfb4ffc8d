package provider

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// GeminiAdapter targets the Google Generative Language API and converts
// between the Chat Completions shape and the Gemini shape.
type GeminiAdapter struct {
	toolIndex int
	seenTools map[int][2]string // index -> (tool_call_id, name)
}

// NewGeminiAdapter creates an adapter instance for one stream.
func NewGeminiAdapter() *GeminiAdapter {
	return &GeminiAdapter{seenTools: make(map[int][2]string)}
}

var baseVersionRe = regexp.MustCompile(`/(v1(?:beta|alpha)?)/?$`)

// geminiAPIVersion picks the API version by priority: explicit override in
// the body, feature-forced v1beta, a version segment embedded in the base
// URL, then v1.
func geminiAPIVersion(baseURL string, body map[string]any, needsBeta bool) string {
	if v := asString(body["gemini_api_version"]); v != "" {
		return v
	}
	if needsBeta {
		return "v1beta"
	}
	if m := baseVersionRe.FindStringSubmatch(trimBase(baseURL)); m != nil {
		return m[1]
	}
	return "v1"
}

func isGemini3(model string) bool {
	return strings.Contains(strings.ToLower(model), "gemini-3")
}

func isGemini25(model string) bool {
	return strings.Contains(strings.ToLower(model), "gemini-2.5")
}

// BuildRequest converts the Chat shape into the Gemini generateContent shape.
func (a *GeminiAdapter) BuildRequest(baseURL, apiKey, model string, body map[string]any) (*Request, error) {
	if model == "" {
		model = asString(body["model"])
	}
	apiKey = strings.TrimSpace(apiKey)

	body = normalizeGeminiAliases(body)

	out := map[string]any{}
	systemText, contents, err := geminiContents(asSlice(body["messages"]))
	if err != nil {
		return nil, err
	}

	genConfig := map[string]any{}
	if v, ok := body["temperature"]; ok {
		genConfig["temperature"] = v
	}
	if v, ok := body["top_p"]; ok {
		genConfig["topP"] = v
	}
	if v, ok := asFloat(body["top_k"]); ok {
		if v < 1 {
			v = 1
		}
		genConfig["topK"] = v
	}
	if v, ok := body["max_tokens"]; ok {
		genConfig["maxOutputTokens"] = v
	}
	if v, ok := body["stop"]; ok {
		genConfig["stopSequences"] = v
	}
	if rf := asMap(body["response_format"]); rf != nil {
		switch asString(rf["type"]) {
		case "json_object":
			genConfig["responseMimeType"] = "application/json"
		case "json_schema":
			genConfig["responseMimeType"] = "application/json"
			if schema := asMap(rf["json_schema"]); schema != nil {
				genConfig["responseSchema"] = schema["schema"]
			}
		}
	}

	thinkingConfig := geminiThinkingConfig(model, body)
	if thinkingConfig != nil {
		genConfig["thinkingConfig"] = thinkingConfig
	}
	if len(genConfig) > 0 {
		out["generationConfig"] = genConfig
	}

	if tools := asSlice(body["tools"]); len(tools) > 0 {
		out["tools"] = []any{map[string]any{"functionDeclarations": geminiFunctionDecls(tools)}}
		if cfg := geminiToolConfig(body["tool_choice"]); cfg != nil {
			out["toolConfig"] = cfg
		}
	}

	version := geminiAPIVersion(baseURL, body, systemText != "" || thinkingConfig != nil)
	if systemText != "" {
		if version == "v1" {
			// v1 lacks systemInstruction; fold it into the first user turn.
			contents = prependSystemText(contents, systemText)
		} else {
			out["systemInstruction"] = map[string]any{
				"parts": []any{map[string]any{"text": systemText}},
			}
		}
	}
	out["contents"] = contents

	base := baseVersionRe.ReplaceAllString(trimBase(baseURL), "")
	url := fmt.Sprintf("%s/%s/models/%s:streamGenerateContent?alt=sse&key=%s", base, version, model, apiKey)

	return &Request{
		URL: url,
		Headers: map[string]string{
			"Content-Type":   "application/json",
			"x-goog-api-key": apiKey,
		},
		Body: out,
	}, nil
}

// normalizeGeminiAliases folds max-token aliases into max_tokens.
func normalizeGeminiAliases(body map[string]any) map[string]any {
	out := cloneBody(body)
	if _, ok := out["max_tokens"]; !ok {
		if v, ok := out["max_total_tokens"]; ok {
			out["max_tokens"] = v
		} else if v, ok := out["max_completion_tokens"]; ok {
			out["max_tokens"] = v
		}
	}
	return out
}

func prependSystemText(contents []any, systemText string) []any {
	for _, itemAny := range contents {
		item := asMap(itemAny)
		if asString(item["role"]) != "user" {
			continue
		}
		parts := asSlice(item["parts"])
		item["parts"] = append([]any{map[string]any{"text": systemText + "\n\n"}}, parts...)
		return contents
	}
	return append([]any{map[string]any{
		"role":  "user",
		"parts": []any{map[string]any{"text": systemText}},
	}}, contents...)
}

func geminiContents(messages []any) (string, []any, error) {
	var systemParts []string
	var contents []any

	for _, msgAny := range messages {
		msg := asMap(msgAny)
		switch asString(msg["role"]) {
		case "system", "developer":
			if text := flattenContent(msg["content"]); text != "" {
				systemParts = append(systemParts, text)
			}
		case "user":
			parts, err := geminiUserParts(msg["content"])
			if err != nil {
				return "", nil, err
			}
			if len(parts) > 0 {
				contents = append(contents, map[string]any{"role": "user", "parts": parts})
			}
		case "assistant":
			var parts []any
			if text := flattenContent(msg["content"]); text != "" {
				parts = append(parts, map[string]any{"text": text})
			}
			for _, tcAny := range asSlice(msg["tool_calls"]) {
				fn := asMap(asMap(tcAny)["function"])
				var args any = map[string]any{}
				if raw := asString(fn["arguments"]); raw != "" {
					var parsed any
					if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
						args = parsed
					}
				}
				call := map[string]any{"name": asString(fn["name"]), "args": args}
				part := map[string]any{"functionCall": call}
				if sig := asString(asMap(tcAny)["thought_signature"]); sig != "" {
					part["thoughtSignature"] = sig
				}
				parts = append(parts, part)
			}
			if len(parts) > 0 {
				contents = append(contents, map[string]any{"role": "model", "parts": parts})
			}
		case "tool", "function":
			name := asString(msg["name"])
			text := flattenContent(msg["content"])
			var response any
			var parsed map[string]any
			if err := json.Unmarshal([]byte(text), &parsed); err == nil {
				response = parsed
			} else {
				response = map[string]any{"result": text}
			}
			contents = append(contents, map[string]any{
				"role": "user",
				"parts": []any{map[string]any{
					"functionResponse": map[string]any{"name": name, "response": response},
				}},
			})
		}
	}
	return strings.Join(systemParts, "\n\n"), contents, nil
}

func geminiUserParts(content any) ([]any, error) {
	if s, ok := content.(string); ok {
		if s == "" {
			return nil, nil
		}
		return []any{map[string]any{"text": s}}, nil
	}
	var parts []any
	for _, partAny := range asSlice(content) {
		part := asMap(partAny)
		switch asString(part["type"]) {
		case "image_url":
			url := asString(asMap(part["image_url"])["url"])
			mediaType, data, ok := decodeDataURL(url)
			if !ok {
				fetched, fetchedType, err := fetchRemoteImage(url)
				if err != nil {
					return nil, err
				}
				mediaType, data = fetchedType, fetched
			}
			parts = append(parts, map[string]any{
				"inlineData": map[string]any{"mimeType": mediaType, "data": data},
			})
		default:
			if text := asString(part["text"]); text != "" {
				parts = append(parts, map[string]any{"text": text})
			}
		}
	}
	return parts, nil
}

// fetchRemoteImage reuses the Anthropic adapter's URL fetch cache.
func fetchRemoteImage(url string) (string, string, error) {
	a := NewAnthropicAdapter()
	mediaType, data, err := a.resolveImage(url)
	return data, mediaType, err
}

// geminiThinkingConfig maps reasoning settings onto the model family's
// thinking knobs: thinkingLevel for Gemini 3, thinkingBudget for Gemini 2.5.
func geminiThinkingConfig(model string, body map[string]any) map[string]any {
	override := asMap(body["google_thinking_config"])
	effort := strings.ToLower(asString(body["reasoning_effort"]))

	if override == nil && effort == "" {
		return nil
	}

	cfg := map[string]any{}
	switch {
	case isGemini3(model):
		level := "low"
		switch effort {
		case "minimal", "none", "":
			if strings.Contains(strings.ToLower(model), "flash") {
				level = "minimal"
			} else {
				level = "low"
			}
		case "low":
			level = "low"
		case "medium":
			if strings.Contains(strings.ToLower(model), "pro") {
				// Pro supports only low and high.
				level = "high"
			} else {
				level = "medium"
			}
		case "high":
			level = "high"
		}
		cfg["thinkingLevel"] = level
	case isGemini25(model):
		budget := -1
		switch effort {
		case "minimal", "none", "":
			budget = 0
		case "low":
			budget = 1024
		case "medium":
			budget = 8192
		case "high":
			budget = 24576
		}
		cfg["thinkingBudget"] = budget
	default:
		if override == nil {
			return nil
		}
	}

	if override != nil {
		if v, ok := override["thinking_level"]; ok {
			delete(cfg, "thinkingBudget")
			cfg["thinkingLevel"] = v
		}
		if v, ok := override["thinking_budget"]; ok {
			delete(cfg, "thinkingLevel")
			cfg["thinkingBudget"] = v
		}
		if v, ok := override["include_thoughts"]; ok {
			cfg["includeThoughts"] = v
		}
	}
	if len(cfg) == 0 {
		return nil
	}
	return cfg
}

func geminiFunctionDecls(tools []any) []any {
	var out []any
	for _, toolAny := range tools {
		fn := asMap(asMap(toolAny)["function"])
		if fn == nil {
			continue
		}
		decl := map[string]any{
			"name":        asString(fn["name"]),
			"description": asString(fn["description"]),
		}
		if params := asMap(fn["parameters"]); params != nil {
			decl["parameters"] = repairGeminiSchema(params)
		}
		out = append(out, decl)
	}
	return out
}

// repairGeminiSchema fills the schema holes Gemini rejects: array nodes
// without items, and items without a type.
func repairGeminiSchema(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		switch val := v.(type) {
		case map[string]any:
			out[k] = repairGeminiSchema(val)
		case []any:
			repaired := make([]any, len(val))
			for i, item := range val {
				if m, ok := item.(map[string]any); ok {
					repaired[i] = repairGeminiSchema(m)
				} else {
					repaired[i] = item
				}
			}
			out[k] = repaired
		default:
			out[k] = v
		}
	}
	if asString(out["type"]) == "array" {
		items := asMap(out["items"])
		if items == nil {
			out["items"] = map[string]any{"type": "string"}
		}
	}
	if items := asMap(out["items"]); items != nil && asString(items["type"]) == "" {
		if asMap(items["properties"]) != nil {
			items["type"] = "object"
		} else {
			items["type"] = "string"
		}
	}
	return out
}

func geminiToolConfig(choice any) map[string]any {
	switch v := choice.(type) {
	case string:
		switch v {
		case "auto":
			return map[string]any{"functionCallingConfig": map[string]any{"mode": "AUTO"}}
		case "none":
			return map[string]any{"functionCallingConfig": map[string]any{"mode": "NONE"}}
		}
	case map[string]any:
		if asString(v["type"]) == "function" {
			if name := asString(asMap(v["function"])["name"]); name != "" {
				return map[string]any{"functionCallingConfig": map[string]any{
					"mode":                 "ANY",
					"allowedFunctionNames": []any{name},
				}}
			}
		}
	}
	return nil
}

// ParseStream reads one Gemini streamGenerateContent SSE line.
func (a *GeminiAdapter) ParseStream(line string) []StreamEvent {
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

	var events []StreamEvent

	if feedback := asMap(payload["promptFeedback"]); feedback != nil {
		if reason := asString(feedback["blockReason"]); reason != "" {
			events = append(events, StreamEvent{Type: EventSafetyBlocked, Value: map[string]any{
				"block_reason": reason,
			}})
		}
	}

	for _, thought := range asSlice(payload["thoughts"]) {
		if text := asString(asMap(thought)["text"]); text != "" {
			events = append(events, reasoningEvent(text))
		}
	}

	finished := false
	for _, candAny := range asSlice(payload["candidates"]) {
		cand := asMap(candAny)
		if sig := asString(cand["thoughtSignature"]); sig != "" {
			events = append(events, StreamEvent{Type: EventThoughtSignature, Text: sig})
		}
		for _, partAny := range asSlice(asMap(cand["content"])["parts"]) {
			part := asMap(partAny)
			events = append(events, a.parsePart(part)...)
		}
		switch asString(cand["finishReason"]) {
		case "":
		case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
			events = append(events, StreamEvent{Type: EventSafetyBlocked, Value: map[string]any{
				"finish_reason": asString(cand["finishReason"]),
			}})
			finished = true
		default:
			finished = true
		}
	}

	if usage := asMap(payload["usageMetadata"]); usage != nil {
		events = append(events, StreamEvent{Type: EventUsage, Value: normalizeGeminiUsage(usage)})
	}
	if finished {
		events = append(events, doneEvent())
	}
	return events
}

func (a *GeminiAdapter) parsePart(part map[string]any) []StreamEvent {
	var events []StreamEvent

	if sig := asString(part["thoughtSignature"]); sig != "" {
		events = append(events, StreamEvent{Type: EventThoughtSignature, Text: sig})
	}

	for _, thought := range asSlice(part["thoughts"]) {
		if text := asString(asMap(thought)["text"]); text != "" {
			events = append(events, reasoningEvent(text))
		}
	}

	if call := asMap(part["functionCall"]); call != nil {
		index := a.toolIndex
		a.toolIndex++
		id := fmt.Sprintf("call_%d", index)
		a.seenTools[index] = [2]string{id, asString(call["name"])}
		args, _ := json.Marshal(call["args"])
		events = append(events, StreamEvent{Type: EventToolCall, Value: map[string]any{
			"index": index,
			"id":    id,
			"type":  "function",
			"function": map[string]any{
				"name":      asString(call["name"]),
				"arguments": string(args),
			},
		}})
		return events
	}

	text := asString(part["text"])
	if text == "" {
		return events
	}
	if isThoughtPart(part) {
		events = append(events, reasoningEvent(text))
	} else {
		events = append(events, contentEvent(text))
	}
	return events
}

// isThoughtPart checks part.thought, part.metadata.{type,isThought},
// part.kind, and part.type, in that order.
func isThoughtPart(part map[string]any) bool {
	if v, ok := part["thought"].(bool); ok {
		return v
	}
	if meta := asMap(part["metadata"]); meta != nil {
		if asString(meta["type"]) == "thought" {
			return true
		}
		if v, ok := meta["isThought"].(bool); ok {
			return v
		}
	}
	if asString(part["kind"]) == "thought" {
		return true
	}
	return asString(part["type"]) == "thought"
}

func normalizeGeminiUsage(usage map[string]any) map[string]any {
	prompt, _ := asInt(usage["promptTokenCount"])
	completion, _ := asInt(usage["candidatesTokenCount"])
	total, ok := asInt(usage["totalTokenCount"])
	if !ok {
		total = prompt + completion
	}
	out := map[string]any{
		"prompt_tokens":     prompt,
		"completion_tokens": completion,
		"total_tokens":      total,
	}
	if reasoning, ok := asInt(usage["thoughtsTokenCount"]); ok && reasoning > 0 {
		out["reasoning_tokens"] = reasoning
	}
	return out
}

// ConvertGeminiResponse maps a non-streaming Gemini response onto the Chat
// Completions shape. Thought parts land in message.thinking_content.
func ConvertGeminiResponse(raw []byte) (map[string]any, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse gemini response: %w", err)
	}

	var choices []any
	for i, candAny := range asSlice(resp["candidates"]) {
		cand := asMap(candAny)
		var texts, thoughts []string
		var toolCalls []any
		for _, partAny := range asSlice(asMap(cand["content"])["parts"]) {
			part := asMap(partAny)
			if call := asMap(part["functionCall"]); call != nil {
				args, _ := json.Marshal(call["args"])
				toolCalls = append(toolCalls, map[string]any{
					"id":   fmt.Sprintf("call_%d", len(toolCalls)),
					"type": "function",
					"function": map[string]any{
						"name":      asString(call["name"]),
						"arguments": string(args),
					},
				})
				continue
			}
			text := asString(part["text"])
			if text == "" {
				continue
			}
			if isThoughtPart(part) {
				thoughts = append(thoughts, text)
			} else {
				texts = append(texts, text)
			}
		}

		content := strings.Join(texts, "")
		message := map[string]any{"role": "assistant", "content": content}
		if thinking := strings.Join(thoughts, ""); thinking != "" && thinking != content {
			message["thinking_content"] = thinking
		}
		if len(toolCalls) > 0 {
			message["tool_calls"] = toolCalls
		}

		finishReason := asString(cand["finishReason"])
		switch finishReason {
		case "STOP":
			finishReason = "stop"
		case "MAX_TOKENS":
			finishReason = "length"
		case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
			finishReason = "content_filter"
		case "MALFORMED_FUNCTION_CALL", "TOOL_CALL_REQUIRED":
			finishReason = "tool_calls"
		}

		choices = append(choices, map[string]any{
			"index":         i,
			"message":       message,
			"finish_reason": finishReason,
		})
	}

	out := map[string]any{"choices": choices}
	if usage := asMap(resp["usageMetadata"]); usage != nil {
		out["usage"] = normalizeGeminiUsage(usage)
	}
	return out, nil
}
