// Package llm drives provider streams: request shaping, SSE decoding,
// cancellation, and usage accounting.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/000haoji/deep-student/internal/contextutil"
	"github.com/000haoji/deep-student/internal/provider"
)

// ErrRateLimited marks 429 responses so callers can back off and retry.
var ErrRateLimited = errors.New("rate limited")

// Backoff policy for rate-limited calls.
const (
	backoffInitial = time.Second
	backoffFactor  = 2
	maxRetries     = 5
)

// EventHandler receives normalized stream events in arrival order.
type EventHandler func(event provider.StreamEvent)

// Orchestrator owns the shared HTTP clients, the per-stream cancellation
// registry, and usage persistence. usage may be nil.
type Orchestrator struct {
	streamClient *http.Client
	ocrClient    *http.Client
	usage        *UsageRepo

	mu      sync.Mutex
	cancels map[string]chan struct{}
}

// NewOrchestrator creates an orchestrator. Streams have no intrinsic timeout
// and rely on cancellation; OCR-heavy calls get a 300 s budget. Compression
// is disabled so SSE frames arrive unbuffered.
func NewOrchestrator(usage *UsageRepo) *Orchestrator {
	transport := &http.Transport{DisableCompression: true}
	return &Orchestrator{
		streamClient: &http.Client{Transport: transport},
		ocrClient:    &http.Client{Transport: transport, Timeout: 300 * time.Second},
		usage:        usage,
		cancels:      make(map[string]chan struct{}),
	}
}

// RegisterCancel registers a cancellation channel for a stream id. The
// returned cleanup must run when the stream finishes.
func (o *Orchestrator) RegisterCancel(streamID string) (<-chan struct{}, func()) {
	ch := make(chan struct{})
	o.mu.Lock()
	o.cancels[streamID] = ch
	o.mu.Unlock()
	return ch, func() {
		o.mu.Lock()
		if o.cancels[streamID] == ch {
			delete(o.cancels, streamID)
		}
		o.mu.Unlock()
	}
}

// Cancel signals the stream with this id to stop.
func (o *Orchestrator) Cancel(streamID string) {
	o.mu.Lock()
	ch, ok := o.cancels[streamID]
	if ok {
		delete(o.cancels, streamID)
	}
	o.mu.Unlock()
	if ok {
		close(ch)
	}
}

// ApplyReasoningConfig injects the reasoning knobs the target adapter
// understands when the model is configured as a reasoning model.
func ApplyReasoningConfig(cfg ModelConfig, body map[string]any) map[string]any {
	if !cfg.IsReasoning {
		return body
	}
	out := make(map[string]any, len(body)+1)
	for k, v := range body {
		out[k] = v
	}
	switch cfg.Adapter {
	case provider.AdapterAnthropic:
		if _, ok := out["thinking"]; !ok {
			out["thinking"] = map[string]any{"type": "enabled", "budget_tokens": 4096}
		}
		// Extended thinking rejects sampling overrides.
		delete(out, "temperature")
		delete(out, "top_p")
		delete(out, "top_k")
	case provider.AdapterOpenAIResponses:
		if _, ok := out["reasoning"]; !ok {
			out["reasoning"] = map[string]any{"summary": "auto"}
		}
	case provider.AdapterGemini:
		if _, ok := out["google_thinking_config"]; !ok {
			if _, ok := out["reasoning_effort"]; !ok {
				out["reasoning_effort"] = "medium"
			}
		}
	default:
		if _, ok := out["reasoning_effort"]; !ok {
			out["reasoning_effort"] = "medium"
		}
	}
	return out
}

// StreamChat issues a streaming chat call and feeds normalized events to
// emit. Exactly one Done event is delivered, also on cancellation. The
// terminal usage, if any, is persisted under callerType.
func (o *Orchestrator) StreamChat(ctx context.Context, cfg ModelConfig, body map[string]any, streamID, callerType string, emit EventHandler) error {
	logger := contextutil.LoggerFromContext(ctx)

	adapter, err := provider.ForName(cfg.Adapter)
	if err != nil {
		return err
	}
	body = ApplyReasoningConfig(cfg, body)
	body["stream"] = true

	req, err := adapter.BuildRequest(cfg.BaseURL, cfg.APIKey, cfg.Model, body)
	if err != nil {
		return err
	}

	// The cancel channel must exist before the request goes out: a Cancel
	// arriving while the connection is still being established aborts the
	// request through the derived context.
	cancelCh, cleanup := o.RegisterCancel(streamID)
	defer cleanup()

	sendCtx, stopSend := context.WithCancel(ctx)
	defer stopSend()
	go func() {
		select {
		case <-cancelCh:
			stopSend()
		case <-sendCtx.Done():
		}
	}()

	resp, err := o.send(sendCtx, o.streamClient, req)
	if err != nil {
		select {
		case <-cancelCh:
			emit(provider.StreamEvent{Type: provider.EventDone})
			return nil
		default:
			return err
		}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	lines := make(chan string)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		// SSE data lines can exceed the default token size.
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-readerDone:
				return
			}
		}
		readErr <- scanner.Err()
	}()

	var lastUsage *Usage
	done := false
	emitDone := func() {
		if !done {
			done = true
			emit(provider.StreamEvent{Type: provider.EventDone})
		}
	}

	for !done {
		select {
		case <-cancelCh:
			// Cooperative cancel: drop the socket, discard partial tool
			// buffers, surface one Done.
			_ = resp.Body.Close()
			emitDone()
		case <-ctx.Done():
			_ = resp.Body.Close()
			emitDone()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					if err != nil {
						logger.WarnContext(ctx, "stream read failed", "stream_id", streamID, "error", err)
					}
				default:
				}
				emitDone()
				break
			}
			for _, event := range adapter.ParseStream(line) {
				switch event.Type {
				case provider.EventUsage:
					u := usageFromMap(event.Value)
					lastUsage = &u
					emit(event)
				case provider.EventDone:
					emitDone()
				default:
					emit(event)
				}
			}
		}
	}

	if lastUsage != nil && o.usage != nil {
		if err := o.usage.LogUsage(ctx, callerType, cfg.Model, *lastUsage); err != nil {
			logger.WarnContext(ctx, "failed to persist usage", "stream_id", streamID, "error", err)
		}
	}
	return nil
}

// Complete issues a non-streaming call and returns a Chat-Completions-shaped
// response regardless of provider.
func (o *Orchestrator) Complete(ctx context.Context, cfg ModelConfig, body map[string]any, callerType string) (map[string]any, error) {
	adapter, err := provider.ForName(cfg.Adapter)
	if err != nil {
		return nil, err
	}
	body = ApplyReasoningConfig(cfg, body)
	body["stream"] = false

	req, err := adapter.BuildRequest(cfg.BaseURL, cfg.APIKey, cfg.Model, body)
	if err != nil {
		return nil, err
	}
	req.Body["stream"] = false
	req.URL = nonStreamingURL(cfg.Adapter, req.URL)

	resp, err := o.send(ctx, o.ocrClient, req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result map[string]any
	switch cfg.Adapter {
	case provider.AdapterAnthropic:
		result, err = provider.ConvertAnthropicResponse(raw)
	case provider.AdapterGemini:
		result, err = provider.ConvertGeminiResponse(raw)
	default:
		err = json.Unmarshal(raw, &result)
		if err != nil {
			err = fmt.Errorf("failed to parse response: %w", err)
		}
	}
	if err != nil {
		return nil, err
	}

	if usage := result["usage"]; usage != nil && o.usage != nil {
		if m, ok := usage.(map[string]any); ok {
			_ = o.usage.LogUsage(ctx, callerType, cfg.Model, usageFromMap(m))
		}
	}
	return result, nil
}

// nonStreamingURL rewrites stream endpoints that differ from their
// non-streaming counterparts (only Gemini does).
func nonStreamingURL(adapterName, url string) string {
	if adapterName == provider.AdapterGemini {
		url = strings.Replace(url, ":streamGenerateContent?alt=sse&", ":generateContent?", 1)
	}
	return url
}

func (o *Orchestrator) send(ctx context.Context, client *http.Client, req *provider.Request) (*http.Response, error) {
	payload, err := json.Marshal(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, "POST", req.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	httpReq.Header.Set("Accept-Encoding", "identity")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("provider returned 429: %s: %w", string(raw), ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, fmt.Errorf("provider returned status %d: %s", resp.StatusCode, string(raw))
	}
	return resp, nil
}

// RetryWithBackoff runs fn, retrying rate-limited failures with exponential
// backoff (1 s initial, doubling, at most 5 retries). Other errors return
// immediately.
func RetryWithBackoff(ctx context.Context, fn func() error) error {
	delay := backoffInitial
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrRateLimited) {
			return err
		}
		if attempt >= maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= backoffFactor
	}
}

func usageFromMap(m map[string]any) Usage {
	var u Usage
	if v, ok := m["prompt_tokens"]; ok {
		u.PromptTokens = toInt(v)
	}
	if v, ok := m["completion_tokens"]; ok {
		u.CompletionTokens = toInt(v)
	}
	if v, ok := m["total_tokens"]; ok {
		u.TotalTokens = toInt(v)
	}
	if v, ok := m["reasoning_tokens"]; ok {
		u.ReasoningTokens = toInt(v)
	}
	if u.TotalTokens == 0 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	}
	return u
}

func toInt(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	case int64:
		return int(n)
	}
	return 0
}
