package llm_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/000haoji/deep-student/internal/approot"
	"github.com/000haoji/deep-student/internal/llm"
	"github.com/000haoji/deep-student/internal/migrate"
	"github.com/000haoji/deep-student/internal/provider"
	"github.com/000haoji/deep-student/internal/storage"
)

func TestApplyReasoningConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  llm.ModelConfig
		body map[string]any
		want func(t *testing.T, out map[string]any)
	}{
		{
			name: "non-reasoning passthrough",
			cfg:  llm.ModelConfig{Adapter: provider.AdapterAnthropic, IsReasoning: false},
			body: map[string]any{"temperature": 0.7},
			want: func(t *testing.T, out map[string]any) {
				if out["temperature"] != 0.7 {
					t.Fatalf("temperature = %v", out["temperature"])
				}
				if _, ok := out["thinking"]; ok {
					t.Fatal("thinking injected for non-reasoning model")
				}
			},
		},
		{
			name: "anthropic drops sampling",
			cfg:  llm.ModelConfig{Adapter: provider.AdapterAnthropic, IsReasoning: true},
			body: map[string]any{"temperature": 0.7, "top_p": 0.9},
			want: func(t *testing.T, out map[string]any) {
				thinking, _ := out["thinking"].(map[string]any)
				if thinking == nil || thinking["type"] != "enabled" {
					t.Fatalf("thinking = %v", out["thinking"])
				}
				if _, ok := out["temperature"]; ok {
					t.Fatal("temperature survived")
				}
				if _, ok := out["top_p"]; ok {
					t.Fatal("top_p survived")
				}
			},
		},
		{
			name: "responses gets summary",
			cfg:  llm.ModelConfig{Adapter: provider.AdapterOpenAIResponses, IsReasoning: true},
			body: map[string]any{},
			want: func(t *testing.T, out map[string]any) {
				reasoning, _ := out["reasoning"].(map[string]any)
				if reasoning == nil || reasoning["summary"] != "auto" {
					t.Fatalf("reasoning = %v", out["reasoning"])
				}
			},
		},
		{
			name: "gemini gets medium effort",
			cfg:  llm.ModelConfig{Adapter: provider.AdapterGemini, IsReasoning: true},
			body: map[string]any{},
			want: func(t *testing.T, out map[string]any) {
				if out["reasoning_effort"] != "medium" {
					t.Fatalf("reasoning_effort = %v", out["reasoning_effort"])
				}
			},
		},
		{
			name: "existing knobs win",
			cfg:  llm.ModelConfig{Adapter: provider.AdapterGemini, IsReasoning: true},
			body: map[string]any{"reasoning_effort": "high"},
			want: func(t *testing.T, out map[string]any) {
				if out["reasoning_effort"] != "high" {
					t.Fatalf("reasoning_effort = %v", out["reasoning_effort"])
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.want(t, llm.ApplyReasoningConfig(tt.cfg, tt.body))
		})
	}
}

func TestRetryWithBackoff(t *testing.T) {
	t.Run("success passes through", func(t *testing.T) {
		calls := 0
		err := llm.RetryWithBackoff(context.Background(), func() error {
			calls++
			return nil
		})
		if err != nil || calls != 1 {
			t.Fatalf("err = %v, calls = %d", err, calls)
		}
	})

	t.Run("other errors do not retry", func(t *testing.T) {
		calls := 0
		wantErr := errors.New("permanent")
		err := llm.RetryWithBackoff(context.Background(), func() error {
			calls++
			return wantErr
		})
		if !errors.Is(err, wantErr) || calls != 1 {
			t.Fatalf("err = %v, calls = %d", err, calls)
		}
	})

	t.Run("cancellation stops rate-limit retries", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := llm.RetryWithBackoff(ctx, func() error {
			return fmt.Errorf("429: %w", llm.ErrRateLimited)
		})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	})
}

func newUsageRepo(t *testing.T) *llm.UsageRepo {
	t.Helper()
	root, err := approot.New(t.TempDir())
	if err != nil {
		t.Fatalf("approot.New() error = %v", err)
	}
	coord := migrate.NewCoordinator(root, nil)
	if report := coord.RunAll(context.Background()); !report.Success {
		t.Fatalf("RunAll() failed: %+v", report)
	}
	db, err := storage.Open(root.DatabasePath(string(migrate.DBLLMUsage)))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return llm.NewUsageRepo(db)
}

func TestStreamChatEndToEnd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"choices":[{"delta":{"reasoning_content":"think "}}]}`,
			`data: {"choices":[{"delta":{"content":"Hello"}}]}`,
			`data: {"choices":[{"delta":{"content":" world"}}]}`,
			`data: {"choices":[],"usage":{"prompt_tokens":12,"completion_tokens":5,"total_tokens":17}}`,
			`data: [DONE]`,
		}
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
		}
	}))
	defer server.Close()

	usage := newUsageRepo(t)
	orch := llm.NewOrchestrator(usage)
	ctx := context.Background()

	cfg := llm.ModelConfig{Adapter: provider.AdapterOpenAIChat, BaseURL: server.URL, APIKey: "k", Model: "gpt-4o"}
	body := map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}

	var content, reasoning strings.Builder
	doneCount := 0
	err := orch.StreamChat(ctx, cfg, body, "stream-1", "chat", func(event provider.StreamEvent) {
		switch event.Type {
		case provider.EventContent:
			content.WriteString(event.Text)
		case provider.EventReasoning:
			reasoning.WriteString(event.Text)
		case provider.EventDone:
			doneCount++
		}
	})
	if err != nil {
		t.Fatalf("StreamChat() error = %v", err)
	}
	if content.String() != "Hello world" {
		t.Fatalf("content = %q", content.String())
	}
	if reasoning.String() != "think " {
		t.Fatalf("reasoning = %q", reasoning.String())
	}
	if doneCount != 1 {
		t.Fatalf("doneCount = %d, want exactly 1", doneCount)
	}

	totals, err := usage.TotalsByCaller(ctx)
	if err != nil {
		t.Fatalf("TotalsByCaller() error = %v", err)
	}
	if totals["chat"].TotalTokens != 17 {
		t.Fatalf("totals = %+v, want 17 chat tokens", totals)
	}
}

func TestStreamChatSurfacesProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	orch := llm.NewOrchestrator(nil)
	cfg := llm.ModelConfig{Adapter: provider.AdapterOpenAIChat, BaseURL: server.URL, Model: "gpt-4o"}

	err := orch.StreamChat(context.Background(), cfg, map[string]any{}, "s", "chat",
		func(provider.StreamEvent) {})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Fatalf("StreamChat() error = %v, want status 401", err)
	}
}

func TestStreamChatRateLimitIsTyped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	orch := llm.NewOrchestrator(nil)
	cfg := llm.ModelConfig{Adapter: provider.AdapterOpenAIChat, BaseURL: server.URL, Model: "gpt-4o"}

	err := orch.StreamChat(context.Background(), cfg, map[string]any{}, "s", "chat",
		func(provider.StreamEvent) {})
	if !errors.Is(err, llm.ErrRateLimited) {
		t.Fatalf("StreamChat() error = %v, want ErrRateLimited", err)
	}
}

func TestCancelDuringConnectStopsStream(t *testing.T) {
	// The handler never responds, so the stream is stuck in connection
	// establishment when the cancel arrives.
	entered := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-r.Context().Done()
	}))
	defer server.Close()

	orch := llm.NewOrchestrator(nil)
	cfg := llm.ModelConfig{Adapter: provider.AdapterOpenAIChat, BaseURL: server.URL, Model: "gpt-4o"}

	doneCount := 0
	finished := make(chan error, 1)
	go func() {
		finished <- orch.StreamChat(context.Background(), cfg, map[string]any{}, "stuck", "chat",
			func(event provider.StreamEvent) {
				if event.Type == provider.EventDone {
					doneCount++
				}
			})
	}()

	<-entered
	orch.Cancel("stuck")

	select {
	case err := <-finished:
		if err != nil {
			t.Fatalf("StreamChat() after cancel error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancel during connect did not stop the stream")
	}
	if doneCount != 1 {
		t.Fatalf("doneCount = %d, want exactly 1", doneCount)
	}
}

func TestCompleteConvertsAnthropicShape(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, `{
			"id": "msg_1", "model": "claude-sonnet-4", "stop_reason": "end_turn",
			"content": [{"type": "text", "text": "pong"}],
			"usage": {"input_tokens": 3, "output_tokens": 1}
		}`)
	}))
	defer server.Close()

	usage := newUsageRepo(t)
	orch := llm.NewOrchestrator(usage)
	cfg := llm.ModelConfig{Adapter: provider.AdapterAnthropic, BaseURL: server.URL, Model: "claude-sonnet-4"}

	result, err := orch.Complete(context.Background(), cfg, map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "ping"}},
	}, "connection_test")
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	choice := result["choices"].([]any)[0].(map[string]any)
	if choice["finish_reason"] != "stop" {
		t.Fatalf("finish_reason = %v", choice["finish_reason"])
	}
	if choice["message"].(map[string]any)["content"] != "pong" {
		t.Fatalf("message = %+v", choice["message"])
	}

	totals, err := usage.TotalsByCaller(context.Background())
	if err != nil {
		t.Fatalf("TotalsByCaller() error = %v", err)
	}
	if totals["connection_test"].TotalTokens != 4 {
		t.Fatalf("totals = %+v", totals)
	}
}

func TestCancelStopsStream(t *testing.T) {
	orch := llm.NewOrchestrator(nil)
	ch, cleanup := orch.RegisterCancel("abc")
	defer cleanup()

	orch.Cancel("abc")
	select {
	case <-ch:
	default:
		t.Fatal("cancel channel not closed")
	}

	// Cancelling an unknown id is a no-op.
	orch.Cancel("missing")
}
