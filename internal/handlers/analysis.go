package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/000haoji/deep-student/internal/contextutil"
	"github.com/000haoji/deep-student/internal/llm"
	"github.com/000haoji/deep-student/internal/service"
	"github.com/000haoji/deep-student/internal/storage"
)

const analysisSystemPrompt = "你是一位耐心的学科老师。请针对学生提供的错题给出详细解析:" +
	"指出错误原因、正确解法和涉及的知识点,并给出一道同类型的练习题。"

const reviewSystemPrompt = "你是一位学科老师。请综合分析学生的一组错题," +
	"总结共性薄弱知识点,并给出针对性的复习建议。"

// AnalysisHandler serves the streaming analysis and chat commands. Streaming
// commands respond with SSE; each orchestrator event is republished under the
// caller-supplied event id topic.
type AnalysisHandler struct {
	mistakes *storage.MistakeRepo
	chat     *storage.ChatRepo
	orch     *llm.Orchestrator
	models   *llm.ModelConfigStore
}

// NewAnalysisHandler creates a new AnalysisHandler.
func NewAnalysisHandler(mistakes *storage.MistakeRepo, chat *storage.ChatRepo, orch *llm.Orchestrator, models *llm.ModelConfigStore) *AnalysisHandler {
	return &AnalysisHandler{mistakes: mistakes, chat: chat, orch: orch, models: models}
}

// tempAnalysis is the unsaved analysis payload kept in temp_sessions until the
// user either saves it as a mistake or abandons it.
type tempAnalysis struct {
	Subject  string     `json:"subject"`
	Question string     `json:"question"`
	Analysis string     `json:"analysis"`
	Chat     []chatTurn `json:"chat,omitempty"`
}

type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// runStream drives one provider stream over SSE. It resolves the model for
// purpose, applies the reasoning policy, republishes events, and finally
// emits exactly one terminal done or error topic. finish runs after a clean
// stream and its return value becomes the done payload.
func (h *AnalysisHandler) runStream(w http.ResponseWriter, r *http.Request, eventID, purpose string,
	messages []map[string]any, finish func(ctx context.Context, content, reasoning string) (any, error)) {
	ctx := r.Context()
	logger := contextutil.LoggerFromContext(ctx)

	if eventID == "" {
		writeError(w, ctx, service.Validation("event_id", "must not be empty"))
		return
	}
	cfg, err := h.models.ConfigForPurpose(ctx, purpose)
	if err != nil {
		writeError(w, ctx, err)
		return
	}

	sw, err := newSSEWriter(w)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	col := newStreamCollector(sw, eventID)

	body := map[string]any{
		"model":    cfg.Model,
		"messages": messages,
		"stream":   true,
	}
	if cfg.Temperature > 0 {
		body["temperature"] = cfg.Temperature
	}
	if cfg.MaxTokens > 0 {
		body["max_tokens"] = cfg.MaxTokens
	}
	if cfg.IsReasoning {
		body = llm.ApplyReasoningConfig(*cfg, body)
	}

	if err := h.orch.StreamChat(ctx, *cfg, body, eventID, purpose, col.handle); err != nil {
		logger.ErrorContext(ctx, "stream failed", "event_id", eventID, "purpose", purpose, "error", err)
		col.emitError(err)
		col.emitDone(nil)
		return
	}

	var payload any
	if finish != nil {
		payload, err = finish(ctx, col.Content(), col.Reasoning())
		if err != nil {
			logger.ErrorContext(ctx, "failed to persist stream result", "event_id", eventID, "error", err)
			col.emitError(err)
		}
	}
	col.emitDone(payload)
}

// AnalyzeNewMistake streams a fresh analysis for a question the user just
// entered and parks the result in a temp session.
func (h *AnalysisHandler) AnalyzeNewMistake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID    string `json:"event_id"`
		Subject    string `json:"subject"`
		Question   string `json:"question"`
		UserPrompt string `json:"user_prompt"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r.Context(), err)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, r.Context(), service.Validation("question", "must not be empty"))
		return
	}

	user := fmt.Sprintf("科目:%s\n题目:%s", req.Subject, req.Question)
	if req.UserPrompt != "" {
		user += "\n补充说明:" + req.UserPrompt
	}
	messages := []map[string]any{
		{"role": "system", "content": analysisSystemPrompt},
		{"role": "user", "content": user},
	}

	tempID := uuid.New().String()
	h.runStream(w, r, req.EventID, "chat", messages, func(ctx context.Context, content, reasoning string) (any, error) {
		payload, err := json.Marshal(tempAnalysis{
			Subject:  req.Subject,
			Question: req.Question,
			Analysis: content,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal temp analysis: %w", err)
		}
		if err := h.chat.SaveTempSession(ctx, tempID, string(payload)); err != nil {
			return nil, err
		}
		return map[string]string{"temp_id": tempID}, nil
	})
}

// ContinueChat streams a follow-up turn on an unsaved analysis.
func (h *AnalysisHandler) ContinueChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		EventID string `json:"event_id"`
		TempID  string `json:"temp_id"`
		Message string `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ctx, err)
		return
	}
	raw, err := h.chat.GetTempSession(ctx, req.TempID)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	var temp tempAnalysis
	if err := json.Unmarshal([]byte(raw), &temp); err != nil {
		writeError(w, ctx, service.NewAppError(service.KindInternal, "corrupt temp session payload", err))
		return
	}

	messages := []map[string]any{
		{"role": "system", "content": analysisSystemPrompt},
		{"role": "user", "content": fmt.Sprintf("科目:%s\n题目:%s", temp.Subject, temp.Question)},
		{"role": "assistant", "content": temp.Analysis},
	}
	for _, turn := range temp.Chat {
		messages = append(messages, map[string]any{"role": turn.Role, "content": turn.Content})
	}
	messages = append(messages, map[string]any{"role": "user", "content": req.Message})

	h.runStream(w, r, req.EventID, "chat", messages, func(ctx context.Context, content, reasoning string) (any, error) {
		temp.Chat = append(temp.Chat,
			chatTurn{Role: "user", Content: req.Message},
			chatTurn{Role: "assistant", Content: content})
		payload, err := json.Marshal(temp)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal temp analysis: %w", err)
		}
		if err := h.chat.SaveTempSession(ctx, req.TempID, string(payload)); err != nil {
			return nil, err
		}
		return map[string]string{"temp_id": req.TempID}, nil
	})
}

// SaveMistakeFromAnalysis promotes a temp analysis into a persisted mistake
// and discards the temp session.
func (h *AnalysisHandler) SaveMistakeFromAnalysis(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		TempID string   `json:"temp_id"`
		Answer string   `json:"answer"`
		Tags   []string `json:"tags"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ctx, err)
		return
	}
	raw, err := h.chat.GetTempSession(ctx, req.TempID)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	var temp tempAnalysis
	if err := json.Unmarshal([]byte(raw), &temp); err != nil {
		writeError(w, ctx, service.NewAppError(service.KindInternal, "corrupt temp session payload", err))
		return
	}

	m, err := h.mistakes.CreateMistake(ctx, &storage.Mistake{
		Subject:      temp.Subject,
		Question:     temp.Question,
		Answer:       req.Answer,
		AnalysisJSON: raw,
		Tags:         req.Tags,
	})
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	if err := h.chat.DeleteTempSession(ctx, req.TempID); err != nil {
		contextutil.LoggerFromContext(ctx).WarnContext(ctx, "failed to drop temp session",
			"temp_id", req.TempID, "error", err)
	}
	writeJSON(w, http.StatusOK, m)
}

// ContinueMistakeChat streams a follow-up conversation about a saved mistake,
// persisted as a chat session.
func (h *AnalysisHandler) ContinueMistakeChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	mistakeID := chi.URLParam(r, "id")
	var req struct {
		EventID   string `json:"event_id"`
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ctx, err)
		return
	}

	m, err := h.mistakes.GetMistake(ctx, mistakeID)
	if err != nil {
		writeError(w, ctx, err)
		return
	}

	sessionID := req.SessionID
	var history []*storage.ChatMessage
	if sessionID == "" {
		title := m.Question
		if r := []rune(title); len(r) > 40 {
			title = string(r[:40])
		}
		session, err := h.chat.CreateSession(ctx, title, "")
		if err != nil {
			writeError(w, ctx, err)
			return
		}
		sessionID = session.ID
	} else {
		history, err = h.chat.Messages(ctx, sessionID)
		if err != nil {
			writeError(w, ctx, err)
			return
		}
	}

	system := analysisSystemPrompt + "\n当前错题:\n" +
		fmt.Sprintf("科目:%s\n题目:%s\n答案:%s", m.Subject, m.Question, m.Answer)
	messages := []map[string]any{{"role": "system", "content": system}}
	for _, msg := range history {
		messages = append(messages, map[string]any{"role": msg.Role, "content": msg.Content})
	}
	messages = append(messages, map[string]any{"role": "user", "content": req.Message})

	h.runStream(w, r, req.EventID, "chat", messages, func(ctx context.Context, content, reasoning string) (any, error) {
		if _, err := h.chat.AppendMessage(ctx, &storage.ChatMessage{
			SessionID: sessionID, Role: "user", Content: req.Message,
		}); err != nil {
			return nil, err
		}
		if _, err := h.chat.AppendMessage(ctx, &storage.ChatMessage{
			SessionID: sessionID, Role: "assistant", Content: content, ReasoningContent: reasoning,
		}); err != nil {
			return nil, err
		}
		return map[string]string{"session_id": sessionID}, nil
	})
}

// AnalyzeReviewSession creates a review session over a set of mistakes and
// streams the combined analysis, storing it as the session summary.
func (h *AnalysisHandler) AnalyzeReviewSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req struct {
		EventID    string   `json:"event_id"`
		Subject    string   `json:"subject"`
		MistakeIDs []string `json:"mistake_ids"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ctx, err)
		return
	}
	if len(req.MistakeIDs) == 0 {
		writeError(w, ctx, service.Validation("mistake_ids", "must not be empty"))
		return
	}

	var sb strings.Builder
	for i, id := range req.MistakeIDs {
		m, err := h.mistakes.GetMistake(ctx, id)
		if err != nil {
			writeError(w, ctx, err)
			return
		}
		fmt.Fprintf(&sb, "错题%d:%s\n", i+1, m.Question)
		if m.Answer != "" {
			fmt.Fprintf(&sb, "答案:%s\n", m.Answer)
		}
	}

	session, err := h.mistakes.CreateReviewSession(ctx, &storage.ReviewSession{
		Subject:    req.Subject,
		MistakeIDs: req.MistakeIDs,
	})
	if err != nil {
		writeError(w, ctx, err)
		return
	}

	messages := []map[string]any{
		{"role": "system", "content": reviewSystemPrompt},
		{"role": "user", "content": fmt.Sprintf("科目:%s\n%s", req.Subject, sb.String())},
	}
	h.runStream(w, r, req.EventID, "review", messages, func(ctx context.Context, content, reasoning string) (any, error) {
		if err := h.mistakes.UpdateReviewSummary(ctx, session.ID, content); err != nil {
			return nil, err
		}
		return map[string]string{"review_id": session.ID}, nil
	})
}

// ContinueReviewChat streams a follow-up turn on a finished review session.
func (h *AnalysisHandler) ContinueReviewChat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reviewID := chi.URLParam(r, "id")
	var req struct {
		EventID string `json:"event_id"`
		Message string `json:"message"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeError(w, ctx, err)
		return
	}
	session, err := h.mistakes.GetReviewSession(ctx, reviewID)
	if err != nil {
		writeError(w, ctx, err)
		return
	}

	messages := []map[string]any{
		{"role": "system", "content": reviewSystemPrompt},
		{"role": "assistant", "content": session.Summary},
		{"role": "user", "content": req.Message},
	}
	h.runStream(w, r, req.EventID, "review", messages, nil)
}

// CancelStream cancels an in-flight stream by event id.
func (h *AnalysisHandler) CancelStream(w http.ResponseWriter, r *http.Request) {
	h.orch.Cancel(chi.URLParam(r, "eventID"))
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// ListChatSessions returns persisted chat sessions.
func (h *AnalysisHandler) ListChatSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessions, err := h.chat.ListSessions(ctx)
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	if sessions == nil {
		sessions = []*storage.ChatSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GetChatMessages returns a session's messages oldest first.
func (h *AnalysisHandler) GetChatMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	messages, err := h.chat.Messages(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, ctx, err)
		return
	}
	if messages == nil {
		messages = []*storage.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, messages)
}
