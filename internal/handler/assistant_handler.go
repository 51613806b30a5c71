package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hitoshi/workshopwizard/internal/assistant"
	"github.com/hitoshi/workshopwizard/internal/middleware"
	"github.com/hitoshi/workshopwizard/internal/model"
)

// SparkyReplier はステップの文脈を踏まえて応答するアシスタント。*assistant.Sparkyが実装する。
type SparkyReplier interface {
	Reply(ctx context.Context, step int, data model.WorkshopData, history []model.ChatMessage, userMessage string) (string, error)
}

// Completer はプロンプトから応答を生成する。*assistant.Clientが実装する。
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt, model string) (string, error)
}

// AssistantHandler はSparkyとの会話およびAI APIプロキシのHTTPハンドラー。
type AssistantHandler struct {
	stores          StoreProvider
	sparky          SparkyReplier
	sparkyProvider  string
	completers      map[string]Completer
	defaultProvider string

	now   func() time.Time
	newID func() (string, error)
}

// NewAssistantHandler はAssistantHandlerを生成する。
// completersのキーはプロバイダ名（"openai", "perplexity"）。
func NewAssistantHandler(stores StoreProvider, sparky SparkyReplier, completers map[string]Completer) *AssistantHandler {
	return &AssistantHandler{
		stores:          stores,
		sparky:          sparky,
		sparkyProvider:  assistant.ProviderOpenAI,
		completers:      completers,
		defaultProvider: assistant.ProviderOpenAI,
		now:             time.Now,
		newID:           newMessageID,
	}
}

// chatRequest はSparkyへのメッセージ送信リクエストのボディ。
// stepを省略した場合は現在のステップとして扱う。
type chatRequest struct {
	Message string `json:"message"`
	Step    *int   `json:"step"`
}

// chatResponse はSparkyの応答と更新後のセッション。
type chatResponse struct {
	Reply   model.ChatMessage `json:"reply"`
	Session sessionResponse   `json:"session"`
}

// completeRequest はAI APIプロキシのリクエストボディ。
type completeRequest struct {
	Provider     string `json:"provider"`
	SystemPrompt string `json:"systemPrompt"`
	UserPrompt   string `json:"userPrompt"`
	Model        string `json:"model"`
}

// completeResponse はAI APIプロキシのレスポンス。
type completeResponse struct {
	Provider string `json:"provider"`
	Content  string `json:"content"`
}

// Chat はSparkyにメッセージを送り、応答を会話履歴に追加する。
// 会話履歴の保存はworkshopDataと同じく遅延される。
// POST /api/workshops/{id}/chat
func (h *AssistantHandler) Chat(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req chatRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	sessionID := chi.URLParam(r, "id")
	store := h.stores.Store(userID)

	snap, err := store.Activate(r.Context(), sessionID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	step := snap.Session.CurrentStep
	if req.Step != nil {
		if *req.Step < model.MinStep || *req.Step > model.LastStep {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidStepError(strconv.Itoa(*req.Step)))
			return
		}
		step = *req.Step
	}

	key := assistant.StepKey(step)
	history := snap.Session.WorkshopData.ChatHistory[key]

	reply, err := h.sparky.Reply(r.Context(), step, snap.Session.WorkshopData, history, message)
	if err != nil {
		handleAssistantError(w, h.sparkyProvider, err)
		return
	}

	userMsg, err := h.message("user", message)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	assistantMsg, err := h.message("assistant", reply)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	snap, err = store.AppendChat(r.Context(), sessionID, key, userMsg, assistantMsg)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, chatResponse{
		Reply:   assistantMsg,
		Session: toSessionResponse(snap),
	})
}

// Complete はプロンプトをそのままAI APIに転送する。再試行は行わない。
// POST /api/assistant/complete
func (h *AssistantHandler) Complete(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUserID(w, r); !ok {
		return
	}

	var req completeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserPrompt) == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		provider = h.defaultProvider
	}
	completer, ok := h.completers[provider]
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return
	}

	content, err := completer.Complete(r.Context(), req.SystemPrompt, req.UserPrompt, req.Model)
	if err != nil {
		handleAssistantError(w, provider, err)
		return
	}

	writeJSON(w, http.StatusOK, completeResponse{Provider: provider, Content: content})
}

// message はIDと作成時刻を付与したChatMessageを生成する。
func (h *AssistantHandler) message(role, content string) (model.ChatMessage, error) {
	id, err := h.newID()
	if err != nil {
		return model.ChatMessage{}, err
	}
	return model.ChatMessage{
		ID:        id,
		Role:      role,
		Content:   content,
		CreatedAt: h.now().UTC(),
	}, nil
}

// newMessageID はUUIDv7をメッセージIDとして生成する。
func newMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
