package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/workshopwizard/internal/assistant"
	"github.com/hitoshi/workshopwizard/internal/model"
)

// URLSummarizer はURLの内容を要約する。*summarize.Serviceが実装する。
type URLSummarizer interface {
	Summarize(ctx context.Context, rawURL string) (string, error)
}

// SummarizeHandler は参考URL要約のHTTPハンドラー。
type SummarizeHandler struct {
	stores     StoreProvider
	summarizer URLSummarizer
	provider   string
	now        func() time.Time
}

// NewSummarizeHandler はSummarizeHandlerを生成する。
func NewSummarizeHandler(stores StoreProvider, summarizer URLSummarizer) *SummarizeHandler {
	return &SummarizeHandler{
		stores:     stores,
		summarizer: summarizer,
		provider:   assistant.ProviderPerplexity,
		now:        time.Now,
	}
}

// summarizeRequest はURL要約リクエストのボディ。
// sessionIdを指定した場合は要約をそのセッションのurlSummariesに追加する。
type summarizeRequest struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
}

// summarizeResponse はURL要約のレスポンス。
type summarizeResponse struct {
	Summary model.URLSummary `json:"summary"`
	Session *sessionResponse `json:"session,omitempty"`
}

// Summarize はURLの内容を要約する。
// POST /api/summarize
func (h *SummarizeHandler) Summarize(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	var req summarizeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rawURL := strings.TrimSpace(req.URL)

	text, err := h.summarizer.Summarize(r.Context(), rawURL)
	if err != nil {
		handleAssistantError(w, h.provider, err)
		return
	}

	summary := model.URLSummary{
		URL:       rawURL,
		Summary:   text,
		CreatedAt: h.now().UTC(),
	}
	resp := summarizeResponse{Summary: summary}

	if sessionID := strings.TrimSpace(req.SessionID); sessionID != "" {
		snap, err := h.stores.Store(userID).AddURLSummary(r.Context(), sessionID, summary)
		if err != nil {
			handleServiceError(w, err)
			return
		}
		session := toSessionResponse(snap)
		resp.Session = &session
	}

	writeJSON(w, http.StatusOK, resp)
}
