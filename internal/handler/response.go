package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/workshopwizard/internal/assistant"
	"github.com/hitoshi/workshopwizard/internal/middleware"
	"github.com/hitoshi/workshopwizard/internal/model"
	"github.com/hitoshi/workshopwizard/internal/summarize"
	"github.com/hitoshi/workshopwizard/internal/workshop"
)

// maxRequestBodySize はJSONリクエストボディの読み取り上限。
const maxRequestBodySize = 1 << 20

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをvにデコードする。
// 失敗した場合はINVALID_REQUESTを書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidRequestError())
		return false
	}
	return true
}

// requireUserID はコンテキストからユーザーIDを取り出す。
// 取得できない場合は401を書き込みfalseを返す。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	if apiErr := toAPIError(err); apiErr != nil {
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// 既知のエラー以外は内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// toAPIError はドメインのエラーをクライアント向けのAPIErrorに変換する。
// 対応するものがない場合はnilを返す。
func toAPIError(err error) *model.APIError {
	var persistErr *model.PersistenceError
	var statusErr *assistant.StatusError

	switch {
	case errors.Is(err, model.ErrSessionNotFound):
		return model.NewSessionNotFoundError()
	case errors.As(err, &persistErr):
		return model.NewPersistenceFailedError()
	case errors.Is(err, workshop.ErrLoadSuperseded),
		errors.Is(err, workshop.ErrSessionSwitched),
		errors.Is(err, workshop.ErrNoActiveSession),
		errors.Is(err, workshop.ErrQueueClosed):
		return model.NewSessionConflictError()
	case errors.Is(err, assistant.ErrNotConfigured):
		return model.NewAssistantUnavailableError("アシスタント")
	case errors.As(err, &statusErr):
		return model.NewAssistantFailedError(statusErr.Error())
	case errors.Is(err, summarize.ErrEmptySummary):
		return model.NewAssistantFailedError(err.Error())
	default:
		return nil
	}
}

// handleAssistantError はアシスタント呼び出しのエラーを変換する。
// 分類できないエラー（接続失敗、タイムアウトなど）も502として扱う。
func handleAssistantError(w http.ResponseWriter, provider string, err error) {
	if errors.Is(err, assistant.ErrNotConfigured) {
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewAssistantUnavailableError(provider))
		return
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) || toAPIError(err) != nil {
		handleServiceError(w, err)
		return
	}

	slog.Warn("assistant request failed",
		slog.String("provider", provider),
		slog.String("error", err.Error()),
	)
	middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewAssistantFailedError(err.Error()))
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeSessionNotFound:
		return http.StatusNotFound
	case model.ErrCodePersistenceFailed:
		return http.StatusServiceUnavailable
	case model.ErrCodeInvalidWorkshopData, model.ErrCodeInvalidStep,
		model.ErrCodeInvalidURL, model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case model.ErrCodeStepIncomplete, model.ErrCodeSessionConflict:
		return http.StatusConflict
	case model.ErrCodeSSRFBlocked:
		return http.StatusForbidden
	case model.ErrCodeAssistantFailed:
		return http.StatusBadGateway
	case model.ErrCodeAssistantUnavailable:
		return http.StatusServiceUnavailable
	case model.ErrCodeUnauthorized, model.ErrCodeTokenExpired:
		return http.StatusUnauthorized
	case model.ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
