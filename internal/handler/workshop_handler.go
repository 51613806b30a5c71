package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/workshopwizard/internal/middleware"
	"github.com/hitoshi/workshopwizard/internal/model"
	"github.com/hitoshi/workshopwizard/internal/steps"
	"github.com/hitoshi/workshopwizard/internal/workshop"
)

// LoadObserver はセッション読み込みの結果を記録する。
type LoadObserver interface {
	ObserveSessionLoad(outcome string)
}

// WorkshopHandler はワークショップセッションのHTTPハンドラー。
type WorkshopHandler struct {
	stores   StoreProvider
	observer LoadObserver
}

// NewWorkshopHandler はWorkshopHandlerを生成する。observerはnilでもよい。
func NewWorkshopHandler(stores StoreProvider, observer LoadObserver) *WorkshopHandler {
	return &WorkshopHandler{stores: stores, observer: observer}
}

// createWorkshopRequest はセッション作成リクエストのボディ。
type createWorkshopRequest struct {
	Name string `json:"name"`
}

// renameWorkshopRequest はセッション名変更リクエストのボディ。
type renameWorkshopRequest struct {
	Name string `json:"name"`
}

// setStepRequest は現在ステップ変更リクエストのボディ。
type setStepRequest struct {
	Step *int `json:"step"`
}

// sessionResponse はセッションとStoreの保存状態のAPIレスポンス。
type sessionResponse struct {
	SessionID     string             `json:"sessionId"`
	Name          string             `json:"name"`
	CurrentStep   int                `json:"currentStep"`
	WorkshopData  model.WorkshopData `json:"workshopData"`
	CreatedAt     time.Time          `json:"createdAt"`
	UpdatedAt     time.Time          `json:"updatedAt"`
	SavePending   bool               `json:"savePending"`
	LastSavedAt   *time.Time         `json:"lastSavedAt,omitempty"`
	LastSaveError string             `json:"lastSaveError,omitempty"`
}

// sessionSummaryResponse はセッション一覧の1件。
type sessionSummaryResponse struct {
	SessionID   string    `json:"sessionId"`
	Name        string    `json:"name"`
	CurrentStep int       `json:"currentStep"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// stepCheckResponse はステップ判定結果のAPIレスポンス。
type stepCheckResponse struct {
	Step     int      `json:"step"`
	Complete bool     `json:"complete"`
	Missing  []string `json:"missing"`
}

// advanceResponse はステップ進行のAPIレスポンス。
type advanceResponse struct {
	Session   sessionResponse `json:"session"`
	Completed int             `json:"completedStep"`
}

// ListWorkshops はユーザーのセッション一覧を返す。
// GET /api/workshops
func (h *WorkshopHandler) ListWorkshops(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	sessions, err := store.ListSessions(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]sessionSummaryResponse, len(sessions))
	for i, s := range sessions {
		resp[i] = sessionSummaryResponse{
			SessionID:   s.SessionID,
			Name:        s.Name,
			CurrentStep: s.CurrentStep,
			CreatedAt:   s.CreatedAt,
			UpdatedAt:   s.UpdatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": resp})
}

// CreateWorkshop は新しいセッションを作成してアクティブにする。
// POST /api/workshops
func (h *WorkshopHandler) CreateWorkshop(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	var req createWorkshopRequest
	if r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	snap, err := store.InitializeSession(r.Context(), req.Name)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSessionResponse(snap))
}

// GetWorkshop はセッションを読み込み直してアクティブにする。
// GET /api/workshops/{id}
func (h *WorkshopHandler) GetWorkshop(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	snap, err := store.LoadSession(r.Context(), chi.URLParam(r, "id"))
	h.observeLoad(err)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(snap))
}

// RenameWorkshop はセッション名を変更する。
// PATCH /api/workshops/{id}
func (h *WorkshopHandler) RenameWorkshop(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	var req renameWorkshopRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	snap, err := store.Rename(r.Context(), chi.URLParam(r, "id"), req.Name)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(snap))
}

// DeleteWorkshop はセッションを削除する。保存待ちの変更は破棄される。
// DELETE /api/workshops/{id}
func (h *WorkshopHandler) DeleteWorkshop(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	if err := store.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UpdateWorkshopData はworkshopDataの一部を更新する。保存は遅延される。
// PATCH /api/workshops/{id}/data
func (h *WorkshopHandler) UpdateWorkshopData(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	var patch map[string]json.RawMessage
	if !decodeJSON(w, r, &patch) {
		return
	}

	snap, err := store.UpdateWorkshopData(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(snap))
}

// SetStep は現在のステップを変更する。範囲外の値は[1,10]に丸められる。
// PUT /api/workshops/{id}/step
func (h *WorkshopHandler) SetStep(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	var req setStepRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Step == nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidStepError("未指定"))
		return
	}

	snap, err := store.SetCurrentStep(r.Context(), chi.URLParam(r, "id"), *req.Step)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(snap))
}

// CheckStep は指定ステップの完了判定と未入力項目を返す。
// GET /api/workshops/{id}/steps/{step}
func (h *WorkshopHandler) CheckStep(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	raw := chi.URLParam(r, "step")
	step, err := strconv.Atoi(raw)
	if err != nil || step < model.MinStep || step > model.LastStep {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidStepError(raw))
		return
	}

	res, err := store.CheckStep(r.Context(), chi.URLParam(r, "id"), step)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStepCheckResponse(res))
}

// Advance は現在のステップが完了している場合に次のステップへ進める。
// 未完了の場合は409 STEP_INCOMPLETEと未入力項目を返す。
// POST /api/workshops/{id}/advance
func (h *WorkshopHandler) Advance(w http.ResponseWriter, r *http.Request) {
	store, ok := h.store(w, r)
	if !ok {
		return
	}

	snap, res, err := store.Advance(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if !res.Complete {
		middleware.WriteErrorResponse(w, http.StatusConflict, model.NewStepIncompleteError(res.Step, res.Missing))
		return
	}

	writeJSON(w, http.StatusOK, advanceResponse{
		Session:   toSessionResponse(snap),
		Completed: res.Step,
	})
}

// --- ヘルパー関数 ---

// store はリクエストユーザーのStoreを返す。
func (h *WorkshopHandler) store(w http.ResponseWriter, r *http.Request) (WorkshopStore, bool) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return nil, false
	}
	return h.stores.Store(userID), true
}

func (h *WorkshopHandler) observeLoad(err error) {
	if h.observer == nil {
		return
	}
	h.observer.ObserveSessionLoad(loadOutcome(err))
}

// loadOutcome は読み込み結果をメトリクスのラベル値に変換する。
func loadOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, workshop.ErrLoadSuperseded):
		return "superseded"
	default:
		return "error"
	}
}

// toSessionResponse はworkshop.SnapshotからAPIレスポンスに変換する。
func toSessionResponse(snap workshop.Snapshot) sessionResponse {
	s := snap.Session
	if s == nil {
		return sessionResponse{}
	}

	resp := sessionResponse{
		SessionID:    s.SessionID,
		Name:         s.Name,
		CurrentStep:  s.CurrentStep,
		WorkshopData: s.WorkshopData,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		SavePending:  snap.SavePending,
	}
	if !snap.LastSavedAt.IsZero() {
		t := snap.LastSavedAt
		resp.LastSavedAt = &t
	}
	// 詳細はログのみに記録し、クライアントにはインライン表示用のメッセージを返す
	if snap.LastSaveError != nil {
		resp.LastSaveError = model.NewPersistenceFailedError().Message
	}
	return resp
}

func toStepCheckResponse(res steps.Result) stepCheckResponse {
	missing := res.Missing
	if missing == nil {
		missing = []string{}
	}
	return stepCheckResponse{
		Step:     res.Step,
		Complete: res.Complete,
		Missing:  missing,
	}
}
