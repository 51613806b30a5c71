package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/workshopwizard/internal/middleware"
	"github.com/hitoshi/workshopwizard/internal/model"
	"github.com/hitoshi/workshopwizard/internal/steps"
	"github.com/hitoshi/workshopwizard/internal/workshop"
)

// --- モック定義 ---

// mockStore はWorkshopStoreのモック実装。
// 未設定のFnは空のSnapshotとnilを返す。
type mockStore struct {
	initializeFn func(ctx context.Context, name string) (workshop.Snapshot, error)
	loadFn       func(ctx context.Context, sessionID string) (workshop.Snapshot, error)
	activateFn   func(ctx context.Context, sessionID string) (workshop.Snapshot, error)
	updateDataFn func(ctx context.Context, sessionID string, patch map[string]json.RawMessage) (workshop.Snapshot, error)
	appendChatFn func(ctx context.Context, sessionID, stepKey string, messages ...model.ChatMessage) (workshop.Snapshot, error)
	addSummaryFn func(ctx context.Context, sessionID string, summary model.URLSummary) (workshop.Snapshot, error)
	setStepFn    func(ctx context.Context, sessionID string, step int) (workshop.Snapshot, error)
	advanceFn    func(ctx context.Context, sessionID string) (workshop.Snapshot, steps.Result, error)
	renameFn     func(ctx context.Context, sessionID, name string) (workshop.Snapshot, error)
	checkStepFn  func(ctx context.Context, sessionID string, step int) (steps.Result, error)
	listFn       func(ctx context.Context) ([]*model.WorkshopSession, error)
	deleteFn     func(ctx context.Context, sessionID string) error
}

func (m *mockStore) InitializeSession(ctx context.Context, name string) (workshop.Snapshot, error) {
	if m.initializeFn != nil {
		return m.initializeFn(ctx, name)
	}
	return workshop.Snapshot{}, nil
}

func (m *mockStore) LoadSession(ctx context.Context, sessionID string) (workshop.Snapshot, error) {
	if m.loadFn != nil {
		return m.loadFn(ctx, sessionID)
	}
	return workshop.Snapshot{}, nil
}

func (m *mockStore) Activate(ctx context.Context, sessionID string) (workshop.Snapshot, error) {
	if m.activateFn != nil {
		return m.activateFn(ctx, sessionID)
	}
	return workshop.Snapshot{}, nil
}

func (m *mockStore) UpdateWorkshopData(ctx context.Context, sessionID string, patch map[string]json.RawMessage) (workshop.Snapshot, error) {
	if m.updateDataFn != nil {
		return m.updateDataFn(ctx, sessionID, patch)
	}
	return workshop.Snapshot{}, nil
}

func (m *mockStore) AppendChat(ctx context.Context, sessionID, stepKey string, messages ...model.ChatMessage) (workshop.Snapshot, error) {
	if m.appendChatFn != nil {
		return m.appendChatFn(ctx, sessionID, stepKey, messages...)
	}
	return workshop.Snapshot{}, nil
}

func (m *mockStore) AddURLSummary(ctx context.Context, sessionID string, summary model.URLSummary) (workshop.Snapshot, error) {
	if m.addSummaryFn != nil {
		return m.addSummaryFn(ctx, sessionID, summary)
	}
	return workshop.Snapshot{}, nil
}

func (m *mockStore) SetCurrentStep(ctx context.Context, sessionID string, step int) (workshop.Snapshot, error) {
	if m.setStepFn != nil {
		return m.setStepFn(ctx, sessionID, step)
	}
	return workshop.Snapshot{}, nil
}

func (m *mockStore) Advance(ctx context.Context, sessionID string) (workshop.Snapshot, steps.Result, error) {
	if m.advanceFn != nil {
		return m.advanceFn(ctx, sessionID)
	}
	return workshop.Snapshot{}, steps.Result{}, nil
}

func (m *mockStore) Rename(ctx context.Context, sessionID, name string) (workshop.Snapshot, error) {
	if m.renameFn != nil {
		return m.renameFn(ctx, sessionID, name)
	}
	return workshop.Snapshot{}, nil
}

func (m *mockStore) CheckStep(ctx context.Context, sessionID string, step int) (steps.Result, error) {
	if m.checkStepFn != nil {
		return m.checkStepFn(ctx, sessionID, step)
	}
	return steps.Result{}, nil
}

func (m *mockStore) ListSessions(ctx context.Context) ([]*model.WorkshopSession, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return nil, nil
}

func (m *mockStore) DeleteSession(ctx context.Context, sessionID string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, sessionID)
	}
	return nil
}

// mockStoreProvider は常に同じmockStoreを返し、要求されたユーザーIDを記録する。
type mockStoreProvider struct {
	store   *mockStore
	userIDs []string
}

func (p *mockStoreProvider) Store(userID string) WorkshopStore {
	p.userIDs = append(p.userIDs, userID)
	return p.store
}

// mockLoadObserver は読み込み結果を記録する。
type mockLoadObserver struct {
	outcomes []string
}

func (o *mockLoadObserver) ObserveSessionLoad(outcome string) {
	o.outcomes = append(o.outcomes, outcome)
}

// mockSparky はSparkyReplierのモック実装。
type mockSparky struct {
	replyFn func(ctx context.Context, step int, data model.WorkshopData, history []model.ChatMessage, userMessage string) (string, error)
}

func (m *mockSparky) Reply(ctx context.Context, step int, data model.WorkshopData, history []model.ChatMessage, userMessage string) (string, error) {
	if m.replyFn != nil {
		return m.replyFn(ctx, step, data, history, userMessage)
	}
	return "", nil
}

// mockCompleter はCompleterのモック実装。
type mockCompleter struct {
	completeFn func(ctx context.Context, systemPrompt, userPrompt, model string) (string, error)
}

func (m *mockCompleter) Complete(ctx context.Context, systemPrompt, userPrompt, model string) (string, error) {
	if m.completeFn != nil {
		return m.completeFn(ctx, systemPrompt, userPrompt, model)
	}
	return "", nil
}

// mockSummarizer はURLSummarizerのモック実装。
type mockSummarizer struct {
	summarizeFn func(ctx context.Context, rawURL string) (string, error)
}

func (m *mockSummarizer) Summarize(ctx context.Context, rawURL string) (string, error) {
	if m.summarizeFn != nil {
		return m.summarizeFn(ctx, rawURL)
	}
	return "", nil
}

// --- テストヘルパー ---

var testNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

// withUserID はテスト用にリクエストコンテキストにユーザーIDを注入するヘルパー。
func withUserID(r *http.Request, userID string) *http.Request {
	ctx := middleware.ContextWithUserID(r.Context(), userID)
	return r.WithContext(ctx)
}

// withChiURLParams はテスト用にchiのURLパラメータを注入するヘルパー。
// kvはキーと値を交互に並べる。
func withChiURLParams(r *http.Request, kv ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rctx.URLParams.Add(kv[i], kv[i+1])
	}
	ctx := context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
	return r.WithContext(ctx)
}

// parseAPIErrorResponse はレスポンスボディからエラーレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var result middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

// testSnapshot はアクティブセッションを持つSnapshotを返す。
func testSnapshot(sessionID string, step int) workshop.Snapshot {
	return workshop.Snapshot{
		Session: &model.WorkshopSession{
			SessionID:    sessionID,
			UserID:       "user-1",
			Name:         "Pricing workshop",
			CurrentStep:  step,
			WorkshopData: model.NewWorkshopData(),
			CreatedAt:    testNow,
			UpdatedAt:    testNow,
		},
	}
}
