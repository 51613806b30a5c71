package handler

import (
	"context"
	"encoding/json"

	"github.com/hitoshi/workshopwizard/internal/model"
	"github.com/hitoshi/workshopwizard/internal/steps"
	"github.com/hitoshi/workshopwizard/internal/workshop"
)

// WorkshopStore はハンドラーが1ユーザーのStoreに対して必要とする操作。
// *workshop.Storeが実装する。
type WorkshopStore interface {
	InitializeSession(ctx context.Context, name string) (workshop.Snapshot, error)
	LoadSession(ctx context.Context, sessionID string) (workshop.Snapshot, error)
	Activate(ctx context.Context, sessionID string) (workshop.Snapshot, error)
	UpdateWorkshopData(ctx context.Context, sessionID string, patch map[string]json.RawMessage) (workshop.Snapshot, error)
	AppendChat(ctx context.Context, sessionID, stepKey string, messages ...model.ChatMessage) (workshop.Snapshot, error)
	AddURLSummary(ctx context.Context, sessionID string, summary model.URLSummary) (workshop.Snapshot, error)
	SetCurrentStep(ctx context.Context, sessionID string, step int) (workshop.Snapshot, error)
	Advance(ctx context.Context, sessionID string) (workshop.Snapshot, steps.Result, error)
	Rename(ctx context.Context, sessionID, name string) (workshop.Snapshot, error)
	CheckStep(ctx context.Context, sessionID string, step int) (steps.Result, error)
	ListSessions(ctx context.Context) ([]*model.WorkshopSession, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// StoreProvider はユーザーIDに対応するWorkshopStoreを返す。
type StoreProvider interface {
	Store(userID string) WorkshopStore
}

// HubAdapter は workshop.Hub を StoreProvider に適合させるアダプタ。
type HubAdapter struct {
	hub *workshop.Hub
}

// NewHubAdapter はHubAdapterを生成する。
func NewHubAdapter(hub *workshop.Hub) *HubAdapter {
	return &HubAdapter{hub: hub}
}

// Store はユーザーのStoreを返す。
func (a *HubAdapter) Store(userID string) WorkshopStore {
	return a.hub.Store(userID)
}

var _ WorkshopStore = (*workshop.Store)(nil)
