// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/workshopwizard/internal/model"
)

// WorkshopSessionRepository はワークショップセッションの永続化インターフェース。
// 全ての読み書きは(userID, sessionID)の組でスコープされる。
// 他ユーザーのセッションはmodel.ErrSessionNotFoundとして扱い、存在を漏らさない。
type WorkshopSessionRepository interface {
	// CreateSession はセッションを作成する。
	CreateSession(ctx context.Context, session *model.WorkshopSession) error

	// GetSession は指定IDのセッションを取得する。
	// 見つからない場合、または所有者が異なる場合はmodel.ErrSessionNotFoundを返す。
	GetSession(ctx context.Context, userID, sessionID string) (*model.WorkshopSession, error)

	// UpdateSession はnilでないフィールドのみを更新し、updated_atを更新する。
	// 対象が存在しない場合はmodel.ErrSessionNotFoundを返す。
	UpdateSession(ctx context.Context, userID, sessionID string, update model.SessionUpdate) error

	// DeleteSession は指定IDのセッションを削除する。
	// 対象が存在しない場合はmodel.ErrSessionNotFoundを返す。
	DeleteSession(ctx context.Context, userID, sessionID string) error

	// ListSessions はユーザーのセッション一覧をcreated_at降順で返す。
	ListSessions(ctx context.Context, userID string) ([]*model.WorkshopSession, error)
}

// SessionRefLister は重複セッション検出ジョブ用に全ユーザーのセッション参照を列挙する。
// 通常のリクエスト経路では使用しない。
type SessionRefLister interface {
	ListAllSessionRefs(ctx context.Context) ([]model.SessionRef, error)
}
