package model

import (
	"errors"
	"fmt"
)

// ErrSessionNotFound は参照したセッションが存在しないか、呼び出し元の所有でないことを表す。
// 存在の有無を漏らさないため、両者を区別しない。
var ErrSessionNotFound = errors.New("workshop session not found")

// PersistenceError はリモートストアへの読み書き失敗を表す。
// 呼び出し元はメモリ上の状態を保持したまま、インラインメッセージとして表示する。
type PersistenceError struct {
	Op  string // 失敗した操作: create, get, update, delete, list
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// NewPersistenceError はPersistenceErrorを生成する。
// errがErrSessionNotFoundの場合はラップせずにそのまま返す。
func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrSessionNotFound) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string   // エラーコード
	Message  string   // エラーメッセージ
	Category string   // カテゴリ: auth, validation, workshop, assistant, system
	Action   string   // ユーザー向け対処方法
	Missing  []string // STEP_INCOMPLETE の場合の未入力項目
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeSessionNotFound      = "SESSION_NOT_FOUND"
	ErrCodePersistenceFailed    = "PERSISTENCE_FAILED"
	ErrCodeInvalidWorkshopData  = "INVALID_WORKSHOP_DATA"
	ErrCodeInvalidStep          = "INVALID_STEP"
	ErrCodeStepIncomplete       = "STEP_INCOMPLETE"
	ErrCodeInvalidURL           = "INVALID_URL"
	ErrCodeSSRFBlocked          = "SSRF_BLOCKED"
	ErrCodeAssistantFailed      = "ASSISTANT_FAILED"
	ErrCodeAssistantUnavailable = "ASSISTANT_UNAVAILABLE"
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeSessionConflict      = "SESSION_CONFLICT"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeTokenExpired         = "TOKEN_EXPIRED"
	ErrCodeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// NewSessionNotFoundError はセッション未検出エラーを生成する。
func NewSessionNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotFound,
		Message:  "指定されたワークショップが見つかりません。",
		Category: "workshop",
		Action:   "ダッシュボードに戻ってワークショップを選び直してください。",
	}
}

// NewPersistenceFailedError は保存失敗エラーを生成する。
// 入力内容はサーバーのメモリ上に保持されている。
func NewPersistenceFailedError() *APIError {
	return &APIError{
		Code:     ErrCodePersistenceFailed,
		Message:  "ワークショップの保存に失敗しました。入力内容は保持されています。",
		Category: "system",
		Action:   "しばらく待ってから再度保存してください。",
	}
}

// NewInvalidWorkshopDataError は不正なworkshopData更新のエラーを生成する。
func NewInvalidWorkshopDataError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidWorkshopData,
		Message:  fmt.Sprintf("ワークショップデータの形式が正しくありません: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewInvalidStepError は範囲外ステップ番号のエラーを生成する。
func NewInvalidStepError(step string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidStep,
		Message:  fmt.Sprintf("無効なステップです: %s", step),
		Category: "validation",
		Action:   fmt.Sprintf("ステップは%dから%dの範囲で指定してください。", MinStep, LastStep),
	}
}

// NewStepIncompleteError は必須項目が未入力のまま次へ進もうとした場合のエラーを生成する。
func NewStepIncompleteError(step int, missing []string) *APIError {
	return &APIError{
		Code:     ErrCodeStepIncomplete,
		Message:  fmt.Sprintf("ステップ%dの必須項目が入力されていません。", step),
		Category: "validation",
		Action:   "ハイライトされた項目を入力してから次へ進んでください。",
		Missing:  missing,
	}
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidURL,
		Message:  fmt.Sprintf("無効なURLです: %s", reason),
		Category: "validation",
		Action:   "正しいURL形式（http:// または https:// で始まるURL）を入力してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError() *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  "セキュリティポリシーにより、指定されたURLへのアクセスがブロックされました。",
		Category: "validation",
		Action:   "公開されているWebサイトのURLを入力してください。",
	}
}

// NewAssistantFailedError はAI APIの呼び出し失敗エラーを生成する。
func NewAssistantFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeAssistantFailed,
		Message:  fmt.Sprintf("アシスタントの応答取得に失敗しました: %s", reason),
		Category: "assistant",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewAssistantUnavailableError はAPIキー未設定などでアシスタントが使えない場合のエラーを生成する。
func NewAssistantUnavailableError(provider string) *APIError {
	return &APIError{
		Code:     ErrCodeAssistantUnavailable,
		Message:  fmt.Sprintf("%s は現在利用できません。", provider),
		Category: "assistant",
		Action:   "管理者にAPIキーの設定を確認してもらってください。",
	}
}

// NewInvalidRequestError はリクエストボディの解析失敗エラーを生成する。
func NewInvalidRequestError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// NewSessionConflictError は同じユーザーの別リクエストがアクティブセッションを切り替えた場合などのエラーを生成する。
func NewSessionConflictError() *APIError {
	return &APIError{
		Code:     ErrCodeSessionConflict,
		Message:  "別の画面で他のワークショップが開かれたため、操作を完了できませんでした。",
		Category: "workshop",
		Action:   "ワークショップを開き直してから再度お試しください。",
	}
}

// NewUnauthorizedError は未認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewTokenExpiredError はアクセストークンの期限切れエラーを生成する。
func NewTokenExpiredError() *APIError {
	return &APIError{
		Code:     ErrCodeTokenExpired,
		Message:  "ログインの有効期限が切れました。",
		Category: "auth",
		Action:   "ページを再読み込みしてログインし直してください。",
	}
}

// NewRateLimitExceededError はレート制限超過エラーを生成する。
func NewRateLimitExceededError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimitExceeded,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再度お試しください。",
	}
}

// NewInternalError は内部エラーを生成する。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
