package workshop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/workshopwizard/internal/model"
	"github.com/hitoshi/workshopwizard/internal/repository"
	"github.com/hitoshi/workshopwizard/internal/steps"
)

var (
	// ErrLoadSuperseded は読み込み中に新しい読み込みが開始され、結果が破棄されたことを表す。
	ErrLoadSuperseded = errors.New("session load superseded by a newer load")
	// ErrNoActiveSession はアクティブなセッションがない状態で操作したことを表す。
	ErrNoActiveSession = errors.New("no active workshop session")
	// ErrSessionSwitched は操作中に同じユーザーの別リクエストがアクティブセッションを切り替えたことを表す。
	ErrSessionSwitched = errors.New("active workshop session switched")
)

// Snapshot はStoreの状態のコピー。呼び出し側が変更してもStoreに影響しない。
type Snapshot struct {
	Session       *model.WorkshopSession // アクティブセッションがない場合はnil
	SavePending   bool
	LastSavedAt   time.Time
	LastSaveError error
}

// StoreConfig はStoreの依存関係。
type StoreConfig struct {
	UserID    string
	Repo      repository.WorkshopSessionRepository
	Queue     *SaveQueue
	Validator *steps.Validator
	Schema    *PatchSchema
	Logger    *slog.Logger
}

// Store は1ユーザーのアクティブなワークショップセッションを保持する。
// メモリ上の状態を同期的に更新し、workshopDataの保存はSaveQueueで遅延させる。
// ロックを保持したままリモート呼び出しは行わない。
type Store struct {
	userID    string
	repo      repository.WorkshopSessionRepository
	queue     *SaveQueue
	validator *steps.Validator
	schema    *PatchSchema
	logger    *slog.Logger

	now   func() time.Time
	newID func() (string, error)

	mu          sync.Mutex
	session     *model.WorkshopSession
	loadSeq     uint64
	editSeq     uint64 // アクティブセッションを変更するたびに進める
	lastSavedAt time.Time
	lastSaveErr error
	// dataFailed とfieldsFailed は保存に失敗し、メモリ上にのみ残っている変更の種類
	dataFailed   bool
	fieldsFailed bool
	// detached は切り替え前のセッションのうち、保存待ちの変更が残っているもの
	detached   map[string]*model.WorkshopSession
	lastAccess time.Time
}

// NewStore はStoreを生成する。
func NewStore(cfg StoreConfig) *Store {
	validator := cfg.Validator
	if validator == nil {
		validator = steps.NewValidator(steps.MarketPolicyAllListed)
	}
	return &Store{
		userID:     cfg.UserID,
		repo:       cfg.Repo,
		queue:      cfg.Queue,
		validator:  validator,
		schema:     cfg.Schema,
		logger:     cfg.Logger,
		now:        time.Now,
		newID:      newSessionID,
		detached:   make(map[string]*model.WorkshopSession),
		lastAccess: time.Now(),
	}
}

// newSessionID は時刻順に並ぶUUIDv7をセッションIDとして生成する。
func newSessionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func saveKey(sessionID string) string {
	return "workshopData:" + sessionID
}

// UserID はStoreの所有者を返す。
func (s *Store) UserID() string {
	return s.userID
}

// InitializeSession は新しいセッションを作成して即座に保存し、保存に成功した場合のみアクティブにする。
// 重複作成を避けるため、失敗しても再試行しない。
func (s *Store) InitializeSession(ctx context.Context, name string) (Snapshot, error) {
	id, err := s.newID()
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to generate session id: %w", err)
	}

	now := s.now().UTC()
	name = strings.TrimSpace(name)
	if name == "" {
		name = "Workshop " + now.Format("2006-01-02 15:04")
	}

	session := &model.WorkshopSession{
		SessionID:    id,
		UserID:       s.userID,
		Name:         name,
		CurrentStep:  model.MinStep,
		WorkshopData: model.NewWorkshopData(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		s.logger.Error("failed to create workshop session",
			slog.String("user_id", s.userID),
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
		return Snapshot{}, model.NewPersistenceError("create", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// 進行中の読み込みより新しい操作として扱う
	s.loadSeq++
	s.adoptLocked(session)

	s.logger.Info("workshop session created",
		slog.String("user_id", s.userID),
		slog.String("session_id", id),
	)
	return s.snapshotLocked(), nil
}

// LoadSession はセッションを読み込み、メモリ上の状態を丸ごと置き換える。
// 後から開始した読み込みが常に優先され、古い読み込みはErrLoadSupersededを返す。
// 読み込み対象に保存待ちの変更がある場合は先に保存し、読み込みで上書きしない。
// 読み込み中に同じセッションが変更された場合も、メモリ上の内容を優先する。
func (s *Store) LoadSession(ctx context.Context, sessionID string) (Snapshot, error) {
	s.mu.Lock()
	s.loadSeq++
	seq := s.loadSeq
	edit := s.editSeq
	s.lastAccess = s.now()
	s.mu.Unlock()

	if err := s.queue.Flush(ctx, saveKey(sessionID)); err != nil {
		s.logger.Warn("pending save failed before reload",
			slog.String("user_id", s.userID),
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
	}

	session, err := s.repo.GetSession(ctx, s.userID, sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if seq != s.loadSeq {
		s.logger.Debug("discarded superseded session load",
			slog.String("user_id", s.userID),
			slog.String("session_id", sessionID),
		)
		return Snapshot{}, ErrLoadSuperseded
	}

	if err != nil {
		return Snapshot{}, model.NewPersistenceError("get", err)
	}
	if session == nil {
		return Snapshot{}, model.ErrSessionNotFound
	}

	// 保存に失敗した変更や取得中の変更がメモリ上にある場合は、リモートの古い内容で上書きしない
	if s.session != nil && s.session.SessionID == sessionID &&
		(s.lastSaveErr != nil || s.editSeq != edit || s.queue.Scheduled(saveKey(sessionID))) {
		s.logger.Debug("kept in-memory session over fetched copy",
			slog.String("user_id", s.userID),
			slog.String("session_id", sessionID),
		)
		return s.snapshotLocked(), nil
	}

	s.adoptLocked(session)
	return s.snapshotLocked(), nil
}

// Activate はsessionIDがアクティブであればそのスナップショットを返し、そうでなければ読み込む。
func (s *Store) Activate(ctx context.Context, sessionID string) (Snapshot, error) {
	s.mu.Lock()
	if s.session != nil && s.session.SessionID == sessionID {
		s.lastAccess = s.now()
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, nil
	}
	s.mu.Unlock()

	return s.LoadSession(ctx, sessionID)
}

// UpdateWorkshopData はトップレベルのキー単位でpatchをマージする。
// ネストした値は丸ごと置き換える。メモリ上の状態を即座に更新し、保存は遅延させる。
func (s *Store) UpdateWorkshopData(ctx context.Context, sessionID string, patch map[string]json.RawMessage) (Snapshot, error) {
	if len(patch) == 0 {
		return Snapshot{}, model.NewInvalidWorkshopDataError("empty patch")
	}
	if s.schema != nil {
		if err := s.schema.Validate(patch); err != nil {
			return Snapshot{}, model.NewInvalidWorkshopDataError(err.Error())
		}
	}

	if _, err := s.Activate(ctx, sessionID); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireActiveLocked(sessionID); err != nil {
		return Snapshot{}, err
	}

	merged, err := mergeWorkshopData(s.session.WorkshopData, patch)
	if err != nil {
		return Snapshot{}, model.NewInvalidWorkshopDataError(err.Error())
	}
	s.session.WorkshopData = merged
	s.editSeq++

	if err := s.scheduleLocked(sessionID); err != nil {
		return s.snapshotLocked(), err
	}
	return s.snapshotLocked(), nil
}

// AppendChat はステップの会話履歴にメッセージを追加する。保存はworkshopDataと同じ遅延経路を使う。
func (s *Store) AppendChat(ctx context.Context, sessionID, stepKey string, messages ...model.ChatMessage) (Snapshot, error) {
	return s.mutateData(ctx, sessionID, func(d *model.WorkshopData) {
		d.ChatHistory[stepKey] = append(d.ChatHistory[stepKey], messages...)
	})
}

// AddURLSummary は参考URLの要約を追加する。
func (s *Store) AddURLSummary(ctx context.Context, sessionID string, summary model.URLSummary) (Snapshot, error) {
	return s.mutateData(ctx, sessionID, func(d *model.WorkshopData) {
		d.URLSummaries = append(d.URLSummaries, summary)
	})
}

func (s *Store) mutateData(ctx context.Context, sessionID string, mutate func(d *model.WorkshopData)) (Snapshot, error) {
	if _, err := s.Activate(ctx, sessionID); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireActiveLocked(sessionID); err != nil {
		return Snapshot{}, err
	}

	data := s.session.WorkshopData.Clone()
	mutate(&data)
	s.session.WorkshopData = data
	s.editSeq++

	if err := s.scheduleLocked(sessionID); err != nil {
		return s.snapshotLocked(), err
	}
	return s.snapshotLocked(), nil
}

// SetCurrentStep は現在のステップを[1,10]に丸めて設定し、遅延させずに保存する。
// 保存に失敗してもメモリ上の値は保持する。
func (s *Store) SetCurrentStep(ctx context.Context, sessionID string, step int) (Snapshot, error) {
	step = clampStep(step)
	return s.persistField(ctx, sessionID, "update_step", func(sess *model.WorkshopSession) model.SessionUpdate {
		sess.CurrentStep = step
		return model.SessionUpdate{CurrentStep: &step}
	})
}

// Advance は現在のステップが完了している場合のみ次のステップへ進める。
// 未完了の場合は判定結果を返し、状態を変更しない。
func (s *Store) Advance(ctx context.Context, sessionID string) (Snapshot, steps.Result, error) {
	snap, err := s.Activate(ctx, sessionID)
	if err != nil {
		return Snapshot{}, steps.Result{}, err
	}

	res := s.validator.Check(snap.Session.CurrentStep, snap.Session.WorkshopData)
	if !res.Complete {
		return snap, res, nil
	}

	next := snap.Session.CurrentStep + 1
	if next > model.LastStep {
		return snap, res, nil
	}

	snap, err = s.SetCurrentStep(ctx, sessionID, next)
	return snap, res, err
}

// Rename はセッション名を変更し、遅延させずに保存する。
func (s *Store) Rename(ctx context.Context, sessionID, name string) (Snapshot, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Snapshot{}, model.NewInvalidWorkshopDataError("name must not be empty")
	}
	return s.persistField(ctx, sessionID, "rename", func(sess *model.WorkshopSession) model.SessionUpdate {
		sess.Name = name
		return model.SessionUpdate{Name: &name}
	})
}

// persistField はメモリ上の値を更新してから即座に保存する。
func (s *Store) persistField(ctx context.Context, sessionID, op string, apply func(sess *model.WorkshopSession) model.SessionUpdate) (Snapshot, error) {
	if _, err := s.Activate(ctx, sessionID); err != nil {
		return Snapshot{}, err
	}

	s.mu.Lock()
	if err := s.requireActiveLocked(sessionID); err != nil {
		s.mu.Unlock()
		return Snapshot{}, err
	}
	update := apply(s.session)
	s.editSeq++
	s.mu.Unlock()

	err := s.repo.UpdateSession(ctx, s.userID, sessionID, update)

	s.mu.Lock()
	defer s.mu.Unlock()

	active := s.session != nil && s.session.SessionID == sessionID
	if err != nil {
		s.logger.Error("failed to persist workshop session",
			slog.String("user_id", s.userID),
			slog.String("session_id", sessionID),
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		if active {
			// 次回の保存で書き直すまで、メモリ上の値を読み込みで上書きしない
			s.fieldsFailed = true
			s.lastSaveErr = model.NewPersistenceError("update", err)
		}
		return s.snapshotLocked(), model.NewPersistenceError("update", err)
	}
	if active {
		s.session.UpdatedAt = s.now().UTC()
		s.fieldsFailed = false
		if !s.dataFailed {
			s.lastSaveErr = nil
		}
	}
	return s.snapshotLocked(), nil
}

// CanProceedToNextStep はアクティブセッションの現在のステップが完了しているかを返す。
func (s *Store) CanProceedToNextStep() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return false
	}
	return s.validator.IsStepComplete(s.session.CurrentStep, s.session.WorkshopData)
}

// CheckStep はアクティブセッションの指定ステップを判定する。
func (s *Store) CheckStep(ctx context.Context, sessionID string, step int) (steps.Result, error) {
	snap, err := s.Activate(ctx, sessionID)
	if err != nil {
		return steps.Result{}, err
	}
	return s.validator.Check(step, snap.Session.WorkshopData), nil
}

// ListSessions はユーザーのセッション一覧を返す。
// アクティブセッションはメモリ上の最新の内容に置き換える。
func (s *Store) ListSessions(ctx context.Context) ([]*model.WorkshopSession, error) {
	sessions, err := s.repo.ListSessions(ctx, s.userID)
	if err != nil {
		return nil, model.NewPersistenceError("list", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		for i, sess := range sessions {
			if sess.SessionID == s.session.SessionID {
				sessions[i] = s.session.Clone()
			}
		}
	}
	return sessions, nil
}

// DeleteSession は保存待ちの変更を破棄してからセッションを削除する。
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	s.Forget(sessionID)

	if err := s.repo.DeleteSession(ctx, s.userID, sessionID); err != nil {
		return model.NewPersistenceError("delete", err)
	}

	s.logger.Info("workshop session deleted",
		slog.String("user_id", s.userID),
		slog.String("session_id", sessionID),
	)
	return nil
}

// Forget はsessionIDの保存待ちを破棄し、アクティブであれば解除する。
func (s *Store) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue.Cancel(saveKey(sessionID))
	delete(s.detached, sessionID)
	if s.session != nil && s.session.SessionID == sessionID {
		s.session = nil
		s.resetSaveStateLocked()
	}
}

// Snapshot は現在の状態のコピーを返す。
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// LastAccess は最後に操作された時刻を返す。
func (s *Store) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

// SaveFailed は保存に失敗し、メモリ上にのみ残っている変更があるかを返す。
func (s *Store) SaveFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaveErr != nil
}

// RetrySave は保存に失敗したアクティブセッションを、ステップと名前を含めて同期的に保存し直す。
// 失敗した変更がなければ何もしない。
func (s *Store) RetrySave(ctx context.Context) error {
	s.mu.Lock()
	if s.session == nil || s.lastSaveErr == nil {
		s.mu.Unlock()
		return nil
	}
	sessionID := s.session.SessionID
	s.mu.Unlock()

	return s.save(ctx, sessionID, true)
}

// Close は保存待ちの変更をすべて同期的に保存する。
// 以前の保存に失敗した変更が残っている場合は、もう一度保存を試みる。
func (s *Store) Close(ctx context.Context) error {
	err := s.queue.Close(ctx)
	if rerr := s.RetrySave(ctx); rerr != nil {
		s.logger.Error("failed to save retained changes on close",
			slog.String("user_id", s.userID),
			slog.String("error", rerr.Error()),
		)
		return errors.Join(err, rerr)
	}
	return err
}

// adoptLocked はsessionをアクティブにする。
// 切り替え前のセッションに保存待ちの変更があれば、そのセッションIDのまま保存されるよう退避する。
func (s *Store) adoptLocked(session *model.WorkshopSession) {
	if s.session != nil && s.session.SessionID != session.SessionID &&
		s.queue.Pending(saveKey(s.session.SessionID)) {
		s.detached[s.session.SessionID] = s.session
	}

	session.WorkshopData.Normalize()
	s.session = session
	s.editSeq++
	s.resetSaveStateLocked()
	s.lastAccess = s.now()
	delete(s.detached, session.SessionID)
}

func (s *Store) resetSaveStateLocked() {
	s.lastSaveErr = nil
	s.dataFailed = false
	s.fieldsFailed = false
	s.lastSavedAt = time.Time{}
}

func (s *Store) requireActiveLocked(sessionID string) error {
	if s.session == nil {
		return ErrNoActiveSession
	}
	if s.session.SessionID != sessionID {
		return ErrSessionSwitched
	}
	s.lastAccess = s.now()
	return nil
}

func (s *Store) scheduleLocked(sessionID string) error {
	if err := s.queue.Schedule(saveKey(sessionID), s.flushFunc(sessionID)); err != nil {
		return fmt.Errorf("failed to schedule save: %w", err)
	}
	return nil
}

// flushFunc はsessionIDの保存処理を返す。保存する内容はフラッシュ時点の最新の状態から読み出す。
func (s *Store) flushFunc(sessionID string) FlushFunc {
	return func(ctx context.Context) error {
		return s.save(ctx, sessionID, false)
	}
}

// save はsessionIDのworkshopDataを保存する。
// fullがtrueの場合、または以前にステップや名前の保存に失敗している場合はそれらも書き込む。
func (s *Store) save(ctx context.Context, sessionID string, full bool) error {
	s.mu.Lock()
	var update model.SessionUpdate
	withFields := false
	switch {
	case s.session != nil && s.session.SessionID == sessionID:
		data := s.session.WorkshopData.Clone()
		update.WorkshopData = &data
		if full || s.fieldsFailed {
			step, name := s.session.CurrentStep, s.session.Name
			update.CurrentStep = &step
			update.Name = &name
			withFields = true
		}
	case s.detached[sessionID] != nil:
		data := s.detached[sessionID].WorkshopData.Clone()
		update.WorkshopData = &data
	default:
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	err := s.repo.UpdateSession(ctx, s.userID, sessionID, update)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil && s.session.SessionID == sessionID {
		if err != nil {
			s.dataFailed = true
			s.lastSaveErr = model.NewPersistenceError("update", err)
		} else {
			s.dataFailed = false
			if withFields {
				s.fieldsFailed = false
			}
			if !s.fieldsFailed {
				s.lastSaveErr = nil
			}
			s.lastSavedAt = s.now().UTC()
			s.session.UpdatedAt = s.lastSavedAt
		}
	} else if !s.queue.Scheduled(saveKey(sessionID)) {
		delete(s.detached, sessionID)
	}

	return model.NewPersistenceError("update", err)
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		LastSavedAt:   s.lastSavedAt,
		LastSaveError: s.lastSaveErr,
	}
	if s.session != nil {
		snap.Session = s.session.Clone()
		snap.SavePending = s.queue.Pending(saveKey(s.session.SessionID))
	}
	return snap
}

// mergeWorkshopData はトップレベルのキー単位でpatchを上書きしたWorkshopDataを返す。
func mergeWorkshopData(current model.WorkshopData, patch map[string]json.RawMessage) (model.WorkshopData, error) {
	raw, err := json.Marshal(current)
	if err != nil {
		return current, err
	}

	doc := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return current, err
	}
	for k, v := range patch {
		doc[k] = v
	}

	merged, err := json.Marshal(doc)
	if err != nil {
		return current, err
	}

	var out model.WorkshopData
	if err := json.Unmarshal(merged, &out); err != nil {
		return current, err
	}
	out.Normalize()
	return out, nil
}

func clampStep(step int) int {
	if step < model.FirstStep {
		return model.FirstStep
	}
	if step > model.LastStep {
		return model.LastStep
	}
	return step
}
