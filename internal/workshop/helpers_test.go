package workshop

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/workshopwizard/internal/model"
	"github.com/hitoshi/workshopwizard/internal/repository"
	"github.com/hitoshi/workshopwizard/internal/steps"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// --- 手動で発火させるタイマー ---

type fakeTimer struct {
	parent  *fakeTimers
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.parent.mu.Lock()
	defer t.parent.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) afterFunc(d time.Duration, f func()) timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{parent: ft, d: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

// fireAll は停止されていない未発火のタイマーをすべて発火させる。
func (ft *fakeTimers) fireAll() {
	ft.mu.Lock()
	var due []*fakeTimer
	for _, t := range ft.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t)
		}
	}
	ft.mu.Unlock()

	for _, t := range due {
		t.f()
	}
}

func (ft *fakeTimers) active() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	n := 0
	for _, t := range ft.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

func (ft *fakeTimers) all() []*fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]*fakeTimer(nil), ft.timers...)
}

// --- SaveObserver のモック ---

type mockObserver struct {
	mu        sync.Mutex
	saves     int
	failures  int
	coalesced int
}

func (o *mockObserver) ObserveSave(_ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.saves++
	if err != nil {
		o.failures++
	}
}

func (o *mockObserver) ObserveCoalesced() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.coalesced++
}

// --- WorkshopSessionRepository のモック ---

// mockRepo はメモリ上のマップでセッションを保持する。
// 各Fnフィールドを設定すると該当メソッドの挙動を差し替えられる。
type mockRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.WorkshopSession

	createCalls int
	updates     []recordedUpdate
	deletes     []string

	createFn func(ctx context.Context, s *model.WorkshopSession) error
	getFn    func(ctx context.Context, userID, sessionID string) (*model.WorkshopSession, error)
	updateFn func(ctx context.Context, userID, sessionID string, u model.SessionUpdate) error
	deleteFn func(ctx context.Context, userID, sessionID string) error
	listFn   func(ctx context.Context, userID string) ([]*model.WorkshopSession, error)
}

type recordedUpdate struct {
	SessionID string
	Update    model.SessionUpdate
}

func newMockRepo() *mockRepo {
	return &mockRepo{sessions: make(map[string]*model.WorkshopSession)}
}

func (r *mockRepo) put(s *model.WorkshopSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.SessionID] = s.Clone()
}

func (r *mockRepo) stored(id string) *model.WorkshopSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id].Clone()
}

// dataUpdates はworkshop_dataを含む更新だけを返す。
func (r *mockRepo) dataUpdates() []recordedUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedUpdate
	for _, u := range r.updates {
		if u.Update.WorkshopData != nil {
			out = append(out, u)
		}
	}
	return out
}

func (r *mockRepo) CreateSession(ctx context.Context, s *model.WorkshopSession) error {
	r.mu.Lock()
	r.createCalls++
	fn := r.createFn
	r.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, s); err != nil {
			return err
		}
	}
	r.put(s)
	return nil
}

func (r *mockRepo) GetSession(ctx context.Context, userID, sessionID string) (*model.WorkshopSession, error) {
	if r.getFn != nil {
		return r.getFn(ctx, userID, sessionID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.UserID != userID {
		return nil, model.ErrSessionNotFound
	}
	return s.Clone(), nil
}

func (r *mockRepo) UpdateSession(ctx context.Context, userID, sessionID string, u model.SessionUpdate) error {
	r.mu.Lock()
	r.updates = append(r.updates, recordedUpdate{SessionID: sessionID, Update: u})
	fn := r.updateFn
	r.mu.Unlock()

	if fn != nil {
		if err := fn(ctx, userID, sessionID, u); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.UserID != userID {
		return model.ErrSessionNotFound
	}
	if u.Name != nil {
		s.Name = *u.Name
	}
	if u.CurrentStep != nil {
		s.CurrentStep = *u.CurrentStep
	}
	if u.WorkshopData != nil {
		s.WorkshopData = u.WorkshopData.Clone()
	}
	return nil
}

func (r *mockRepo) DeleteSession(ctx context.Context, userID, sessionID string) error {
	r.mu.Lock()
	r.deletes = append(r.deletes, sessionID)
	fn := r.deleteFn
	r.mu.Unlock()

	if fn != nil {
		return fn(ctx, userID, sessionID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok || s.UserID != userID {
		return model.ErrSessionNotFound
	}
	delete(r.sessions, sessionID)
	return nil
}

func (r *mockRepo) ListSessions(ctx context.Context, userID string) ([]*model.WorkshopSession, error) {
	if r.listFn != nil {
		return r.listFn(ctx, userID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.WorkshopSession
	for _, s := range r.sessions {
		if s.UserID == userID {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

var _ repository.WorkshopSessionRepository = (*mockRepo)(nil)

// --- Store のテスト用セットアップ ---

var testNow = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

type storeFixture struct {
	store    *Store
	repo     *mockRepo
	timers   *fakeTimers
	observer *mockObserver
	logs     *bytes.Buffer
}

func newStoreFixture(repo *mockRepo) *storeFixture {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	timers := &fakeTimers{}
	observer := &mockObserver{}
	queue := NewSaveQueue(DefaultSaveDelay, time.Second, observer, logger)
	queue.afterFunc = timers.afterFunc

	store := NewStore(StoreConfig{
		UserID:    "user-1",
		Repo:      repo,
		Queue:     queue,
		Validator: steps.NewValidator(steps.MarketPolicyAllListed),
		Schema:    MustPatchSchema(),
		Logger:    logger,
	})
	store.now = func() time.Time { return testNow }

	var seq int
	var mu sync.Mutex
	store.newID = func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("s-%d", seq), nil
	}

	return &storeFixture{store: store, repo: repo, timers: timers, observer: observer, logs: &buf}
}

// seedSession はリポジトリにuser-1所有のセッションを登録する。
func seedSession(repo *mockRepo, id string, mutate func(s *model.WorkshopSession)) {
	s := &model.WorkshopSession{
		SessionID:    id,
		UserID:       "user-1",
		Name:         "Workshop " + id,
		CurrentStep:  1,
		WorkshopData: model.NewWorkshopData(),
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	}
	if mutate != nil {
		mutate(s)
	}
	repo.put(s)
}
