package workshop

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/workshopwizard/internal/repository"
	"github.com/hitoshi/workshopwizard/internal/steps"
)

// HubConfig はHubの設定を保持する。
type HubConfig struct {
	SaveDelay       time.Duration // 遅延保存の待機時間
	SaveTimeout     time.Duration // 1回の保存のタイムアウト
	IdleTTL         time.Duration // この時間操作のないStoreを保存後に破棄する
	CleanupInterval time.Duration // アイドルStoreの確認間隔
}

// DefaultHubConfig はデフォルトのHub設定を返す。
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SaveDelay:       DefaultSaveDelay,
		SaveTimeout:     DefaultSaveTimeout,
		IdleTTL:         30 * time.Minute,
		CleanupInterval: time.Minute,
	}
}

// Hub はユーザーごとのStoreを管理する。
// 一定時間操作のないStoreは保存待ちの変更を保存してから破棄する。
type Hub struct {
	config    HubConfig
	repo      repository.WorkshopSessionRepository
	validator *steps.Validator
	schema    *PatchSchema
	observer  SaveObserver
	logger    *slog.Logger

	now func() time.Time

	mu     sync.Mutex
	stores map[string]*Store

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewHub は新しいHubを生成し、バックグラウンドでアイドルStoreのクリーンアップを開始する。
func NewHub(config HubConfig, repo repository.WorkshopSessionRepository, validator *steps.Validator,
	schema *PatchSchema, observer SaveObserver, logger *slog.Logger) *Hub {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}

	h := &Hub{
		config:    config,
		repo:      repo,
		validator: validator,
		schema:    schema,
		observer:  observer,
		logger:    logger,
		now:       time.Now,
		stores:    make(map[string]*Store),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	go h.cleanupLoop()

	return h
}

// Store はuserIDのStoreを取得または作成する。
func (h *Hub) Store(userID string) *Store {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.stores[userID]; ok {
		return s
	}

	s := NewStore(StoreConfig{
		UserID:    userID,
		Repo:      h.repo,
		Queue:     NewSaveQueue(h.config.SaveDelay, h.config.SaveTimeout, h.observer, h.logger),
		Validator: h.validator,
		Schema:    h.schema,
		Logger:    h.logger,
	})
	s.now = h.now
	s.lastAccess = h.now()
	h.stores[userID] = s

	return s
}

// StoreCount は現在管理されているStoreの数を返す。
// テストおよびメトリクス用。
func (h *Hub) StoreCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.stores)
}

// Close はクリーンアップを停止し、全Storeの保存待ちの変更を並行して保存する。
func (h *Hub) Close(ctx context.Context) error {
	h.stopOnce.Do(func() { close(h.stopCh) })
	<-h.doneCh

	h.mu.Lock()
	stores := make([]*Store, 0, len(h.stores))
	for _, s := range h.stores {
		stores = append(stores, s)
	}
	h.stores = make(map[string]*Store)
	h.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range stores {
		g.Go(func() error {
			return s.Close(gctx)
		})
	}

	if err := g.Wait(); err != nil {
		h.logger.Error("failed to flush workshop stores on shutdown",
			slog.String("error", err.Error()),
		)
		return err
	}

	h.logger.Info("workshop stores flushed", slog.Int("stores", len(stores)))
	return nil
}

// cleanupLoop はバックグラウンドでアイドルStoreを定期的に破棄する。
func (h *Hub) cleanupLoop() {
	defer close(h.doneCh)

	ticker := time.NewTicker(h.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.evictIdle(context.Background())
		case <-h.stopCh:
			return
		}
	}
}

// evictIdle は最終操作からIdleTTLを超えたStoreを保存後に破棄する。
// 保存待ちの変更が残っているStoreは破棄しない。
// 保存に失敗した変更が残っているStoreは保存し直し、成功した場合のみ破棄する。
func (h *Hub) evictIdle(ctx context.Context) int {
	if h.config.IdleTTL <= 0 {
		return 0
	}

	now := h.now()
	isIdle := func(s *Store) bool {
		return now.Sub(s.LastAccess()) > h.config.IdleTTL && !s.Snapshot().SavePending
	}

	h.mu.Lock()
	var candidates []*Store
	for _, s := range h.stores {
		if isIdle(s) {
			candidates = append(candidates, s)
		}
	}
	h.mu.Unlock()

	for _, s := range candidates {
		if err := s.RetrySave(ctx); err != nil {
			h.logger.Warn("kept idle workshop store with unsaved changes",
				slog.String("user_id", s.UserID()),
				slog.String("error", err.Error()),
			)
		}
	}

	h.mu.Lock()
	var idle []*Store
	for _, s := range candidates {
		if h.stores[s.UserID()] != s || !isIdle(s) || s.SaveFailed() {
			continue
		}
		idle = append(idle, s)
		delete(h.stores, s.UserID())
	}
	h.mu.Unlock()

	for _, s := range idle {
		if err := s.Close(ctx); err != nil {
			h.logger.Warn("failed to flush idle workshop store",
				slog.String("user_id", s.UserID()),
				slog.String("error", err.Error()),
			)
		}
	}

	if len(idle) > 0 {
		h.logger.Debug("evicted idle workshop stores", slog.Int("count", len(idle)))
	}
	return len(idle)
}
