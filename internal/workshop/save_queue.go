// Package workshop はワークショップセッションのメモリ上の状態と、
// リモートストアへの遅延保存を管理する。
package workshop

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultSaveDelay は保存を確定するまでの待機時間のデフォルト値。
const DefaultSaveDelay = 500 * time.Millisecond

// DefaultSaveTimeout は1回のフラッシュに許す時間のデフォルト値。
const DefaultSaveTimeout = 10 * time.Second

// ErrQueueClosed はClose後にScheduleを呼び出した場合に返される。
var ErrQueueClosed = errors.New("save queue is closed")

// FlushFunc は保存処理。フラッシュ時点の最新の状態を読み出して書き込むこと。
type FlushFunc func(ctx context.Context) error

// SaveObserver はフラッシュ結果の通知先。メトリクス収集に使用する。
type SaveObserver interface {
	ObserveSave(duration time.Duration, err error)
	ObserveCoalesced()
}

// timer はtime.Timerのうちキューが使う部分。テストで差し替える。
type timer interface {
	Stop() bool
}

type afterFuncFunc func(d time.Duration, f func()) timer

func realAfterFunc(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// saveEntry はキー1つ分の保存状態。
type saveEntry struct {
	flush    FlushFunc
	timer    timer
	gen      uint64        // 古いタイマー発火を無視するための世代番号
	pending  bool          // 未保存の変更がある
	inFlight bool          // フラッシュ実行中
	done     chan struct{} // 実行中フラッシュの完了で閉じる
}

// SaveQueue はキーごとに保存要求を間引き、最後の要求から一定時間経過後に1回だけ保存する。
// 同一キーのフラッシュは並行に実行しない。実行中に発火したタイマーは実行完了後に再評価する。
type SaveQueue struct {
	delay    time.Duration
	timeout  time.Duration
	observer SaveObserver
	logger   *slog.Logger

	afterFunc afterFuncFunc
	now       func() time.Time

	mu      sync.Mutex
	entries map[string]*saveEntry
	closed  bool
}

// NewSaveQueue はSaveQueueを生成する。
// delayが0以下の場合はDefaultSaveDelay、timeoutが0以下の場合はDefaultSaveTimeoutを使用する。
// observerはnilでもよい。
func NewSaveQueue(delay, timeout time.Duration, observer SaveObserver, logger *slog.Logger) *SaveQueue {
	if delay <= 0 {
		delay = DefaultSaveDelay
	}
	if timeout <= 0 {
		timeout = DefaultSaveTimeout
	}
	return &SaveQueue{
		delay:     delay,
		timeout:   timeout,
		observer:  observer,
		logger:    logger,
		afterFunc: realAfterFunc,
		now:       time.Now,
		entries:   make(map[string]*saveEntry),
	}
}

// Schedule はkeyの保存を予約する。予約済みの場合はタイマーをリセットする。
// flushは発火時点で最後に渡されたものが使われる。
func (q *SaveQueue) Schedule(key string, flush FlushFunc) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	e, ok := q.entries[key]
	if !ok {
		e = &saveEntry{}
		q.entries[key] = e
	}

	if e.timer != nil {
		e.timer.Stop()
		if q.observer != nil {
			q.observer.ObserveCoalesced()
		}
	}

	e.flush = flush
	e.pending = true
	e.gen++
	gen := e.gen
	e.timer = q.afterFunc(q.delay, func() { q.fire(key, gen) })

	return nil
}

// Flush はkeyの未保存の変更を同期的に保存する。
// 実行中のフラッシュがあれば完了を待ってから判定する。未保存の変更がなければ何もしない。
// ctxは待機の打ち切りにのみ使い、開始したフラッシュはキャンセルしない。
func (q *SaveQueue) Flush(ctx context.Context, key string) error {
	q.mu.Lock()
	for {
		e, ok := q.entries[key]
		if !ok {
			q.mu.Unlock()
			return nil
		}

		if e.inFlight {
			done := e.done
			q.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			q.mu.Lock()
			continue
		}

		if !e.pending {
			q.mu.Unlock()
			return nil
		}

		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.gen++
		flush := q.startLocked(e)
		q.mu.Unlock()

		return q.drain(key, e, flush)
	}
}

// Cancel はkeyの未保存の変更を破棄する。実行中のフラッシュは止めない。
// 破棄した変更があればtrueを返す。
func (q *SaveQueue) Cancel(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[key]
	if !ok {
		return false
	}

	dropped := e.pending
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.pending = false
	e.gen++
	if !e.inFlight {
		delete(q.entries, key)
	}
	return dropped
}

// Pending はkeyに未保存または保存中の変更があるかを返す。
func (q *SaveQueue) Pending(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[key]
	return ok && (e.pending || e.inFlight)
}

// Scheduled はkeyにまだフラッシュが開始されていない変更があるかを返す。
func (q *SaveQueue) Scheduled(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[key]
	return ok && e.pending
}

// Keys は保存待ちまたは保存中のキー一覧を返す。
func (q *SaveQueue) Keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys := make([]string, 0, len(q.entries))
	for k := range q.entries {
		keys = append(keys, k)
	}
	return keys
}

// Close は以降の予約を拒否し、全キーの未保存の変更を同期的に保存する。
// 個々のフラッシュエラーはまとめて返す。
func (q *SaveQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	var errs []error
	for _, key := range q.Keys() {
		if err := q.Flush(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// fire はタイマー発火時に呼ばれる。
func (q *SaveQueue) fire(key string, gen uint64) {
	q.mu.Lock()
	e, ok := q.entries[key]
	if !ok || e.gen != gen {
		q.mu.Unlock()
		return
	}
	e.timer = nil

	// 実行中のフラッシュが完了時に再実行する
	if e.inFlight {
		q.mu.Unlock()
		return
	}

	flush := q.startLocked(e)
	q.mu.Unlock()

	q.drain(key, e, flush)
}

// startLocked はエントリを実行中にする。q.muを保持して呼ぶこと。
func (q *SaveQueue) startLocked(e *saveEntry) FlushFunc {
	e.inFlight = true
	e.pending = false
	e.done = make(chan struct{})
	return e.flush
}

// drain はフラッシュを実行し、実行中に発火済みの変更があれば続けて実行する。
// 最後に実行したフラッシュのエラーを返す。
func (q *SaveQueue) drain(key string, e *saveEntry, flush FlushFunc) error {
	for {
		err := q.execute(key, flush)

		q.mu.Lock()
		e.inFlight = false
		close(e.done)

		switch {
		case e.pending && e.timer == nil:
			flush = q.startLocked(e)
			q.mu.Unlock()
			continue
		case !e.pending:
			if q.entries[key] == e {
				delete(q.entries, key)
			}
		}
		q.mu.Unlock()
		return err
	}
}

func (q *SaveQueue) execute(key string, flush FlushFunc) error {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	start := q.now()
	err := flush(ctx)
	elapsed := q.now().Sub(start)

	if q.observer != nil {
		q.observer.ObserveSave(elapsed, err)
	}
	if err != nil {
		q.logger.Error("debounced save failed",
			slog.String("key", key),
			slog.Duration("duration", elapsed),
			slog.String("error", err.Error()),
		)
		return err
	}

	q.logger.Debug("debounced save flushed",
		slog.String("key", key),
		slog.Duration("duration", elapsed),
	)
	return nil
}
