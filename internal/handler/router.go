package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/workshopwizard/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	RequestObserver   middleware.RequestObserver
	TokenVerifier     middleware.TokenVerifier
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter

	// 公開エンドポイント
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// ワークショップ
	Stores       StoreProvider
	LoadObserver LoadObserver

	// アシスタント
	Sparky     SparkyReplier
	Completers map[string]Completer
	Summarizer URLSummarizer
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders → CORS → Auth → RateLimit(General)
//
// /health と /metrics は認証の外に配置する。
// Sparky、AI APIプロキシ、URL要約にはアシスタント用のレート制限を追加で適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var observers []middleware.RequestObserver
	if deps.RequestObserver != nil {
		observers = append(observers, deps.RequestObserver)
	}

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(logger, observers...))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	workshopHandler := NewWorkshopHandler(deps.Stores, deps.LoadObserver)
	assistantHandler := NewAssistantHandler(deps.Stores, deps.Sparky, deps.Completers)
	summarizeHandler := NewSummarizeHandler(deps.Stores, deps.Summarizer)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Auth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.TokenVerifier))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		assistantLimit := deps.RateLimiter.AssistantMiddleware()

		// ワークショップ管理
		r.Route("/api/workshops", func(r chi.Router) {
			r.Get("/", workshopHandler.ListWorkshops)
			r.Post("/", workshopHandler.CreateWorkshop)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", workshopHandler.GetWorkshop)
				r.Patch("/", workshopHandler.RenameWorkshop)
				r.Delete("/", workshopHandler.DeleteWorkshop)

				r.Patch("/data", workshopHandler.UpdateWorkshopData)
				r.Put("/step", workshopHandler.SetStep)
				r.Get("/steps/{step}", workshopHandler.CheckStep)
				r.Post("/advance", workshopHandler.Advance)

				// POST /api/workshops/{id}/chat - Sparky（アシスタント用レート制限を追加）
				r.With(assistantLimit).Post("/chat", assistantHandler.Chat)
			})
		})

		// AI APIプロキシ
		r.With(assistantLimit).Post("/api/assistant/complete", assistantHandler.Complete)

		// 参考URLの要約
		r.With(assistantLimit).Post("/api/summarize", summarizeHandler.Summarize)
	})

	return r
}
