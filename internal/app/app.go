package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hitoshi/workshopwizard/internal/assistant"
	"github.com/hitoshi/workshopwizard/internal/auth"
	"github.com/hitoshi/workshopwizard/internal/config"
	"github.com/hitoshi/workshopwizard/internal/database"
	"github.com/hitoshi/workshopwizard/internal/handler"
	"github.com/hitoshi/workshopwizard/internal/logger"
	"github.com/hitoshi/workshopwizard/internal/metrics"
	"github.com/hitoshi/workshopwizard/internal/middleware"
	"github.com/hitoshi/workshopwizard/internal/repository"
	"github.com/hitoshi/workshopwizard/internal/security"
	"github.com/hitoshi/workshopwizard/internal/steps"
	"github.com/hitoshi/workshopwizard/internal/summarize"
	"github.com/hitoshi/workshopwizard/internal/worker/dedupe"
	"github.com/hitoshi/workshopwizard/internal/workshop"
)

const (
	// dbPingTimeout は起動時のDB疎通確認のタイムアウト。
	dbPingTimeout = 5 * time.Second
	// shutdownTimeout はグレースフルシャットダウンの上限時間。
	shutdownTimeout = 30 * time.Second
)

// stdin はdedupeの確認プロンプトの入力元。テストで差し替える。
var stdin io.Reader = os.Stdin

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandDedupe:
		opts, err := ParseDedupeOptions(args[1:], w)
		if err != nil {
			return err
		}
		return runDedupe(cfg, opts, os.Stdout)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(cfg *config.Config) (*sql.DB, error) {
	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, err
	}
	if err := database.Ping(db, dbPingTimeout); err != nil {
		db.Close()
		return nil, err
	}

	slog.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行い、
// 保存待ちのワークショップをすべて保存してから終了する。
func runServe(cfg *config.Config) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}

	// 1. DB接続
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	log := slog.Default()

	// 2. メトリクス
	registry := metrics.NewRegistry()
	collector := metrics.NewCollector(registry)

	// 3. ワークショップストア
	workshopRepo := repository.NewPostgresWorkshopRepo(db)
	validator := steps.NewValidator(steps.ParseMarketPolicy(cfg.MarketPolicy))

	hubConfig := workshop.DefaultHubConfig()
	hubConfig.SaveDelay = cfg.SaveDebounce
	hubConfig.SaveTimeout = cfg.SaveTimeout
	hubConfig.IdleTTL = cfg.StoreIdleTTL

	hub := workshop.NewHub(hubConfig, workshopRepo, validator, workshop.MustPatchSchema(), collector, log)
	collector.RegisterActiveStores(hub.StoreCount)

	// 4. アシスタント
	assistantHTTP := &http.Client{Timeout: cfg.AssistantTimeout}

	openai := assistant.NewClient(assistantHTTP, log, assistant.ClientConfig{
		Provider: assistant.ProviderOpenAI,
		BaseURL:  cfg.OpenAIBaseURL,
		APIKey:   cfg.OpenAIAPIKey,
		Model:    cfg.OpenAIModel,
	})
	openai.SetObserver(collector)

	perplexity := assistant.NewClient(assistantHTTP, log, assistant.ClientConfig{
		Provider: assistant.ProviderPerplexity,
		BaseURL:  cfg.PerplexityBaseURL,
		APIKey:   cfg.PerplexityAPIKey,
		Model:    cfg.PerplexityModel,
	})
	perplexity.SetObserver(collector)

	sparky := assistant.NewSparky(openai, cfg.OpenAIModel, log)

	// 5. URL要約（Perplexity未設定の場合はOpenAIで要約する）
	summaryClient, summaryModel := perplexity, cfg.PerplexityModel
	if !perplexity.Configured() && openai.Configured() {
		summaryClient, summaryModel = openai, cfg.OpenAIModel
	}
	summarizer := summarize.NewService(
		security.NewSSRFGuard(),
		security.NewTextSanitizer(),
		summaryClient,
		summarize.Config{
			FetchPage:    cfg.SummarizeFetchPage,
			FetchTimeout: cfg.SummarizeFetchTimeout,
			MaxSize:      cfg.SummarizeMaxSize,
			Model:        summaryModel,
		},
		log,
	)

	// 6. 認証
	verifier, err := auth.NewTokenVerifier(auth.VerifierConfig{
		Secret:   []byte(cfg.AuthJWTSecret),
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
	})
	if err != nil {
		return fmt.Errorf("failed to create token verifier: %w", err)
	}

	// 7. ルーターの構築
	// configのレート制限はreq/min単位
	rateLimiter := middleware.NewRateLimiter(
		middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitAssistant),
	)
	defer rateLimiter.Stop()

	deps := &handler.RouterDeps{
		Logger:            log,
		RequestObserver:   collector,
		TokenVerifier:     verifier,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,

		HealthChecker:  db,
		MetricsHandler: metrics.Handler(registry),

		Stores:       handler.NewHubAdapter(hub),
		LoadObserver: collector,

		Sparky: sparky,
		Completers: map[string]handler.Completer{
			assistant.ProviderOpenAI:     openai,
			assistant.ProviderPerplexity: perplexity,
		},
		Summarizer: summarizer,
	}

	router := handler.NewRouter(deps)

	// 8. HTTPサーバーの起動
	// アシスタント呼び出しを待てるよう、WriteTimeoutはアシスタントのタイムアウトより長くする
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.AssistantTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
			slog.String("market_policy", validator.MarketPolicy().String()),
			slog.Duration("save_debounce", cfg.SaveDebounce),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var listenErr error
	select {
	case <-stop:
		slog.Info("shutting down API server...")
	case listenErr = <-serverErr:
		slog.Error("server listen error", slog.String("error", listenErr.Error()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("server shutdown failed", slog.String("error", err.Error()))
	}

	// リクエストが止まった後に保存待ちの変更を保存する
	if err := hub.Close(ctx); err != nil {
		return fmt.Errorf("failed to flush workshops on shutdown: %w", err)
	}

	if listenErr != nil {
		return fmt.Errorf("server listen failed: %w", listenErr)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("version", uint64(version)),
	)
	return nil
}

// runDedupe は重複セッションの検出と削除を実行する。
// 確認で中止された場合や個々の削除に失敗した場合もエラーにはしない。
// DB接続などの準備に失敗した場合のみエラーを返す。
func runDedupe(cfg *config.Config, opts DedupeOptions, out io.Writer) error {
	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	repo := repository.NewPostgresWorkshopRepo(db)

	var confirmer dedupe.Confirmer
	if !opts.Yes {
		confirmer = dedupe.NewPromptConfirmer(stdin, out)
	}

	job := dedupe.NewJob(repo, repo, confirmer, out, slog.Default())
	job.Window = cfg.DedupeWindow
	job.DryRun = opts.DryRun

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := job.Run(ctx)
	if err != nil {
		return fmt.Errorf("dedupe failed: %w", err)
	}

	slog.Info("dedupe finished",
		slog.Int("scanned", report.Scanned),
		slog.Int("groups", len(report.Groups)),
		slog.Int("deleted", len(report.Deleted)),
		slog.Int("failed", len(report.Failed)),
		slog.Bool("aborted", report.Aborted),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	endpoint := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(endpoint)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
// パースできない場合は全体を伏せる。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("xxxxx")
	}
	u.RawQuery = ""
	return u.String()
}
