package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Auth
	AuthJWTSecret string
	AuthIssuer    string
	AuthAudience  string

	// Save / Store
	SaveDebounce time.Duration
	SaveTimeout  time.Duration
	StoreIdleTTL time.Duration

	// Assistant
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIBaseURL     string
	PerplexityAPIKey  string
	PerplexityModel   string
	PerplexityBaseURL string
	AssistantTimeout  time.Duration

	// Summarize
	SummarizeFetchPage    bool
	SummarizeFetchTimeout time.Duration
	SummarizeMaxSize      int64

	// Rate Limit (1分あたりのリクエスト数)
	RateLimitGeneral   int
	RateLimitAssistant int

	// Dedupe
	DedupeWindow time.Duration

	// Step 8 の完了条件 ("all_listed" | "selected_only")
	MarketPolicy string

	// Logging
	LogLevel string

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// DATABASE_URLが未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("required environment variables are not set: %v", []string{"DATABASE_URL"})
	}

	cfg.AuthJWTSecret = os.Getenv("AUTH_JWT_SECRET")
	cfg.AuthIssuer = os.Getenv("AUTH_ISSUER")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")

	// Optional fields with defaults
	cfg.SaveDebounce = getEnvDuration("SAVE_DEBOUNCE", 500*time.Millisecond)
	cfg.SaveTimeout = getEnvDuration("SAVE_TIMEOUT", 10*time.Second)
	cfg.StoreIdleTTL = getEnvDuration("STORE_IDLE_TTL", 30*time.Minute)

	cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	cfg.OpenAIModel = getEnvString("OPENAI_MODEL", "gpt-4o-mini")
	cfg.OpenAIBaseURL = getEnvString("OPENAI_BASE_URL", "https://api.openai.com/v1")
	cfg.PerplexityAPIKey = os.Getenv("PERPLEXITY_API_KEY")
	cfg.PerplexityModel = getEnvString("PERPLEXITY_MODEL", "sonar")
	cfg.PerplexityBaseURL = getEnvString("PERPLEXITY_BASE_URL", "https://api.perplexity.ai")
	cfg.AssistantTimeout = getEnvDuration("ASSISTANT_TIMEOUT", 60*time.Second)

	cfg.SummarizeFetchPage = getEnvBool("SUMMARIZE_FETCH_PAGE", true)
	cfg.SummarizeFetchTimeout = getEnvDuration("SUMMARIZE_FETCH_TIMEOUT", 10*time.Second)
	cfg.SummarizeMaxSize = getEnvInt64("SUMMARIZE_MAX_SIZE", 2097152)

	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitAssistant = getEnvInt("RATE_LIMIT_ASSISTANT", 20)

	cfg.DedupeWindow = getEnvDuration("DEDUPE_WINDOW", 5*time.Second)
	cfg.MarketPolicy = strings.ToLower(getEnvString("MARKET_POLICY", "all_listed"))
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// ValidateServe はserveサブコマンドでのみ必要な設定を検証する。
func (c *Config) ValidateServe() error {
	var missing []string
	if c.AuthJWTSecret == "" {
		missing = append(missing, "AUTH_JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("required environment variables are not set: %v", missing)
	}

	switch c.MarketPolicy {
	case "all_listed", "selected_only":
	default:
		return errors.New("MARKET_POLICY must be all_listed or selected_only")
	}
	return nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}
