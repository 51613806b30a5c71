// Package assistant はOpenAI互換のチャット補完APIを呼び出すプロキシと、
// ワークショップ用アシスタント「Sparky」を提供する。
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// maxResponseSize はAPIレスポンスボディの読み取り上限。
	maxResponseSize = 1 << 20

	// ProviderOpenAI はOpenAIを表すプロバイダ名。
	ProviderOpenAI = "openai"
	// ProviderPerplexity はPerplexityを表すプロバイダ名。
	ProviderPerplexity = "perplexity"
)

// ErrNotConfigured はAPIキーが設定されていないことを表す。
var ErrNotConfigured = errors.New("assistant API key is not configured")

// StatusError はAPIが200以外のステータスを返したことを表す。
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s API returned status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s API returned status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Message はチャット補完APIのメッセージ1件。
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CallObserver はAPI呼び出し結果の通知先。メトリクス収集に使用する。
type CallObserver interface {
	ObserveAssistantCall(provider, outcome string, duration time.Duration)
}

// ClientConfig はClientの接続設定。
type ClientConfig struct {
	Provider string // メトリクスとログに使うプロバイダ名
	BaseURL  string // 例: https://api.openai.com/v1
	APIKey   string
	Model    string // Completeでモデル未指定の場合に使うモデル
}

// Client はOpenAI互換のチャット補完APIのクライアント。
// 再試行は行わない。
type Client struct {
	httpClient   *http.Client
	logger       *slog.Logger
	observer     CallObserver
	provider     string
	apiKey       string
	defaultModel string
	endpoint     string // テスト用にエンドポイントを差し替え可能
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, cfg ClientConfig) *Client {
	return &Client{
		httpClient:   httpClient,
		logger:       logger,
		provider:     cfg.Provider,
		apiKey:       cfg.APIKey,
		defaultModel: cfg.Model,
		endpoint:     strings.TrimRight(cfg.BaseURL, "/") + "/chat/completions",
	}
}

// SetObserver はAPI呼び出し結果の通知先を設定する。
func (c *Client) SetObserver(o CallObserver) {
	c.observer = o
}

// Provider はプロバイダ名を返す。
func (c *Client) Provider() string {
	return c.provider
}

// Configured はAPIキーが設定されているかを返す。
func (c *Client) Configured() bool {
	return c.apiKey != ""
}

// Complete はシステムプロンプトとユーザープロンプトから応答テキストを生成する。
// modelが空の場合は設定のデフォルトモデルを使う。
func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt, model string) (string, error) {
	var messages []Message
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, Message{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, Message{Role: "user", Content: userPrompt})
	return c.Chat(ctx, messages, model)
}

type chatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Chat はメッセージ列をそのまま送信し、最初の候補のテキストを返す。
func (c *Client) Chat(ctx context.Context, messages []Message, model string) (string, error) {
	if !c.Configured() {
		return "", ErrNotConfigured
	}
	if model == "" {
		model = c.defaultModel
	}

	start := time.Now()
	text, err := c.do(ctx, messages, model)
	c.observe(start, err)
	return text, err
}

func (c *Client) do(ctx context.Context, messages []Message, model string) (string, error) {
	body, err := json.Marshal(chatRequest{Model: model, Messages: messages})
	if err != nil {
		return "", fmt.Errorf("リクエストのエンコードに失敗しました: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("assistant API call failed",
			slog.String("provider", c.provider),
			slog.String("model", model),
			slog.String("error", err.Error()),
		)
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	var parsed chatResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode != http.StatusOK {
		statusErr := &StatusError{Provider: c.provider, StatusCode: resp.StatusCode}
		if decodeErr == nil && parsed.Error != nil {
			statusErr.Message = parsed.Error.Message
		}
		c.logger.Error("assistant API returned error status",
			slog.String("provider", c.provider),
			slog.String("model", model),
			slog.Int("http_status", resp.StatusCode),
		)
		return "", statusErr
	}

	if decodeErr != nil {
		return "", fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", decodeErr)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%s API returned no choices", c.provider)
	}

	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

func (c *Client) observe(start time.Time, err error) {
	if c.observer == nil {
		return
	}

	outcome := "success"
	var statusErr *StatusError
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		outcome = "timeout"
	case errors.As(err, &statusErr):
		outcome = "error_status"
	default:
		outcome = "failure"
	}
	c.observer.ObserveAssistantCall(c.provider, outcome, time.Since(start))
}
