// Package summarize は参考URLの要約プロキシを提供する。
// URLをSSRF検証した上でページ(またはフィード)を取得し、
// 抽出したテキストを添えてPerplexityに要約を依頼する。
package summarize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/workshopwizard/internal/model"
	"github.com/hitoshi/workshopwizard/internal/security"
)

const (
	// DefaultFetchTimeout はページ取得のデフォルトタイムアウト。
	DefaultFetchTimeout = 10 * time.Second
	// DefaultMaxSize はページ取得で読み込む最大バイト数。
	DefaultMaxSize int64 = 2 * 1024 * 1024
	// maxPromptText はプロンプトに含める本文の最大文字数。
	maxPromptText = 6000
)

// ErrEmptySummary は要約APIが空の応答を返した場合のエラー。
var ErrEmptySummary = errors.New("summary response was empty")

const systemPrompt = "You are a research assistant for a founder working through a business strategy workshop. " +
	"Summarize the referenced web page in 3 to 5 short bullet points. " +
	"Focus on facts that matter for target customers and market evaluation. " +
	"Reply in the language of the page. Do not invent details that are not on the page."

// URLGuard はSSRF検証とSSRF防止付きHTTPクライアントの生成を抽象化する。
type URLGuard interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// TextSanitizer はHTMLからプレーンテキストを取り出す。
type TextSanitizer interface {
	Text(rawHTML string) string
}

// Completer は要約を生成するテキスト生成APIのクライアント。
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt, model string) (string, error)
}

// Config はServiceの設定を保持する。
type Config struct {
	FetchPage    bool          // falseの場合はURLのみで要約を依頼する
	FetchTimeout time.Duration // ページ取得のタイムアウト
	MaxSize      int64         // ページ取得で読み込む最大バイト数
	Model        string        // 空の場合はクライアントのデフォルトモデル
}

// Service はURL要約を行う。
type Service struct {
	guard     URLGuard
	sanitizer TextSanitizer
	completer Completer
	config    Config
	logger    *slog.Logger

	// httpClient はテストで差し替える。nilの場合はguard.NewSafeClientを使う。
	httpClient *http.Client
}

// NewService は新しいServiceを生成する。
func NewService(guard URLGuard, sanitizer TextSanitizer, completer Completer, config Config, logger *slog.Logger) *Service {
	if config.FetchTimeout <= 0 {
		config.FetchTimeout = DefaultFetchTimeout
	}
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultMaxSize
	}
	return &Service{
		guard:     guard,
		sanitizer: sanitizer,
		completer: completer,
		config:    config,
		logger:    logger,
	}
}

// Summarize はrawURLの内容を要約したテキストを返す。
//
// URLが不正な場合はINVALID_URL、内部ネットワーク宛ての場合はSSRF_BLOCKEDの*model.APIErrorを返す。
// ページ取得の失敗は要約を止めず、URLのみで要約を依頼する。
// 要約APIのエラーはそのまま返す（assistant.ErrNotConfigured / *assistant.StatusError など）。
func (s *Service) Summarize(ctx context.Context, rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", model.NewInvalidURLError("URLが入力されていません")
	}

	if err := s.guard.ValidateURL(rawURL); err != nil {
		if errors.Is(err, security.ErrBlockedURL) {
			s.logger.Warn("summarize url blocked",
				slog.String("url", rawURL),
				slog.String("error", err.Error()),
			)
			return "", model.NewSSRFBlockedError()
		}
		return "", model.NewInvalidURLError(err.Error())
	}

	var page *PageContext
	if s.config.FetchPage {
		p, err := s.fetch(ctx, rawURL)
		if err != nil {
			s.logger.Warn("page fetch failed, summarizing by url only",
				slog.String("url", rawURL),
				slog.String("error", err.Error()),
			)
		} else {
			page = p
		}
	}

	summary, err := s.completer.Complete(ctx, systemPrompt, BuildPrompt(rawURL, page), s.config.Model)
	if err != nil {
		return "", err
	}

	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", ErrEmptySummary
	}

	return summary, nil
}

// fetch はSSRF防止付きクライアントでページを取得し、PageContextを抽出する。
func (s *Service) fetch(ctx context.Context, rawURL string) (*PageContext, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "WorkshopWizard/1.0 (+url-summary)")
	req.Header.Set("Accept", "text/html, application/xhtml+xml, application/rss+xml, application/atom+xml, text/xml;q=0.9, */*;q=0.8")

	resp, err := s.getHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.config.MaxSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	return s.extract(resp.Header.Get("Content-Type"), body)
}

// extract はレスポンスの種類に応じて要約の材料を取り出す。
func (s *Service) extract(contentType string, body []byte) (*PageContext, error) {
	if IsFeed(contentType, body) {
		page, err := parseFeed(body)
		if err != nil {
			return nil, fmt.Errorf("failed to parse feed: %w", err)
		}
		return page, nil
	}

	mediaType := mediaTypeOf(contentType)
	switch {
	case isHTML(contentType, body):
		title, description := parseHead(body)
		return &PageContext{
			Title:       title,
			Description: description,
			Text:        truncateRunes(s.sanitizer.Text(string(body)), maxPromptText),
		}, nil
	case strings.HasPrefix(mediaType, "text/"):
		return &PageContext{
			Text: truncateRunes(strings.Join(strings.Fields(string(body)), " "), maxPromptText),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported content type: %q", contentType)
	}
}

func (s *Service) getHTTPClient() *http.Client {
	if s.httpClient != nil {
		return s.httpClient
	}
	return s.guard.NewSafeClient(s.config.FetchTimeout, s.config.MaxSize)
}

// BuildPrompt は要約APIに送るユーザープロンプトを組み立てる。
// pageがnilの場合はURLのみを渡す。
func BuildPrompt(rawURL string, page *PageContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\n", rawURL)

	if page == nil {
		b.WriteString("\nThe page content could not be retrieved. Summarize what is publicly known about this URL.")
		return b.String()
	}

	if page.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", page.Title)
	}
	if page.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", page.Description)
	}
	if page.IsFeed && len(page.Entries) > 0 {
		b.WriteString("\nThis URL is a news feed. Recent entries:\n")
		for _, entry := range page.Entries {
			fmt.Fprintf(&b, "- %s\n", entry)
		}
	}
	if page.Text != "" {
		fmt.Fprintf(&b, "\nPage text:\n%s\n", page.Text)
	}

	return b.String()
}
