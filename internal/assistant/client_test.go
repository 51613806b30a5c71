package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

type mockCallObserver struct {
	provider string
	outcomes []string
}

func (m *mockCallObserver) ObserveAssistantCall(provider, outcome string, _ time.Duration) {
	m.provider = provider
	m.outcomes = append(m.outcomes, outcome)
}

func newTestClient(t *testing.T, server *httptest.Server, apiKey string) *Client {
	t.Helper()
	var buf bytes.Buffer
	return NewClient(server.Client(), newTestLogger(&buf), ClientConfig{
		Provider: ProviderOpenAI,
		BaseURL:  server.URL + "/v1/",
		APIKey:   apiKey,
		Model:    "gpt-4o-mini",
	})
}

func TestNewClient_BuildsEndpoint(t *testing.T) {
	var buf bytes.Buffer
	c := NewClient(http.DefaultClient, newTestLogger(&buf), ClientConfig{BaseURL: "https://api.openai.com/v1/"})
	if c.endpoint != "https://api.openai.com/v1/chat/completions" {
		t.Errorf("endpoint = %q", c.endpoint)
	}
}

func TestClient_Complete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("Authorization = %q", got)
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "gpt-4o-mini" {
			t.Errorf("model = %q, want default model", req.Model)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Content != "hello" {
			t.Errorf("messages = %+v", req.Messages)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  hi there \n"}}]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server, "sk-test")
	observer := &mockCallObserver{}
	c.SetObserver(observer)

	text, err := c.Complete(context.Background(), "be brief", "hello", "")
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if text != "hi there" {
		t.Errorf("text = %q, want trimmed reply", text)
	}
	if observer.provider != ProviderOpenAI || len(observer.outcomes) != 1 || observer.outcomes[0] != "success" {
		t.Errorf("observer = %+v", observer)
	}
}

func TestClient_Complete_ExplicitModelAndNoSystemPrompt(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "gpt-4o" {
			t.Errorf("model = %q, want gpt-4o", req.Model)
		}
		if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
			t.Errorf("messages = %+v", req.Messages)
		}
		w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server, "sk-test")
	if _, err := c.Complete(context.Background(), "  ", "hello", "gpt-4o"); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
}

func TestClient_Complete_NotConfigured(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	c := newTestClient(t, server, "")
	if c.Configured() {
		t.Error("Configured should be false without an API key")
	}

	_, err := c.Complete(context.Background(), "", "hello", "")
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("error = %v, want ErrNotConfigured", err)
	}
	if called {
		t.Error("API should not be called without an API key")
	}
}

func TestClient_Complete_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer server.Close()

	c := newTestClient(t, server, "sk-test")
	observer := &mockCallObserver{}
	c.SetObserver(observer)

	_, err := c.Complete(context.Background(), "", "hello", "")

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if statusErr.StatusCode != http.StatusTooManyRequests || statusErr.Message != "rate limited" {
		t.Errorf("StatusError = %+v", statusErr)
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("Error() = %q", err.Error())
	}
	if observer.outcomes[0] != "error_status" {
		t.Errorf("outcome = %q, want error_status", observer.outcomes[0])
	}
}

func TestClient_Complete_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server, "sk-test")
	if _, err := c.Complete(context.Background(), "", "hello", ""); err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestClient_Complete_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer server.Close()

	c := newTestClient(t, server, "sk-test")
	if _, err := c.Complete(context.Background(), "", "hello", ""); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestClient_Complete_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"choices":[{"message":{"content":"late"}}]}`))
	}))
	defer server.Close()

	c := newTestClient(t, server, "sk-test")
	observer := &mockCallObserver{}
	c.SetObserver(observer)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := c.Complete(ctx, "", "hello", ""); err == nil {
		t.Fatal("expected timeout error")
	}
	if observer.outcomes[0] != "timeout" {
		t.Errorf("outcome = %q, want timeout", observer.outcomes[0])
	}
}
