package handler

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/workshopwizard/internal/model"
	"github.com/hitoshi/workshopwizard/internal/workshop"
)

func TestMapAPIErrorToHTTPStatus(t *testing.T) {
	tests := []struct {
		code string
		want int
	}{
		{model.ErrCodeSessionNotFound, http.StatusNotFound},
		{model.ErrCodePersistenceFailed, http.StatusServiceUnavailable},
		{model.ErrCodeInvalidWorkshopData, http.StatusBadRequest},
		{model.ErrCodeInvalidStep, http.StatusBadRequest},
		{model.ErrCodeInvalidURL, http.StatusBadRequest},
		{model.ErrCodeInvalidRequest, http.StatusBadRequest},
		{model.ErrCodeStepIncomplete, http.StatusConflict},
		{model.ErrCodeSessionConflict, http.StatusConflict},
		{model.ErrCodeSSRFBlocked, http.StatusForbidden},
		{model.ErrCodeAssistantFailed, http.StatusBadGateway},
		{model.ErrCodeAssistantUnavailable, http.StatusServiceUnavailable},
		{model.ErrCodeUnauthorized, http.StatusUnauthorized},
		{model.ErrCodeTokenExpired, http.StatusUnauthorized},
		{model.ErrCodeRateLimitExceeded, http.StatusTooManyRequests},
		{"SOMETHING_ELSE", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			if got := mapAPIErrorToHTTPStatus(&model.APIError{Code: tt.code}); got != tt.want {
				t.Errorf("mapAPIErrorToHTTPStatus(%s) = %d, want %d", tt.code, got, tt.want)
			}
		})
	}
}

func TestHandleServiceError_WrappedErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"wrapped not found", fmt.Errorf("load: %w", model.ErrSessionNotFound), http.StatusNotFound, model.ErrCodeSessionNotFound},
		{"wrapped api error", fmt.Errorf("patch: %w", model.NewInvalidWorkshopDataError("bad")), http.StatusBadRequest, model.ErrCodeInvalidWorkshopData},
		{"no active session", workshop.ErrNoActiveSession, http.StatusConflict, model.ErrCodeSessionConflict},
		{"store closed by idle eviction", fmt.Errorf("failed to schedule save: %w", workshop.ErrQueueClosed), http.StatusConflict, model.ErrCodeSessionConflict},
		{"persistence", model.NewPersistenceError("delete", errors.New("db down")), http.StatusServiceUnavailable, model.ErrCodePersistenceFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handleServiceError(w, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := parseAPIErrorResponse(t, w).Code; got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestHandleServiceError_UnknownErrorIsInternal(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	w := httptest.NewRecorder()
	handleServiceError(w, errors.New("secret detail"))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	body := parseAPIErrorResponse(t, w)
	if body.Code != model.ErrCodeInternal {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeInternal)
	}
	if body.Message == "secret detail" {
		t.Error("internal error detail should not be returned to the client")
	}
	if !bytes.Contains(buf.Bytes(), []byte("secret detail")) {
		t.Error("internal error detail should be logged")
	}
}

func TestDecodeJSON_RejectsOversizedBody(t *testing.T) {
	big := bytes.Repeat([]byte("a"), maxRequestBodySize+10)
	body := append([]byte(`{"name":"`), big...)
	body = append(body, []byte(`"}`)...)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	w := httptest.NewRecorder()

	var v createWorkshopRequest
	if decodeJSON(w, req, &v) {
		t.Fatal("decodeJSON should reject an oversized body")
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}
