package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/notebridge/notebridge/internal/apperr"
)

type stubTokenManager struct {
	subject     string
	validateErr error
}

func (s stubTokenManager) IssueConnectionToken(context.Context, string) (string, int64, error) {
	return "", 0, errors.New("not implemented")
}

func (s stubTokenManager) ValidateToken(string) (string, error) {
	return s.subject, s.validateErr
}

func TestAuthorizeRequestRejectsMissingHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/pages/page-1", http.NoBody)

	handler := &httpHandler{tokens: stubTokenManager{}, logger: zap.NewNop()}
	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
}

func TestAuthorizeRequestRejectsInvalidToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/pages/page-1", http.NoBody)
	request.Header.Set("Authorization", "Bearer bad-token")
	ctx.Request = request

	handler := &httpHandler{
		tokens: stubTokenManager{validateErr: errors.New("signature mismatch")},
		logger: zap.NewNop(),
	}
	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
}

func TestAuthorizeRequestBindsSubject(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/pages/page-1", http.NoBody)
	request.Header.Set("Authorization", "Bearer good-token")
	ctx.Request = request

	handler := &httpHandler{tokens: stubTokenManager{subject: "nb-1"}, logger: zap.NewNop()}
	handler.authorizeRequest(ctx)

	if recorder.Code == http.StatusUnauthorized {
		t.Fatalf("expected the request to pass authorization")
	}
	if got := ctx.GetString(notebookContextKey); got != "nb-1" {
		t.Fatalf("expected the subject to be bound, got %q", got)
	}
}

func TestRespondErrorMapsKindsToStatuses(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		kind   apperr.Kind
		status int
	}{
		{apperr.KindNotFound, http.StatusNotFound},
		{apperr.KindUnauthorized, http.StatusUnauthorized},
		{apperr.KindConflict, http.StatusConflict},
		{apperr.KindInvalidPayload, http.StatusBadRequest},
		{apperr.KindInternal, http.StatusInternalServerError},
	}

	for _, tc := range tests {
		recorder := httptest.NewRecorder()
		ctx, _ := gin.CreateTestContext(recorder)
		respondError(ctx, apperr.New(tc.kind, "some.operation", "some_reason", nil))
		if recorder.Code != tc.status {
			t.Fatalf("kind %s mapped to %d, want %d", tc.kind, recorder.Code, tc.status)
		}
	}

	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	respondError(ctx, errors.New("untagged"))
	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("untagged errors must map to 500, got %d", recorder.Code)
	}
}

func TestNewHTTPHandlerValidatesDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected missing dependencies to be rejected")
	}
}
