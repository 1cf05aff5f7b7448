package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReadinessHandlerReady(t *testing.T) {
	InitHealthChecker()

	rec := httptest.NewRecorder()
	ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "ready") {
		t.Errorf("body = %q, want ready status", rec.Body.String())
	}
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), "alive") {
		t.Errorf("body = %q, want alive status", rec.Body.String())
	}
}
