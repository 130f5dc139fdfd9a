package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"posledger/backend/internal/domain"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store/memory"
)

func TestMiddlewareSetsSecurityHeaders(t *testing.T) {
	h := newTestAPI(t).Handler()
	res := do(t, h, http.MethodGet, "/healthz", "", nil)

	if got := res.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options nosniff, got %q", got)
	}
	if got := res.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("expected X-Frame-Options DENY, got %q", got)
	}
	if got := res.Header().Get("Referrer-Policy"); got == "" {
		t.Fatalf("expected Referrer-Policy to be set")
	}
}

func TestPreflightShortCircuits(t *testing.T) {
	h := newTestAPI(t).Handler()
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/sales", nil)
	res := httptest.NewRecorder()
	h.ServeHTTP(res, req)

	if res.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for preflight, got %d", res.Code)
	}
	if !strings.Contains(res.Header().Get("Access-Control-Allow-Headers"), "Idempotency-Key") {
		t.Fatalf("expected Idempotency-Key to be allowed")
	}
}

func TestLoginRateLimitReturns429(t *testing.T) {
	repo := memory.NewSeeded(nil)
	api, err := New(service.New(repo, service.Options{}), NewAuthManager("secret", time.Hour, repo), Options{LoginRate: "5-M"})
	if err != nil {
		t.Fatalf("new api: %v", err)
	}
	h := api.Handler()
	body, _ := json.Marshal(domain.LoginRequest{Username: "owner", Password: "wrong-pass"})

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "127.0.0.1:5000"
		res := httptest.NewRecorder()

		h.ServeHTTP(res, req)

		if i < 5 && res.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d expected 401 before limit, got %d", i+1, res.Code)
		}
		if i == 5 {
			if res.Code != http.StatusTooManyRequests {
				t.Fatalf("attempt 6 expected 429, got %d", res.Code)
			}
			if res.Header().Get("Retry-After") == "" {
				t.Fatalf("expected Retry-After header")
			}
		}
	}

	other := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	other.Header.Set("Content-Type", "application/json")
	other.RemoteAddr = "10.0.0.9:5000"
	res := httptest.NewRecorder()
	h.ServeHTTP(res, other)
	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected a different client to be unaffected, got %d", res.Code)
	}
}

func TestInvalidLoginRateIsRejected(t *testing.T) {
	repo := memory.New()
	if _, err := New(service.New(repo, service.Options{}), NewAuthManager("secret", time.Hour, repo), Options{LoginRate: "lots"}); err == nil {
		t.Fatalf("expected malformed rate to be rejected")
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	h := newTestAPI(t).Handler()
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"username":"%s","password":"x"}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	h.ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too large body, got %d", res.Code)
	}
}

func TestBodyLimitIgnoresContentType(t *testing.T) {
	h := newTestAPI(t).Handler()
	body := fmt.Sprintf(`{"username":"%s","password":"x"}`, strings.Repeat("a", (1<<20)+1024))

	for _, contentType := range []string{"", "text/plain"} {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		res := httptest.NewRecorder()

		h.ServeHTTP(res, req)

		if res.Code != http.StatusBadRequest {
			t.Fatalf("content type %q: expected 400 for too large body, got %d", contentType, res.Code)
		}
	}
}

func TestServerErrorsHideDetails(t *testing.T) {
	api := newTestAPI(t)
	res := httptest.NewRecorder()
	api.writeError(res, http.StatusInternalServerError, fmt.Errorf("pq: relation \"sales\" does not exist"))

	if strings.Contains(res.Body.String(), "relation") {
		t.Fatalf("expected internal details to be hidden, got %s", res.Body.String())
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestAPI(t).Handler()
	if res := do(t, h, http.MethodDelete, "/healthz", "", nil); res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
}
