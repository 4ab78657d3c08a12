package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// newTestChain はサーバーと同じ順序でミドルウェアを組み立てたchi.Routerを返す。
func newTestChain(t *testing.T, buf *bytes.Buffer, cfg RateLimiterConfig, trusted ...netip.Prefix) chi.Router {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	rl := NewRateLimiter(cfg)
	t.Cleanup(rl.Stop)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(NewTrustedRealIPMiddleware(trusted))
	r.Use(NewLoggingMiddleware(logger, nil))
	r.Use(NewRecoveryMiddleware())
	r.Use(NewSecurityHeadersMiddleware())
	r.Use(NewCORSMiddleware("http://localhost:3000"))

	r.Route("/api", func(r chi.Router) {
		r.Use(rl.GeneralMiddleware())
		r.Get("/books", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		})
		r.With(rl.LoanMiddleware()).Post("/loans", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusCreated)
		})
		r.Get("/panic", func(w http.ResponseWriter, r *http.Request) {
			panic("boom")
		})
	})
	return r
}

func TestRouterIntegration_ChainAddsHeadersAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	r := newTestChain(t, &buf, DefaultRateLimiterConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/books", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want nosniff", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log: %v\nraw: %s", err, buf.String())
	}
	if id, _ := entry["request_id"].(string); id == "" {
		t.Error("expected request_id in access log")
	}
}

func loanLimitConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     100,
		GeneralBurst:    100,
		LoanRate:        0.001,
		LoanBurst:       2,
		CleanupInterval: DefaultRateLimiterConfig().CleanupInterval,
	}
}

func postLoan(r http.Handler, remoteAddr, forwardedFor string) int {
	req := httptest.NewRequest(http.MethodPost, "/api/loans", nil)
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
		req.Header.Set("X-Real-IP", forwardedFor)
		req.Header.Set("True-Client-IP", forwardedFor)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Result().StatusCode
}

func TestRouterIntegration_LoanLimitIgnoresSpoofedForwardingHeaders(t *testing.T) {
	var buf bytes.Buffer
	r := newTestChain(t, &buf, loanLimitConfig())

	passed, limited := 0, 0
	for i := 0; i < 20; i++ {
		switch postLoan(r, "203.0.113.7:40000", fmt.Sprintf("198.51.100.%d", i+1)) {
		case http.StatusCreated:
			passed++
		case http.StatusTooManyRequests:
			limited++
		}
	}
	if passed != 2 || limited != 18 {
		t.Errorf("passed=%d limited=%d, want passed=2 limited=18", passed, limited)
	}
}

func TestRouterIntegration_LoanLimitUsesForwardedIPFromTrustedProxy(t *testing.T) {
	var buf bytes.Buffer
	r := newTestChain(t, &buf, loanLimitConfig(), netip.MustParsePrefix("10.0.0.0/8"))

	const proxy = "10.0.0.5:5000"
	for i := 0; i < 2; i++ {
		if got := postLoan(r, proxy, "198.51.100.1"); got != http.StatusCreated {
			t.Fatalf("loan %d: status = %d, want %d", i+1, got, http.StatusCreated)
		}
	}
	if got := postLoan(r, proxy, "198.51.100.1"); got != http.StatusTooManyRequests {
		t.Errorf("third loan: status = %d, want %d", got, http.StatusTooManyRequests)
	}
	// 同じプロキシ経由でも別のクライアントIPは独立して制限される
	if got := postLoan(r, proxy, "198.51.100.2"); got != http.StatusCreated {
		t.Errorf("other client: status = %d, want %d", got, http.StatusCreated)
	}
}

func TestRouterIntegration_PanicReturnsUnifiedError(t *testing.T) {
	var buf bytes.Buffer
	r := newTestChain(t, &buf, DefaultRateLimiterConfig())

	req := httptest.NewRequest(http.MethodGet, "/api/panic", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusInternalServerError)
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != "INTERNAL_ERROR" {
		t.Errorf("code = %q, want INTERNAL_ERROR", body.Code)
	}
}
