package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"

	brokerdb "github.com/pairwire/broker/internal/db"
)

func newTestCORSPolicy(t *testing.T) *CORSPolicy {
	t.Helper()
	gdb := newTestGormDB(t)
	if err := gdb.Create(&brokerdb.CORSOrigin{Origin: "https://allowed.example"}).Error; err != nil {
		t.Fatal(err)
	}
	return NewCORSPolicy(gdb, zaptest.NewLogger(t))
}

func TestCORSMiddlewarePassesRequestsWithoutOrigin(t *testing.T) {
	policy := newTestCORSPolicy(t)
	called := false
	handler := policy.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected the next handler to run for a request with no Origin header")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestCORSMiddlewareAllowsListedOrigin(t *testing.T) {
	policy := newTestCORSPolicy(t)
	handler := policy.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://allowed.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://allowed.example" {
		t.Fatalf("expected Access-Control-Allow-Origin to be echoed back, got %q", got)
	}
}

func TestCORSMiddlewareRejectsUnlistedOrigin(t *testing.T) {
	policy := newTestCORSPolicy(t)
	called := false
	handler := policy.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if called {
		t.Fatal("expected the next handler to be skipped for a disallowed origin")
	}
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestCheckOriginMatchesAllowList(t *testing.T) {
	policy := newTestCORSPolicy(t)

	noOrigin := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !policy.CheckOrigin(noOrigin) {
		t.Fatal("expected a request without an Origin header to pass")
	}

	allowed := httptest.NewRequest(http.MethodGet, "/ws", nil)
	allowed.Header.Set("Origin", "https://allowed.example")
	if !policy.CheckOrigin(allowed) {
		t.Fatal("expected the allow-listed origin to pass")
	}

	denied := httptest.NewRequest(http.MethodGet, "/ws", nil)
	denied.Header.Set("Origin", "https://evil.example")
	if policy.CheckOrigin(denied) {
		t.Fatal("expected an unlisted origin to be denied")
	}
}
