package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"

	brokerdb "github.com/pairwire/broker/internal/db"
	"github.com/pairwire/broker/internal/history"
	"github.com/pairwire/broker/internal/runnersecret"
	"github.com/pairwire/broker/internal/storetest"
)

func newTestGormDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := brokerdb.New(brokerdb.Config{Driver: "sqlite", DSN: ":memory:", Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	return gdb
}

func newTestAdminHandler(t *testing.T) *AdminHandler {
	gdb := newTestGormDB(t)
	logger := zaptest.NewLogger(t)
	hist := history.New(storetest.New(t), logger)
	return NewAdminHandler(runnersecret.New(gdb, nil), hist, gdb, logger)
}

func TestRotateRunnerSecretRejectsMissingFields(t *testing.T) {
	h := newTestAdminHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/admin/runners/secret", bytes.NewBufferString(`{"runnerId":""}`))
	rec := httptest.NewRecorder()
	h.RotateRunnerSecret(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRotateRunnerSecretSucceeds(t *testing.T) {
	h := newTestAdminHandler(t)

	body, _ := json.Marshal(rotateSecretRequest{RunnerID: "runner-1", Secret: "s3cret"})
	req := httptest.NewRequest(http.MethodPost, "/admin/runners/secret", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()
	h.RotateRunnerSecret(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCORSOriginsAddAndList(t *testing.T) {
	h := newTestAdminHandler(t)

	body, _ := json.Marshal(corsOriginRequest{Origin: "https://example.com"})
	addReq := httptest.NewRequest(http.MethodPost, "/admin/cors-origins", bytes.NewBuffer(body))
	addRec := httptest.NewRecorder()
	h.AddCORSOrigin(addRec, addReq)
	if addRec.Code != http.StatusOK {
		t.Fatalf("expected 200 adding origin, got %d: %s", addRec.Code, addRec.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/admin/cors-origins", nil)
	listRec := httptest.NewRecorder()
	h.ListCORSOrigins(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200 listing origins, got %d: %s", listRec.Code, listRec.Body.String())
	}

	var decoded struct {
		Data struct {
			Origins []string `json:"origins"`
		} `json:"data"`
	}
	if err := json.Unmarshal(listRec.Body.Bytes(), &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded.Data.Origins) != 1 || decoded.Data.Origins[0] != "https://example.com" {
		t.Fatalf("expected the added origin listed back, got %+v", decoded.Data.Origins)
	}
}

func TestRecentHistoryReturnsRecordedEntries(t *testing.T) {
	h := newTestAdminHandler(t)

	h.history.Record(t.Context(), history.Entry{AppID: "app-1", CodeAttempted: "ABC-123-XYZ", Success: true})
	h.history.Record(t.Context(), history.Entry{AppID: "app-2", CodeAttempted: "BAD-COD-EXX", Success: false, ErrorKind: "INVALID_CODE"})

	req := httptest.NewRequest(http.MethodGet, "/admin/history?limit=10", nil)
	rec := httptest.NewRecorder()
	h.RecentHistory(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var decoded struct {
		Data struct {
			Entries []history.Entry `json:"entries"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded.Data.Entries) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(decoded.Data.Entries))
	}
	if decoded.Data.Entries[0].AppID != "app-2" {
		t.Fatalf("expected newest entry first, got %+v", decoded.Data.Entries[0])
	}
}

func TestRecentHistoryRejectsInvalidLimit(t *testing.T) {
	h := newTestAdminHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/admin/history?limit=not-a-number", nil)
	rec := httptest.NewRecorder()
	h.RecentHistory(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRequireAdminTokenRejectsWrongToken(t *testing.T) {
	handler := RequireAdminToken("correct-token")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/cors-origins", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRequireAdminTokenAcceptsCorrectToken(t *testing.T) {
	handler := RequireAdminToken("correct-token")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/cors-origins", nil)
	req.Header.Set("Authorization", "Bearer correct-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
