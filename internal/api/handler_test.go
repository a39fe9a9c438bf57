package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tabletalk/tabletalk/internal/auth"
	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/ledger"
	"github.com/tabletalk/tabletalk/internal/nl2sql"
	"github.com/tabletalk/tabletalk/internal/pipeline"
	"github.com/tabletalk/tabletalk/internal/query"
	"github.com/tabletalk/tabletalk/internal/session"
	"github.com/tabletalk/tabletalk/internal/store"
	"github.com/tabletalk/tabletalk/internal/store/sqlite"
)

const studentsCSV = "Name,Class,Marks\nAlice,10A,85\nBob,10B,72\nCarol,10A,91\n"

func TestHealthEndpoint(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Header().Get("X-Trace-ID") == "" {
		t.Fatal("expected trace id header")
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{
		Readiness: func(rctx context.Context) error {
			return errors.New("dependency down")
		},
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["error_code"] != "NOT_READY" {
		t.Fatalf("error_code = %v", body["error_code"])
	}
}

func TestProtectedRouteRequiresAuth(t *testing.T) {
	cfg := testConfig(t, map[string]string{"TABLETALK_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("k1:alice:uploader|asker")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	h := NewHandler(cfg, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
		Sessions:       newTestService(t, &fakeTranslator{}),
	})

	unauthResp := httptest.NewRecorder()
	h.ServeHTTP(unauthResp, httptest.NewRequest(http.MethodPost, "/v1/sessions", nil))
	if unauthResp.Code != http.StatusUnauthorized {
		t.Fatalf("unauth status = %d", unauthResp.Code)
	}

	authReq := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	authReq.Header.Set("X-API-Key", "k1")
	authResp := httptest.NewRecorder()
	h.ServeHTTP(authResp, authReq)
	if authResp.Code != http.StatusCreated {
		t.Fatalf("auth status = %d", authResp.Code)
	}
	if body := decodeBody(t, authResp); body["session_id"] == "" {
		t.Fatal("expected session_id")
	}
}

func TestUploadRequiresUploaderRole(t *testing.T) {
	cfg := testConfig(t, map[string]string{"TABLETALK_AUTH_REQUIRED": "true"})
	validator, err := auth.NewStaticAPIKeyValidator("k2:bob:asker")
	if err != nil {
		t.Fatalf("validator setup failed: %v", err)
	}
	h := NewHandler(cfg, Dependencies{
		AuthMiddleware: auth.Middleware(nil, validator),
		Sessions:       newTestService(t, &fakeTranslator{}),
	})

	req := multipartRequest(t, "/v1/upload", "s1", "students.csv", studentsCSV, "Students")
	req.Header.Set("X-API-Key", "k2")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusForbidden)
	}
}

func TestAuthRequiredWithoutMiddleware(t *testing.T) {
	cfg := testConfig(t, map[string]string{"TABLETALK_AUTH_REQUIRED": "true"})
	h := NewHandler(cfg, Dependencies{Sessions: newTestService(t, &fakeTranslator{})})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestSessionsNotConfigured(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions", nil))
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestUploadConvertAskFlow(t *testing.T) {
	translator := &fakeTranslator{answers: map[string]string{
		"How many entries of records are present?": "SELECT COUNT(*) FROM Students ;",
	}}
	h := NewHandler(testConfig(t, nil), Dependencies{Sessions: newTestService(t, translator)})
	sessionID := createSession(t, h)

	rr := serve(h, multipartRequest(t, "/v1/upload", sessionID, "students.csv", studentsCSV, "Students"))
	if rr.Code != http.StatusOK {
		t.Fatalf("upload status = %d, body = %s", rr.Code, rr.Body.String())
	}
	preview := decodeBody(t, rr)
	if preview["table_name"] != "Students" || preview["row_count"] != float64(3) {
		t.Fatalf("preview = %v", preview)
	}

	rr = serve(h, sessionRequest(http.MethodGet, "/v1/table?limit=1", sessionID, ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("table status = %d", rr.Code)
	}
	if rows := decodeBody(t, rr)["rows"].([]any); len(rows) != 1 {
		t.Fatalf("rows = %v", rows)
	}

	rr = serve(h, sessionRequest(http.MethodPost, "/v1/convert", sessionID, ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("convert status = %d, body = %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Content-Disposition"); got != `attachment; filename="data.db"` {
		t.Fatalf("Content-Disposition = %q", got)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/vnd.sqlite3" {
		t.Fatalf("Content-Type = %q", got)
	}
	converted := rr.Body.Bytes()
	if !bytes.HasPrefix(converted, []byte("SQLite format 3\x00")) {
		t.Fatal("convert did not return a sqlite file")
	}

	rr = serve(h, sessionRequest(http.MethodGet, "/v1/download", sessionID, ""))
	if rr.Code != http.StatusOK || !bytes.Equal(rr.Body.Bytes(), converted) {
		t.Fatalf("download status = %d, equal = %v", rr.Code, bytes.Equal(rr.Body.Bytes(), converted))
	}

	rr = serve(h, sessionRequest(http.MethodPost, "/v1/ask", sessionID, `{"question":"How many entries of records are present?"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("ask status = %d, body = %s", rr.Code, rr.Body.String())
	}
	answer := decodeBody(t, rr)
	lines, _ := answer["lines"].([]any)
	if len(lines) != 1 || lines[0] != "1. 3" {
		t.Fatalf("lines = %v", answer["lines"])
	}

	rr = serve(h, sessionRequest(http.MethodGet, "/v1/history", sessionID, ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("history status = %d", rr.Code)
	}
	entries, _ := decodeBody(t, rr)["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("entries = %v", entries)
	}
	first := entries[0].(map[string]any)
	if first["role"] != "user" || first["display"] != "user : How many entries of records are present? (09-03-2024 14:05)" {
		t.Fatalf("first entry = %v", first)
	}

	rr = serve(h, sessionRequest(http.MethodDelete, "/v1/history", sessionID, ""))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("clear history status = %d", rr.Code)
	}

	rr = serve(h, sessionRequest(http.MethodGet, "/v1/export.parquet", sessionID, ""))
	if rr.Code != http.StatusOK || !bytes.HasPrefix(rr.Body.Bytes(), []byte("PAR1")) {
		t.Fatalf("export status = %d", rr.Code)
	}

	rr = serve(h, sessionRequest(http.MethodDelete, "/v1/sessions/"+sessionID, "", ""))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rr.Code)
	}
	rr = serve(h, sessionRequest(http.MethodGet, "/v1/history", sessionID, ""))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("history after delete status = %d", rr.Code)
	}
}

func TestTranslateEndpointReturnsSQL(t *testing.T) {
	translator := &fakeTranslator{answers: map[string]string{"count rows": "SELECT COUNT(*) FROM Students"}}
	h := NewHandler(testConfig(t, nil), Dependencies{Sessions: newTestService(t, translator)})
	sessionID := createSession(t, h)
	if rr := serve(h, multipartRequest(t, "/v1/upload", sessionID, "students.csv", studentsCSV, "Students")); rr.Code != http.StatusOK {
		t.Fatalf("upload status = %d", rr.Code)
	}

	rr := serve(h, sessionRequest(http.MethodPost, "/v1/query/translate", sessionID, `{"question":"count rows"}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["sql"] != "SELECT COUNT(*) FROM Students" || body["provider"] != "fake" {
		t.Fatalf("body = %v", body)
	}

	rr = serve(h, sessionRequest(http.MethodPost, "/v1/query/translate", sessionID, `{"prompt":"x"}`))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d", rr.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	translator := &fakeTranslator{answers: map[string]string{
		"drop it": "DROP TABLE Students",
		"bad col": "SELECT Age FROM Students",
	}}
	h := NewHandler(testConfig(t, nil), Dependencies{Sessions: newTestService(t, translator)})
	sessionID := createSession(t, h)

	cases := []struct {
		name   string
		req    *http.Request
		status int
		code   string
	}{
		{"missing header", sessionRequest(http.MethodGet, "/v1/table", "", ""), http.StatusBadRequest, "SESSION_REQUIRED"},
		{"unknown session", sessionRequest(http.MethodGet, "/v1/table", "nope", ""), http.StatusNotFound, "SESSION_NOT_FOUND"},
		{"no table", sessionRequest(http.MethodGet, "/v1/table", sessionID, ""), http.StatusConflict, "NO_TABLE"},
		{"missing file", sessionRequest(http.MethodPost, "/v1/upload", sessionID, ""), http.StatusBadRequest, "MISSING_INPUT"},
		{"unsupported", multipartRequest(t, "/v1/upload", sessionID, "notes.txt", "hello", "Notes"), http.StatusUnsupportedMediaType, "UNSUPPORTED_FORMAT"},
		{"malformed", multipartRequest(t, "/v1/upload", sessionID, "bad.csv", "a,b\n1,2,3\n", "Bad"), http.StatusUnprocessableEntity, "FORMAT_ERROR"},
		{"bad name", multipartRequest(t, "/v1/upload", sessionID, "s.csv", studentsCSV, "1 bad"), http.StatusBadRequest, "STORAGE_ERROR"},
		{"empty question", sessionRequest(http.MethodPost, "/v1/ask", sessionID, `{"question":"  "}`), http.StatusBadRequest, "MISSING_INPUT"},
	}
	for _, tc := range cases {
		rr := serve(h, tc.req)
		if rr.Code != tc.status {
			t.Fatalf("%s: status = %d, want %d, body = %s", tc.name, rr.Code, tc.status, rr.Body.String())
		}
		if code := decodeBody(t, rr)["error_code"]; code != tc.code {
			t.Fatalf("%s: error_code = %v, want %s", tc.name, code, tc.code)
		}
	}

	if rr := serve(h, multipartRequest(t, "/v1/upload", sessionID, "students.csv", studentsCSV, "Students")); rr.Code != http.StatusOK {
		t.Fatalf("upload status = %d", rr.Code)
	}
	rr := serve(h, sessionRequest(http.MethodPost, "/v1/ask", sessionID, `{"question":"drop it"}`))
	if rr.Code != http.StatusConflict || decodeBody(t, rr)["error_code"] != "NOT_CONVERTED" {
		t.Fatalf("ask before convert status = %d", rr.Code)
	}
	if rr := serve(h, sessionRequest(http.MethodPost, "/v1/convert", sessionID, "")); rr.Code != http.StatusOK {
		t.Fatalf("convert status = %d", rr.Code)
	}

	rr = serve(h, sessionRequest(http.MethodPost, "/v1/ask", sessionID, `{"question":"drop it"}`))
	if rr.Code != http.StatusBadRequest || decodeBody(t, rr)["error_code"] != "QUERY_REJECTED" {
		t.Fatalf("rejected status = %d, body = %s", rr.Code, rr.Body.String())
	}
	rr = serve(h, sessionRequest(http.MethodPost, "/v1/ask", sessionID, `{"question":"bad col"}`))
	if rr.Code != http.StatusBadRequest || decodeBody(t, rr)["error_code"] != "QUERY_REJECTED" {
		t.Fatalf("unknown column status = %d, body = %s", rr.Code, rr.Body.String())
	}

	translator.setErr(&nl2sql.TranslationTimeoutError{Attempts: 3, Timeout: time.Second, Err: context.DeadlineExceeded})
	rr = serve(h, sessionRequest(http.MethodPost, "/v1/ask", sessionID, `{"question":"anything"}`))
	if rr.Code != http.StatusGatewayTimeout || decodeBody(t, rr)["error_code"] != "TRANSLATE_TIMEOUT" {
		t.Fatalf("timeout status = %d, body = %s", rr.Code, rr.Body.String())
	}

	translator.setErr(&nl2sql.TranslationError{Provider: "fake", StatusCode: 503, Retryable: true, Err: errors.New("unavailable")})
	rr = serve(h, sessionRequest(http.MethodPost, "/v1/ask", sessionID, `{"question":"anything"}`))
	body := decodeBody(t, rr)
	if rr.Code != http.StatusBadGateway || body["error_code"] != "TRANSLATE_FAILED" || body["retryable"] != true {
		t.Fatalf("translate failure status = %d, body = %v", rr.Code, body)
	}
}

func TestTranslationDisabled(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{Sessions: newTestService(t, nil)})
	sessionID := createSession(t, h)
	if rr := serve(h, multipartRequest(t, "/v1/upload", sessionID, "students.csv", studentsCSV, "Students")); rr.Code != http.StatusOK {
		t.Fatalf("upload status = %d", rr.Code)
	}
	rr := serve(h, sessionRequest(http.MethodPost, "/v1/query/translate", sessionID, `{"question":"count"}`))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestUploadRejectsOversizedBody(t *testing.T) {
	cfg := testConfig(t, map[string]string{"TABLETALK_HTTP_MAX_UPLOAD_BYTES": "64"})
	h := NewHandler(cfg, Dependencies{Sessions: newTestService(t, &fakeTranslator{})})
	sessionID := createSession(t, h)

	rr := serve(h, multipartRequest(t, "/v1/upload", sessionID, "big.csv", strings.Repeat("a,b\n", 100), "Big"))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	order := make([]int, 0, 3)
	combined := CombineReadinessChecks(
		func(_ context.Context) error {
			order = append(order, 1)
			return nil
		},
		func(_ context.Context) error {
			order = append(order, 2)
			return errors.New("boom")
		},
		func(_ context.Context) error {
			order = append(order, 3)
			return nil
		},
	)

	err := combined(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("execution order = %#v", order)
	}
}

func TestReadinessChecks(t *testing.T) {
	if err := CheckDataDir(t.TempDir())(context.Background()); err != nil {
		t.Fatalf("CheckDataDir() error = %v", err)
	}

	cfg := testConfig(t, nil)
	if err := CheckObjectStoreConfig(cfg)(context.Background()); err != nil {
		t.Fatalf("disabled object store should be ready: %v", err)
	}
	cfg.ObjectStore.Enabled = true
	cfg.ObjectStore.Endpoint = ""
	if err := CheckObjectStoreConfig(cfg)(context.Background()); err == nil {
		t.Fatal("expected missing endpoint error")
	}
}

type fakeTranslator struct {
	mu      sync.Mutex
	answers map[string]string
	err     error
}

func (f *fakeTranslator) Translate(_ context.Context, req nl2sql.Request) (nl2sql.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nl2sql.Result{}, f.err
	}
	return nl2sql.Result{SQL: f.answers[req.Question], Provider: "fake", Model: "fake-model"}, nil
}

func (f *fakeTranslator) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func newTestService(t *testing.T, translator nl2sql.Translator) *pipeline.Service {
	t.Helper()
	s, err := store.New(t.TempDir(), sqlite.Dialect())
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	return &pipeline.Service{
		Sessions:   session.NewManager(),
		Ledger:     ledger.NewMemory(),
		Store:      s,
		Executor:   query.NewExecutor(s, 100, nil),
		Translator: translator,
		Now: func() time.Time {
			return time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC)
		},
	}
}

func testConfig(t *testing.T, overrides map[string]string) config.Config {
	t.Helper()
	values := map[string]string{"TABLETALK_PROFILE": "test"}
	for key, value := range overrides {
		values[key] = value
	}
	cfg, err := config.Load("tabletalk-api", mapLookup(values))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func createSession(t *testing.T, h http.Handler) string {
	t.Helper()
	rr := serve(h, httptest.NewRequest(http.MethodPost, "/v1/sessions", nil))
	if rr.Code != http.StatusCreated {
		t.Fatalf("create session status = %d", rr.Code)
	}
	id, _ := decodeBody(t, rr)["session_id"].(string)
	if id == "" {
		t.Fatal("empty session id")
	}
	return id
}

func multipartRequest(t *testing.T, path, sessionID, filename, content, tableName string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile() error = %v", err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := writer.WriteField("table_name", tableName); err != nil {
		t.Fatalf("WriteField() error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}
	return req
}

func sessionRequest(method, path, sessionID, body string) *http.Request {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if sessionID != "" {
		req.Header.Set("X-Session-ID", sessionID)
	}
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v, body = %s", err, rr.Body.String())
	}
	return body
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
