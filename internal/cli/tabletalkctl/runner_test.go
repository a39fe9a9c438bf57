package tabletalkctl

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRunHealthCommand(t *testing.T) {
	var gotMethod, gotPath, gotAPIKey, gotSession string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("X-API-Key")
		gotSession = r.Header.Get(sessionHeader)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{
		"-base-url", srv.URL,
		"-api-key", "k1",
		"health",
	}, Options{
		Stdout:  &stdout,
		Stderr:  &stderr,
		Timeout: 2 * time.Second,
	})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if gotMethod != http.MethodGet || gotPath != "/v1/health" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if gotAPIKey != "k1" || gotSession != "" {
		t.Fatalf("headers api_key=%q session=%q", gotAPIKey, gotSession)
	}
	if !strings.Contains(stdout.String(), `"status": "ok"`) {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunSessionCommand(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"session_id":"s-1"}`))
	}))
	defer srv.Close()

	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "session"}, Options{Stdout: &stdout})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/sessions" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if !strings.Contains(stdout.String(), "s-1") {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunUploadSendsMultipart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grades.csv")
	if err := os.WriteFile(path, []byte("name,score\nAlice,85\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	var gotSession, gotFilename, gotTable, gotContent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession = r.Header.Get(sessionHeader)
		file, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer func() { _ = file.Close() }()
		raw, _ := io.ReadAll(file)
		gotFilename = header.Filename
		gotContent = string(raw)
		gotTable = r.FormValue("table_name")
		_, _ = w.Write([]byte(`{"table_name":"grades"}`))
	}))
	defer srv.Close()

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "-session", "s-1", "upload", path, "grades"}, Options{Stderr: &stderr})
	if code != 0 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if gotSession != "s-1" || gotFilename != "grades.csv" || gotTable != "grades" {
		t.Fatalf("session=%q filename=%q table=%q", gotSession, gotFilename, gotTable)
	}
	if gotContent != "name,score\nAlice,85\n" {
		t.Fatalf("content = %q", gotContent)
	}
}

func TestRunConvertWritesFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/convert" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/vnd.sqlite3")
		_, _ = w.Write([]byte("SQLite format 3\x00"))
	}))
	defer srv.Close()

	out := filepath.Join(t.TempDir(), "data.db")
	var stdout bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "-session", "s-1", "convert", out}, Options{Stdout: &stdout})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(raw) != "SQLite format 3\x00" {
		t.Fatalf("file content = %q", raw)
	}
	if !strings.Contains(stdout.String(), "wrote 16 bytes") {
		t.Fatalf("stdout = %q", stdout.String())
	}
}

func TestRunAskJoinsQuestion(t *testing.T) {
	var gotMethod, gotPath, gotQuestion string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		var payload map[string]string
		_ = json.NewDecoder(r.Body).Decode(&payload)
		gotQuestion = payload["question"]
		_, _ = w.Write([]byte(`{"lines":["1. 3"]}`))
	}))
	defer srv.Close()

	code := Run(context.Background(), []string{"-base-url", srv.URL, "-session", "s-1", "ask", "how", "many", "students?"}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if gotMethod != http.MethodPost || gotPath != "/v1/ask" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
	if gotQuestion != "how many students?" {
		t.Fatalf("question = %q", gotQuestion)
	}
}

func TestRunClearHistoryCommand(t *testing.T) {
	var gotMethod, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	code := Run(context.Background(), []string{"-base-url", srv.URL, "-session", "s-1", "clear-history"}, Options{})
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if gotMethod != http.MethodDelete || gotPath != "/v1/history" {
		t.Fatalf("request = %s %s", gotMethod, gotPath)
	}
}

func TestRunRequiresSessionForScopedCommands(t *testing.T) {
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"history"}, Options{Stderr: &stderr})
	if code != 2 {
		t.Fatalf("exit code = %d", code)
	}
	if !strings.Contains(stderr.String(), "-session") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestRunReturnsErrorOnHTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error_code":"NOT_CONVERTED"}`))
	}))
	defer srv.Close()

	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"-base-url", srv.URL, "-session", "s-1", "ask", "anything"}, Options{Stderr: &stderr})
	if code != 1 {
		t.Fatalf("exit code = %d, stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stderr.String(), "http 409") {
		t.Fatalf("stderr = %q", stderr.String())
	}
}

func TestRunRejectsMissingArguments(t *testing.T) {
	for _, args := range [][]string{
		{"-session", "s-1", "upload", "only-file"},
		{"-session", "s-1", "convert"},
		{"-session", "s-1", "ask"},
	} {
		var stderr bytes.Buffer
		if code := Run(context.Background(), args, Options{Stderr: &stderr}); code != 2 {
			t.Fatalf("Run(%v) exit code = %d", args, code)
		}
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var stderr bytes.Buffer
	code := Run(context.Background(), []string{"unknown"}, Options{Stderr: &stderr})
	if code != 2 {
		t.Fatalf("exit code = %d", code)
	}
	if stderr.Len() == 0 {
		t.Fatal("expected usage output")
	}
}
