package tabletalkctl

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const sessionHeader = "X-Session-ID"

type Options struct {
	BaseURL    string
	APIKey     string
	SessionID  string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type request struct {
	method      string
	path        string
	body        io.Reader
	contentType string
	session     bool
	output      string
}

func Run(ctx context.Context, args []string, defaults Options) int {
	stdout := defaults.Stdout
	if stdout == nil {
		stdout = io.Discard
	}
	stderr := defaults.Stderr
	if stderr == nil {
		stderr = io.Discard
	}

	fs := flag.NewFlagSet("tabletalkctl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	baseURL := fs.String("base-url", firstNonEmpty(defaults.BaseURL, "http://localhost:8080"), "TableTalk API base URL")
	apiKey := fs.String("api-key", defaults.APIKey, "API key for authenticated requests")
	sessionID := fs.String("session", defaults.SessionID, "session id sent as "+sessionHeader)
	timeout := fs.Duration("timeout", durationOr(defaults.Timeout, 30*time.Second), "HTTP timeout (e.g. 30s)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		writeUsage(stderr)
		return 2
	}

	client := defaults.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: *timeout}
	}

	command := strings.TrimSpace(fs.Arg(0))
	rest := fs.Args()[1:]
	req, err := buildRequest(command, rest)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v\n\n", err)
		writeUsage(stderr)
		return 2
	}
	if req.session && strings.TrimSpace(*sessionID) == "" {
		_, _ = fmt.Fprintf(stderr, "command %q requires -session\n", command)
		return 2
	}

	endpoint := strings.TrimRight(*baseURL, "/") + req.path
	code, responseBody, err := doRequest(ctx, client, req, endpoint, *apiKey, *sessionID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "request failed: %v\n", err)
		return 1
	}

	if code >= 400 {
		_, _ = fmt.Fprintf(stderr, "http %d: %s\n", code, strings.TrimSpace(string(responseBody)))
		return 1
	}

	if req.output != "" {
		if err := writeOutput(req.output, responseBody, stdout); err != nil {
			_, _ = fmt.Fprintf(stderr, "write %s: %v\n", req.output, err)
			return 1
		}
		if req.output != "-" {
			_, _ = fmt.Fprintf(stdout, "wrote %d bytes to %s\n", len(responseBody), req.output)
		}
		return 0
	}

	if pretty, ok := prettyJSON(responseBody); ok {
		_, _ = fmt.Fprintln(stdout, pretty)
		return 0
	}
	if len(responseBody) > 0 {
		_, _ = fmt.Fprintln(stdout, string(responseBody))
	}
	return 0
}

func buildRequest(command string, args []string) (request, error) {
	switch command {
	case "health":
		return request{method: http.MethodGet, path: "/v1/health"}, nil
	case "ready":
		return request{method: http.MethodGet, path: "/v1/ready"}, nil
	case "session":
		return request{method: http.MethodPost, path: "/v1/sessions"}, nil
	case "upload":
		if len(args) != 2 {
			return request{}, fmt.Errorf("upload requires FILE and TABLE")
		}
		body, contentType, err := multipartBody(args[0], args[1])
		if err != nil {
			return request{}, err
		}
		return request{method: http.MethodPost, path: "/v1/upload", body: body, contentType: contentType, session: true}, nil
	case "table":
		return request{method: http.MethodGet, path: "/v1/table", session: true}, nil
	case "convert":
		if len(args) != 1 {
			return request{}, fmt.Errorf("convert requires OUT (use - for stdout)")
		}
		return request{method: http.MethodPost, path: "/v1/convert", session: true, output: args[0]}, nil
	case "download":
		if len(args) != 1 {
			return request{}, fmt.Errorf("download requires OUT (use - for stdout)")
		}
		return request{method: http.MethodGet, path: "/v1/download", session: true, output: args[0]}, nil
	case "ask", "translate":
		question := strings.TrimSpace(strings.Join(args, " "))
		if question == "" {
			return request{}, fmt.Errorf("%s requires QUESTION", command)
		}
		payload, err := json.Marshal(map[string]string{"question": question})
		if err != nil {
			return request{}, err
		}
		path := "/v1/ask"
		if command == "translate" {
			path = "/v1/query/translate"
		}
		return request{method: http.MethodPost, path: path, body: bytes.NewReader(payload), contentType: "application/json", session: true}, nil
	case "history":
		return request{method: http.MethodGet, path: "/v1/history", session: true}, nil
	case "clear-history":
		return request{method: http.MethodDelete, path: "/v1/history", session: true}, nil
	default:
		return request{}, fmt.Errorf("unknown command %q", command)
	}
}

func multipartBody(path, tableName string) (io.Reader, string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("open upload: %w", err)
	}
	defer func() { _ = file.Close() }()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, "", fmt.Errorf("read upload: %w", err)
	}
	if err := writer.WriteField("table_name", tableName); err != nil {
		return nil, "", err
	}
	if err := writer.Close(); err != nil {
		return nil, "", err
	}
	return &body, writer.FormDataContentType(), nil
}

func doRequest(ctx context.Context, client *http.Client, spec request, url, apiKey, sessionID string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, spec.method, url, spec.body)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if spec.contentType != "" {
		req.Header.Set("Content-Type", spec.contentType)
	}
	if strings.TrimSpace(apiKey) != "" {
		req.Header.Set("X-API-Key", strings.TrimSpace(apiKey))
	}
	if spec.session {
		req.Header.Set(sessionHeader, strings.TrimSpace(sessionID))
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func writeOutput(path string, data []byte, stdout io.Writer) error {
	if path == "-" {
		_, err := stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func prettyJSON(raw []byte) (string, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", false
	}
	var anyValue any
	if err := json.Unmarshal(raw, &anyValue); err != nil {
		return "", false
	}
	formatted, err := json.MarshalIndent(anyValue, "", "  ")
	if err != nil {
		return "", false
	}
	return string(formatted), true
}

func writeUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "usage: tabletalkctl [flags] <command> [args]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands:")
	_, _ = fmt.Fprintln(w, "  health                GET /v1/health")
	_, _ = fmt.Fprintln(w, "  ready                 GET /v1/ready")
	_, _ = fmt.Fprintln(w, "  session               POST /v1/sessions")
	_, _ = fmt.Fprintln(w, "  upload FILE TABLE     POST /v1/upload")
	_, _ = fmt.Fprintln(w, "  table                 GET /v1/table")
	_, _ = fmt.Fprintln(w, "  convert OUT           POST /v1/convert")
	_, _ = fmt.Fprintln(w, "  download OUT          GET /v1/download")
	_, _ = fmt.Fprintln(w, "  translate QUESTION... POST /v1/query/translate")
	_, _ = fmt.Fprintln(w, "  ask QUESTION...       POST /v1/ask")
	_, _ = fmt.Fprintln(w, "  history               GET /v1/history")
	_, _ = fmt.Fprintln(w, "  clear-history         DELETE /v1/history")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "commands other than health, ready and session need -session")
}

func firstNonEmpty(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return strings.TrimSpace(a)
	}
	return b
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return fallback
}
