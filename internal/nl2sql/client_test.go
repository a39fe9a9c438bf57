package nl2sql

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var studentsRequest = Request{
	Question:  "How many students are there?",
	TableName: "Students",
	Columns:   []string{"Name", "Class"},
}

func TestOpenAITranslatorSendsPromptAndStripsFences(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Fatalf("Authorization = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"` + "```sql\\nSELECT COUNT(*) FROM Students;\\n```" + `"}}]}`))
	}))
	defer server.Close()

	translator, err := NewOpenAITranslator(OpenAIConfig{BaseURL: server.URL, APIKey: "k", Model: "m"})
	if err != nil {
		t.Fatalf("NewOpenAITranslator() error = %v", err)
	}
	result, err := translator.Translate(context.Background(), studentsRequest)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if result.SQL != "SELECT COUNT(*) FROM Students;" || result.Model != "m" || result.Provider != openAIProvider {
		t.Fatalf("result = %+v", result)
	}

	messages := captured["messages"].([]any)
	system := messages[0].(map[string]any)["content"].(string)
	user := messages[1].(map[string]any)["content"].(string)
	if !strings.Contains(system, "The table name is Students") || user != studentsRequest.Question {
		t.Fatalf("messages = %#v", messages)
	}
}

func TestOpenAITranslatorClassifiesStatus(t *testing.T) {
	status := http.StatusTooManyRequests
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", status)
	}))
	defer server.Close()

	translator, err := NewOpenAITranslator(OpenAIConfig{BaseURL: server.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewOpenAITranslator() error = %v", err)
	}

	_, err = translator.Translate(context.Background(), studentsRequest)
	var translationErr *TranslationError
	if !errors.As(err, &translationErr) || !translationErr.Retryable || translationErr.StatusCode != 429 {
		t.Fatalf("error = %v, want retryable 429", err)
	}
	if !errors.Is(err, ErrTranslation) {
		t.Fatal("TranslationError should match ErrTranslation")
	}

	status = http.StatusUnauthorized
	_, err = translator.Translate(context.Background(), studentsRequest)
	if !errors.As(err, &translationErr) || translationErr.Retryable {
		t.Fatalf("error = %v, want non-retryable", err)
	}
}

func TestGeminiTranslatorUsesGenerateContent(t *testing.T) {
	var captured struct {
		SystemInstruction geminiContent   `json:"systemInstruction"`
		Contents          []geminiContent `json:"contents"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1beta/models/gemini-pro:generateContent" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("x-goog-api-key"); got != "g" {
			t.Fatalf("x-goog-api-key = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"SELECT * FROM Students "},{"text":"where CLASS=\"10A\";"}]}}]}`))
	}))
	defer server.Close()

	translator, err := NewGeminiTranslator(GeminiConfig{BaseURL: server.URL, APIKey: "g"})
	if err != nil {
		t.Fatalf("NewGeminiTranslator() error = %v", err)
	}
	result, err := translator.Translate(context.Background(), studentsRequest)
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if result.SQL != `SELECT * FROM Students where CLASS="10A";` || result.Provider != "gemini" {
		t.Fatalf("result = %+v", result)
	}
	if len(captured.Contents) != 1 || captured.Contents[0].Parts[0].Text != studentsRequest.Question {
		t.Fatalf("contents = %+v", captured.Contents)
	}
	if !strings.Contains(captured.SystemInstruction.Parts[0].Text, "columns are [Name, Class]") {
		t.Fatalf("systemInstruction = %+v", captured.SystemInstruction)
	}
}

func TestGeminiTranslatorRejectsEmptyText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"` + "```sql\\n```" + `"}]}}]}`))
	}))
	defer server.Close()

	translator, err := NewGeminiTranslator(GeminiConfig{BaseURL: server.URL, APIKey: "g"})
	if err != nil {
		t.Fatalf("NewGeminiTranslator() error = %v", err)
	}
	if _, err := translator.Translate(context.Background(), studentsRequest); !errors.Is(err, ErrTranslation) {
		t.Fatalf("error = %v, want ErrTranslation", err)
	}
}

func TestTranslatorsValidateRequest(t *testing.T) {
	translator, err := NewGeminiTranslator(GeminiConfig{APIKey: "g"})
	if err != nil {
		t.Fatalf("NewGeminiTranslator() error = %v", err)
	}
	if _, err := translator.Translate(context.Background(), Request{TableName: "t", Columns: []string{"a"}}); !errors.Is(err, ErrTranslation) {
		t.Fatalf("error = %v, want ErrTranslation for empty question", err)
	}
	if _, err := NewOpenAITranslator(OpenAIConfig{BaseURL: "http://x"}); err == nil {
		t.Fatal("expected missing api key error")
	}
}

func TestOpenAITranslatorRejectsTruncatedCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"SELECT Name FROM"},"finish_reason":"length"}]}`))
	}))
	defer server.Close()

	translator, err := NewOpenAITranslator(OpenAIConfig{BaseURL: server.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewOpenAITranslator() error = %v", err)
	}
	_, err = translator.Translate(context.Background(), studentsRequest)
	var translationErr *TranslationError
	if !errors.As(err, &translationErr) || translationErr.Retryable || translationErr.Provider != openAIProvider {
		t.Fatalf("error = %v, want non-retryable translation error", err)
	}
}

func TestNewProviderDefaults(t *testing.T) {
	p, err := newProvider("x", ProviderConfig{APIKey: " k ", BaseURL: "http://llm.local/"}, "http://default", "model-a")
	if err != nil {
		t.Fatalf("newProvider() error = %v", err)
	}
	if p.baseURL != "http://llm.local" || p.model != "model-a" || p.apiKey != "k" || p.client.Timeout != defaultRequestTimeout {
		t.Fatalf("provider = %+v", p)
	}
	p, err = newProvider("x", ProviderConfig{APIKey: "k"}, "http://default", "model-a")
	if err != nil || p.baseURL != "http://default" {
		t.Fatalf("default base URL = %q, %v", p.baseURL, err)
	}
}
