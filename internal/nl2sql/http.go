package nl2sql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const (
	maxErrorBody          = 512
	defaultRequestTimeout = 15 * time.Second
)

// ProviderConfig configures one hosted language model.
type ProviderConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
}

type (
	OpenAIConfig = ProviderConfig
	GeminiConfig = ProviderConfig
)

// provider carries what every HTTP translator needs.
type provider struct {
	name        string
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	client      *http.Client
}

func newProvider(name string, cfg ProviderConfig, defaultBaseURL, defaultModel string) (provider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return provider{}, fmt.Errorf("%s: api key is required", name)
	}
	p := provider{
		name:        name,
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      apiKey,
		model:       strings.TrimSpace(cfg.Model),
		temperature: cfg.Temperature,
		client:      &http.Client{Timeout: cfg.Timeout},
	}
	if p.baseURL == "" {
		p.baseURL = defaultBaseURL
	}
	if p.model == "" {
		p.model = defaultModel
	}
	if p.client.Timeout <= 0 {
		p.client.Timeout = defaultRequestTimeout
	}
	return p, nil
}

func (p provider) fail(format string, args ...any) error {
	return &TranslationError{Provider: p.name, Err: fmt.Errorf(format, args...)}
}

// finish turns the model's text into a Result.
func (p provider) finish(text string) (Result, error) {
	sql := StripFences(text)
	if sql == "" {
		return Result{}, p.fail("model returned empty SQL")
	}
	return Result{SQL: sql, Provider: p.name, Model: p.model}, nil
}

// postJSON sends payload and returns the raw response body. Failures are
// classified into *TranslationError so retry layers can decide what to do.
func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &TranslationError{Provider: provider, Err: fmt.Errorf("marshal request: %w", err)}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &TranslationError{Provider: provider, Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		httpReq.Header.Set(key, value)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, &TranslationError{
			Provider:  provider,
			Retryable: true,
			Timeout:   isTimeout(err),
			Err:       fmt.Errorf("send request: %w", err),
		}
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TranslationError{Provider: provider, Retryable: true, Timeout: isTimeout(err), Err: fmt.Errorf("read response body: %w", err)}
	}
	if resp.StatusCode >= 400 {
		snippet := rawRespBody
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, &TranslationError{
			Provider:   provider,
			StatusCode: resp.StatusCode,
			Retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
			Err:        fmt.Errorf("body=%s", string(snippet)),
		}
	}
	return rawRespBody, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
