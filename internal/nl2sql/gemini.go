package nl2sql

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const geminiProvider = "gemini"

// GeminiTranslator calls the generateContent endpoint of the Generative Language API.
type GeminiTranslator struct {
	provider
}

func NewGeminiTranslator(cfg GeminiConfig) (*GeminiTranslator, error) {
	p, err := newProvider(geminiProvider, cfg, "https://generativelanguage.googleapis.com", "gemini-pro")
	if err != nil {
		return nil, err
	}
	return &GeminiTranslator{provider: p}, nil
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

func (t *GeminiTranslator) Translate(ctx context.Context, req Request) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	payload := map[string]any{
		"systemInstruction": geminiContent{Parts: []geminiPart{{Text: BuildPrompt(req.TableName, req.Columns)}}},
		"contents": []geminiContent{{
			Role:  "user",
			Parts: []geminiPart{{Text: strings.TrimSpace(req.Question)}},
		}},
		"generationConfig": map[string]any{"temperature": t.temperature},
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", t.baseURL, url.PathEscape(t.model))
	rawRespBody, err := postJSON(ctx, t.client, t.name, endpoint,
		map[string]string{"x-goog-api-key": t.apiKey}, payload)
	if err != nil {
		return Result{}, err
	}

	var parsed struct {
		Candidates []struct {
			Content geminiContent `json:"content"`
		} `json:"candidates"`
		PromptFeedback struct {
			BlockReason string `json:"blockReason"`
		} `json:"promptFeedback"`
	}
	if err := json.Unmarshal(rawRespBody, &parsed); err != nil {
		return Result{}, t.fail("decode generateContent response: %w", err)
	}
	if parsed.PromptFeedback.BlockReason != "" {
		return Result{}, t.fail("prompt blocked: %s", parsed.PromptFeedback.BlockReason)
	}
	if len(parsed.Candidates) == 0 {
		return Result{}, t.fail("empty candidates")
	}

	var text strings.Builder
	for _, part := range parsed.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return t.finish(text.String())
}
