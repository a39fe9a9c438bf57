package nl2sql

import (
	"context"
	"encoding/json"
	"strings"
)

const openAIProvider = "openai-compatible"

// OpenAITranslator talks to any server implementing the chat completions API.
type OpenAITranslator struct {
	provider
}

func NewOpenAITranslator(cfg OpenAIConfig) (*OpenAITranslator, error) {
	p, err := newProvider(openAIProvider, cfg, "https://api.openai.com", "gpt-4o-mini")
	if err != nil {
		return nil, err
	}
	return &OpenAITranslator{provider: p}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

func (t *OpenAITranslator) Translate(ctx context.Context, req Request) (Result, error) {
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}
	body, err := postJSON(ctx, t.client, t.name, t.baseURL+"/v1/chat/completions",
		map[string]string{"Authorization": "Bearer " + t.apiKey},
		chatRequest{
			Model: t.model,
			Messages: []chatMessage{
				{Role: "system", Content: BuildPrompt(req.TableName, req.Columns)},
				{Role: "user", Content: strings.TrimSpace(req.Question)},
			},
			Temperature: t.temperature,
		})
	if err != nil {
		return Result{}, err
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Result{}, t.fail("decode chat completion: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return Result{}, t.fail("chat completion has no choices")
	}
	choice := parsed.Choices[0]
	if choice.FinishReason == "length" {
		return Result{}, t.fail("completion was cut off at the token limit")
	}
	return t.finish(choice.Message.Content)
}
