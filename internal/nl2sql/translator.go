package nl2sql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrTranslation = errors.New("translation failed")

type Request struct {
	Question  string   `json:"question"`
	TableName string   `json:"table_name"`
	Columns   []string `json:"columns"`
}

type Result struct {
	SQL      string `json:"sql"`
	Provider string `json:"provider"`
	Model    string `json:"model"`
	Attempts int    `json:"attempts,omitempty"`
}

type Translator interface {
	Translate(ctx context.Context, req Request) (Result, error)
}

// TranslationError is a failed call to a language model provider.
type TranslationError struct {
	Provider   string
	StatusCode int
	Retryable  bool
	Timeout    bool
	Err        error
}

func (e *TranslationError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("translate via %s: status=%d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("translate via %s: %v", e.Provider, e.Err)
}

func (e *TranslationError) Unwrap() error {
	return e.Err
}

func (e *TranslationError) Is(target error) bool {
	return target == ErrTranslation
}

// TranslationTimeoutError is returned once every attempt ran out of time.
type TranslationTimeoutError struct {
	Attempts int
	Timeout  time.Duration
	Err      error
}

func (e *TranslationTimeoutError) Error() string {
	return fmt.Sprintf("translation timed out after %d attempt(s) (per-attempt timeout %s): %v", e.Attempts, e.Timeout, e.Err)
}

func (e *TranslationTimeoutError) Unwrap() error {
	return e.Err
}

func validateRequest(req Request) error {
	if req.TableName == "" {
		return fmt.Errorf("%w: table name is required", ErrTranslation)
	}
	if len(req.Columns) == 0 {
		return fmt.Errorf("%w: columns are required", ErrTranslation)
	}
	if strings.TrimSpace(req.Question) == "" {
		return fmt.Errorf("%w: question is required", ErrTranslation)
	}
	return nil
}

func providerOf(result Result, err error) string {
	if result.Provider != "" {
		return result.Provider
	}
	var translationErr *TranslationError
	if errors.As(err, &translationErr) && translationErr.Provider != "" {
		return translationErr.Provider
	}
	return "unknown"
}
