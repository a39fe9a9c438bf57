package nl2sql

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/tabletalk/tabletalk/internal/observability"
)

// RetryingTranslator retries transient provider failures with exponential
// backoff. Each attempt gets its own deadline.
type RetryingTranslator struct {
	Next           Translator
	Attempts       int
	BaseBackoff    time.Duration
	AttemptTimeout time.Duration
	Logger         *slog.Logger
}

func NewRetryingTranslator(next Translator, attempts int, baseBackoff, attemptTimeout time.Duration, logger *slog.Logger) *RetryingTranslator {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &RetryingTranslator{
		Next:           next,
		Attempts:       attempts,
		BaseBackoff:    baseBackoff,
		AttemptTimeout: attemptTimeout,
		Logger:         logger,
	}
}

func (r *RetryingTranslator) Translate(ctx context.Context, req Request) (result Result, err error) {
	defer func() { observability.ObserveTranslate(providerOf(result, err), err) }()

	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	base := r.BaseBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(base))

	count := 0
	timedOut := false
	var lastErr error
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		count++
		observability.IncrementTranslateAttempts()

		attemptCtx := ctx
		cancel := func() {}
		if r.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, r.AttemptTimeout)
		}
		defer cancel()

		translated, err := r.Next.Translate(attemptCtx, req)
		if err == nil {
			result = translated
			return nil
		}
		lastErr = err

		var translationErr *TranslationError
		isTranslationErr := errors.As(err, &translationErr)
		timedOut = errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || (isTranslationErr && translationErr.Timeout)
		if ctx.Err() != nil {
			return err
		}
		if timedOut || (isTranslationErr && translationErr.Retryable) {
			r.Logger.WarnContext(ctx, "translation attempt failed", "attempt", count, "max_attempts", attempts, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		result.Attempts = count
		return result, nil
	}
	if timedOut || errors.Is(err, context.DeadlineExceeded) {
		return Result{}, &TranslationTimeoutError{Attempts: count, Timeout: r.AttemptTimeout, Err: err}
	}
	if errors.Is(err, ErrTranslation) {
		return Result{}, err
	}
	// Cancellation during backoff surfaces from retry.Do unwrapped.
	return Result{}, &TranslationError{Provider: providerOf(Result{}, lastErr), Err: err}
}
