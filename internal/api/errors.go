package api

import (
	"errors"
	"net/http"

	"github.com/tabletalk/tabletalk/internal/ingest"
	"github.com/tabletalk/tabletalk/internal/nl2sql"
	"github.com/tabletalk/tabletalk/internal/pipeline"
	"github.com/tabletalk/tabletalk/internal/query"
	"github.com/tabletalk/tabletalk/internal/session"
	"github.com/tabletalk/tabletalk/internal/store"
)

// writeServiceError maps workflow errors onto the JSON error envelope.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var (
		formatErr    *ingest.FormatError
		timeoutErr   *nl2sql.TranslationTimeoutError
		translateErr *nl2sql.TranslationError
		queryErr     *query.Error
		storageErr   *store.StorageError
		maxBytesErr  *http.MaxBytesError
	)

	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(ctx, w, http.StatusNotFound, "SESSION_NOT_FOUND", "session was not found", false, nil)
	case errors.As(err, &maxBytesErr):
		writeError(ctx, w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "upload exceeds the size limit", false, map[string]any{"limit_bytes": maxBytesErr.Limit})
	case errors.Is(err, ingest.ErrMissingInput):
		writeError(ctx, w, http.StatusBadRequest, "MISSING_INPUT", "a file is required", false, nil)
	case errors.Is(err, pipeline.ErrEmptyQuestion):
		writeError(ctx, w, http.StatusBadRequest, "MISSING_INPUT", "question is required", false, nil)
	case errors.Is(err, ingest.ErrUnsupportedFormat):
		writeError(ctx, w, http.StatusUnsupportedMediaType, "UNSUPPORTED_FORMAT", "file must be .json, .csv, .xlsx or .xls", false, map[string]any{"details": err.Error()})
	case errors.As(err, &formatErr):
		extra := map[string]any{"format": string(formatErr.Format), "details": formatErr.Err.Error()}
		if formatErr.Line > 0 {
			extra["line"] = formatErr.Line
		}
		writeError(ctx, w, http.StatusUnprocessableEntity, "FORMAT_ERROR", "file content could not be parsed", false, extra)
	case errors.Is(err, pipeline.ErrNoTable):
		writeError(ctx, w, http.StatusConflict, "NO_TABLE", "upload a table first", false, nil)
	case errors.Is(err, pipeline.ErrNotConverted):
		writeError(ctx, w, http.StatusConflict, "NOT_CONVERTED", "convert the table before querying it", false, nil)
	case errors.Is(err, pipeline.ErrTranslationDisabled):
		writeError(ctx, w, http.StatusServiceUnavailable, "TRANSLATE_DISABLED", "query translation is disabled", false, nil)
	case errors.As(err, &timeoutErr):
		writeError(ctx, w, http.StatusGatewayTimeout, "TRANSLATE_TIMEOUT", "language model did not answer in time", true, map[string]any{
			"attempts": timeoutErr.Attempts,
			"timeout":  timeoutErr.Timeout.String(),
		})
	case errors.As(err, &translateErr):
		writeError(ctx, w, http.StatusBadGateway, "TRANSLATE_FAILED", "failed to translate question", translateErr.Retryable, map[string]any{"details": err.Error()})
	case errors.Is(err, nl2sql.ErrTranslation):
		writeError(ctx, w, http.StatusBadGateway, "TRANSLATE_FAILED", "failed to translate question", false, map[string]any{"details": err.Error()})
	case errors.As(err, &queryErr):
		code, message := "QUERY_FAILED", "query execution failed"
		if queryErr.Rejected {
			code, message = "QUERY_REJECTED", "only read-only SELECT statements on the uploaded table are allowed"
		}
		writeError(ctx, w, http.StatusBadRequest, code, message, false, map[string]any{"sql": queryErr.SQL, "details": queryErr.Err.Error()})
	case errors.As(err, &storageErr):
		status := http.StatusInternalServerError
		if storageErr.Op == "validate" {
			status = http.StatusBadRequest
		}
		writeError(ctx, w, status, "STORAGE_ERROR", storageErr.Error(), false, map[string]any{"op": storageErr.Op, "name": storageErr.Name})
	default:
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL_ERROR", "request failed", true, map[string]any{"details": err.Error()})
	}
}
