package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/ingest"
	"github.com/tabletalk/tabletalk/internal/pipeline"
	"github.com/tabletalk/tabletalk/internal/table"
)

const parquetContentType = "application/vnd.apache.parquet"

type tableResponse struct {
	SessionID string   `json:"session_id"`
	TableName string   `json:"table_name"`
	Columns   []string `json:"columns"`
	Rows      [][]any  `json:"rows"`
	RowCount  int      `json:"row_count"`
}

func handleUpload(deps Dependencies, cfg config.Config, w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}

	maxBytes := cfg.HTTP.MaxUploadBytes
	if maxBytes <= 0 {
		maxBytes = 32 << 20
	}
	if r.ContentLength > maxBytes {
		writeServiceError(w, r, &http.MaxBytesError{Limit: maxBytes})
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeServiceError(w, r, err)
			return
		}
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_MULTIPART", "invalid multipart upload", false, map[string]any{"details": err.Error()})
		return
	}

	upload := ingest.Upload{}
	file, header, err := r.FormFile("file")
	switch {
	case err == nil:
		defer func() { _ = file.Close() }()
		upload = ingest.Upload{Filename: header.Filename, Body: file}
	case errors.Is(err, http.ErrMissingFile), errors.Is(err, http.ErrNotMultipart):
	default:
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_MULTIPART", "invalid multipart upload", false, map[string]any{"details": err.Error()})
		return
	}

	tbl, err := deps.Sessions.Upload(r.Context(), sessionID, upload, r.FormValue("table_name"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse(sessionID, tbl, cfg.Query.PreviewRows))
}

func handleTable(deps Dependencies, cfg config.Config, w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}
	limit := cfg.Query.PreviewRows
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer", false, map[string]any{"limit": raw})
			return
		}
		limit = parsed
	}

	tbl, err := deps.Sessions.Table(r.Context(), sessionID, 0)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, previewResponse(sessionID, tbl, limit))
}

func handleConvert(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}
	artifact, err := deps.Sessions.Convert(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("X-Row-Count", strconv.Itoa(artifact.RowCount))
	writeAttachment(w, pipeline.DownloadFor(filepath.Ext(artifact.Path), artifact.Data))
}

func handleDownload(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}
	download, err := deps.Sessions.Download(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeAttachment(w, download)
}

func handleExportParquet(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := deps.Sessions.ExportParquet(r.Context(), sessionID, &buf); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeAttachment(w, pipeline.Download{Filename: "data.parquet", ContentType: parquetContentType, Data: buf.Bytes()})
}

func writeAttachment(w http.ResponseWriter, download pipeline.Download) {
	w.Header().Set("Content-Type", download.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", download.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(download.Data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(download.Data)
}

func previewResponse(sessionID string, tbl *table.Table, limit int) tableResponse {
	preview := tbl.Preview(limit)
	return tableResponse{
		SessionID: sessionID,
		TableName: tbl.Name,
		Columns:   preview.Columns,
		Rows:      preview.Rows,
		RowCount:  len(tbl.Rows),
	}
}
