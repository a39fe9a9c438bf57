// Package pipeline wires ingestion, persistence, translation, execution and
// the history ledger into the per-session operations the API exposes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tabletalk/tabletalk/internal/export"
	"github.com/tabletalk/tabletalk/internal/ingest"
	"github.com/tabletalk/tabletalk/internal/ledger"
	"github.com/tabletalk/tabletalk/internal/nl2sql"
	"github.com/tabletalk/tabletalk/internal/observability"
	"github.com/tabletalk/tabletalk/internal/query"
	"github.com/tabletalk/tabletalk/internal/session"
	"github.com/tabletalk/tabletalk/internal/storage"
	"github.com/tabletalk/tabletalk/internal/store"
	"github.com/tabletalk/tabletalk/internal/table"
)

var (
	ErrNoTable             = errors.New("no table uploaded")
	ErrNotConverted        = errors.New("table has not been converted")
	ErrEmptyQuestion       = errors.New("question is required")
	ErrTranslationDisabled = fmt.Errorf("%w: translation is disabled", nl2sql.ErrTranslation)
)

// Publisher copies converted store files somewhere outside the data directory.
type Publisher interface {
	Publish(ctx context.Context, sessionID, tableName, ext string, data []byte) (storage.ObjectInfo, error)
	Discard(ctx context.Context, sessionID string) error
}

type Service struct {
	Sessions   *session.Manager
	Ledger     ledger.Ledger
	Store      *store.Store
	Executor   query.Engine
	Translator nl2sql.Translator
	// Publisher is optional.
	Publisher Publisher
	Logger    *slog.Logger
	Now       func() time.Time
}

// Answer is the outcome of one question.
type Answer struct {
	Question string   `json:"question"`
	SQL      string   `json:"sql"`
	Provider string   `json:"provider,omitempty"`
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	// Lines renders each row as "{n}. v1 v2 ...".
	Lines []string `json:"lines"`
}

type Download struct {
	Filename    string
	ContentType string
	Data        []byte
}

func (s *Service) CreateSession(ctx context.Context) session.Session {
	created := s.Sessions.Create()
	s.logger().InfoContext(ctx, "session created", slog.String("session_id", created.ID))
	return created
}

// DeleteSession drops the session together with its history, store files and
// published artifacts. Cleanup failures are logged.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.Sessions.Delete(sessionID); err != nil {
		return err
	}
	s.cleanup(ctx, sessionID)
	s.logger().InfoContext(ctx, "session deleted", slog.String("session_id", sessionID))
	return nil
}

// ExpireSession deletes the session only if it has not been active since
// cutoff. It reports false when a request touched the session in the meantime
// or the session is already gone.
func (s *Service) ExpireSession(ctx context.Context, sessionID string, cutoff time.Time) (bool, error) {
	expired, err := s.Sessions.DeleteIfIdle(sessionID, cutoff)
	if errors.Is(err, session.ErrNotFound) {
		return false, nil
	}
	if err != nil || !expired {
		return false, err
	}
	s.cleanup(ctx, sessionID)
	s.logger().InfoContext(ctx, "session expired", slog.String("session_id", sessionID))
	return true, nil
}

func (s *Service) cleanup(ctx context.Context, sessionID string) {
	if err := s.Ledger.Clear(ctx, sessionID); err != nil {
		s.logger().ErrorContext(ctx, "clear history failed", slog.String("session_id", sessionID), slog.Any("error", err))
	}
	if s.Publisher != nil {
		if err := s.Publisher.Discard(ctx, sessionID); err != nil {
			s.logger().WarnContext(ctx, "discard artifacts failed", slog.String("session_id", sessionID), slog.Any("error", err))
		}
	}
	if err := os.RemoveAll(s.Store.Within(sessionID).Dir); err != nil {
		s.logger().WarnContext(ctx, "remove workspace failed", slog.String("session_id", sessionID), slog.Any("error", err))
	}
}

// Upload ingests a file as the session's current table. A failed upload leaves
// the session as it was. An empty tableName falls back to the file name stem.
func (s *Service) Upload(ctx context.Context, sessionID string, upload ingest.Upload, tableName string) (*table.Table, error) {
	if _, err := s.Sessions.Get(sessionID); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(tableName)
	if upload.Body != nil && strings.TrimSpace(upload.Filename) != "" {
		if _, err := ingest.DetectFormat(upload.Filename); err != nil {
			s.rejectUpload(ctx, sessionID, upload, err)
			return nil, err
		}
		if name == "" {
			name = store.NameFromFile(upload.Filename)
		} else if err := store.ValidateName(name); err != nil {
			return nil, &store.StorageError{Op: "validate", Name: name, Err: err}
		}
	}

	tbl, err := ingest.Ingest(upload, name)
	if err != nil {
		s.rejectUpload(ctx, sessionID, upload, err)
		return nil, err
	}

	if _, err := s.Sessions.Update(sessionID, func(draft *session.Session) error {
		draft.Table = tbl
		draft.TableName = name
		draft.StoredColumns = nil
		draft.Converted = false
		return nil
	}); err != nil {
		return nil, err
	}

	s.logger().InfoContext(ctx, "table uploaded",
		slog.String("session_id", sessionID),
		slog.String("table", name),
		slog.Int("columns", len(tbl.Columns)),
		slog.Int("rows", len(tbl.Rows)),
	)
	return tbl, nil
}

// Convert persists the session table into its store file and returns the
// committed bytes. Publishing to the object store is best effort.
func (s *Service) Convert(ctx context.Context, sessionID string) (store.Artifact, error) {
	current, err := s.Sessions.Get(sessionID)
	if err != nil {
		return store.Artifact{}, err
	}
	if current.Table == nil {
		return store.Artifact{}, ErrNoTable
	}

	artifact, err := s.Store.Within(sessionID).Persist(ctx, current.Table, current.TableName)
	if err != nil {
		s.logger().ErrorContext(ctx, "convert failed",
			slog.String("session_id", sessionID),
			slog.String("table", current.TableName),
			slog.Any("error", err),
		)
		return store.Artifact{}, err
	}

	if _, err := s.Sessions.Update(sessionID, func(draft *session.Session) error {
		if draft.Table != current.Table {
			return fmt.Errorf("table %q was replaced during conversion", current.TableName)
		}
		draft.StoredColumns = artifact.Columns
		draft.Converted = true
		return nil
	}); err != nil {
		return store.Artifact{}, err
	}

	if s.Publisher != nil {
		info, err := s.Publisher.Publish(ctx, sessionID, artifact.Name, filepath.Ext(artifact.Path), artifact.Data)
		if err != nil {
			s.logger().WarnContext(ctx, "publish artifact failed", slog.String("session_id", sessionID), slog.Any("error", err))
		} else {
			s.logger().DebugContext(ctx, "artifact published", slog.String("key", info.Key), slog.Int64("size", info.Size))
		}
	}

	s.logger().InfoContext(ctx, "table converted",
		slog.String("session_id", sessionID),
		slog.String("table", artifact.Name),
		slog.Int("rows", artifact.RowCount),
		slog.Int("bytes", len(artifact.Data)),
	)
	return artifact, nil
}

// Translate turns question into a statement without running it.
func (s *Service) Translate(ctx context.Context, sessionID, question string) (nl2sql.Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nl2sql.Result{}, ErrEmptyQuestion
	}
	current, err := s.Sessions.Get(sessionID)
	if err != nil {
		return nl2sql.Result{}, err
	}
	if current.Table == nil {
		return nl2sql.Result{}, ErrNoTable
	}
	columns := current.StoredColumns
	if !current.Converted {
		columns, err = store.SanitizeColumns(current.Table.Columns)
		if err != nil {
			return nl2sql.Result{}, &store.StorageError{Op: "validate", Name: current.TableName, Err: err}
		}
	}
	return s.translate(ctx, question, current.TableName, columns)
}

// Ask answers question against the converted table and records the exchange.
// Translation and execution failures are recorded as system entries and
// returned; earlier entries and the stored table stay intact.
func (s *Service) Ask(ctx context.Context, sessionID, question string) (Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Answer{}, ErrEmptyQuestion
	}
	current, err := s.Sessions.Get(sessionID)
	if err != nil {
		return Answer{}, err
	}
	if current.Table == nil {
		return Answer{}, ErrNoTable
	}
	if !current.Converted {
		return Answer{}, ErrNotConverted
	}

	if err := s.Ledger.Append(ctx, sessionID, ledger.Entry{Role: ledger.RoleUser, Content: question, Timestamp: s.now()}); err != nil {
		return Answer{}, fmt.Errorf("record question: %w", err)
	}

	translated, err := s.translate(ctx, question, current.TableName, current.StoredColumns)
	if err != nil {
		s.recordFailure(ctx, sessionID, err)
		return Answer{Question: question}, err
	}

	result, err := s.Executor.Execute(ctx, query.Request{
		SQL:       translated.SQL,
		StoreName: current.TableName,
		Workspace: sessionID,
	})
	if err != nil {
		s.recordFailure(ctx, sessionID, err)
		return Answer{Question: question, SQL: translated.SQL, Provider: translated.Provider}, err
	}

	answer := Answer{
		Question: question,
		SQL:      result.SQL,
		Provider: translated.Provider,
		Columns:  result.Columns,
		Rows:     result.Rows,
		Lines:    RenderRows(result.Rows),
	}
	content := strings.Join(answer.Lines, "\n")
	if content == "" {
		content = "no rows"
	}
	if err := s.Ledger.Append(ctx, sessionID, ledger.Entry{Role: ledger.RoleSystem, Content: content, Timestamp: s.now()}); err != nil {
		s.logger().ErrorContext(ctx, "record answer failed", slog.String("session_id", sessionID), slog.Any("error", err))
	}

	s.logger().InfoContext(ctx, "question answered",
		slog.String("session_id", sessionID),
		slog.String("table", current.TableName),
		slog.Int("rows", len(result.Rows)),
		slog.Duration("elapsed", result.Duration),
	)
	return answer, nil
}

func (s *Service) History(ctx context.Context, sessionID string) ([]ledger.Entry, error) {
	if _, err := s.Sessions.Get(sessionID); err != nil {
		return nil, err
	}
	return s.Ledger.List(ctx, sessionID)
}

func (s *Service) ClearHistory(ctx context.Context, sessionID string) error {
	if _, err := s.Sessions.Get(sessionID); err != nil {
		return err
	}
	return s.Ledger.Clear(ctx, sessionID)
}

// Table returns up to limit rows of the session table. limit <= 0 returns all.
func (s *Service) Table(_ context.Context, sessionID string, limit int) (*table.Table, error) {
	current, err := s.Sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if current.Table == nil {
		return nil, ErrNoTable
	}
	return current.Table.Preview(limit), nil
}

// Download returns the current bytes of the session's store file.
func (s *Service) Download(_ context.Context, sessionID string) (Download, error) {
	current, err := s.Sessions.Get(sessionID)
	if err != nil {
		return Download{}, err
	}
	if current.Table == nil {
		return Download{}, ErrNoTable
	}
	if !current.Converted {
		return Download{}, ErrNotConverted
	}
	data, err := s.Store.Within(sessionID).Bytes(current.TableName)
	if err != nil {
		return Download{}, err
	}
	return DownloadFor(s.Store.Dialect.Extension, data), nil
}

// DownloadFor names store bytes the way they are offered to clients.
func DownloadFor(ext string, data []byte) Download {
	return Download{Filename: "data" + ext, ContentType: storage.ContentTypeFor(ext), Data: data}
}

// ExportParquet writes the session table as parquet.
func (s *Service) ExportParquet(_ context.Context, sessionID string, w io.Writer) error {
	current, err := s.Sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if current.Table == nil {
		return ErrNoTable
	}
	return export.WriteParquet(w, current.Table)
}

func (s *Service) translate(ctx context.Context, question, tableName string, columns []string) (nl2sql.Result, error) {
	if s.Translator == nil {
		return nl2sql.Result{}, ErrTranslationDisabled
	}
	result, err := s.Translator.Translate(ctx, nl2sql.Request{Question: question, TableName: tableName, Columns: columns})
	if err != nil {
		return nl2sql.Result{}, err
	}
	s.logger().DebugContext(ctx, "question translated",
		slog.String("table", tableName),
		slog.String("provider", result.Provider),
		slog.String("sql", result.SQL),
	)
	return result, nil
}

func (s *Service) recordFailure(ctx context.Context, sessionID string, cause error) {
	var queryErr *query.Error
	if errors.As(cause, &queryErr) && queryErr.Rejected {
		s.logger().WarnContext(ctx, "question rejected", slog.String("session_id", sessionID), slog.Any("error", cause))
	} else {
		s.logger().InfoContext(ctx, "question failed", slog.String("session_id", sessionID), slog.Any("error", cause))
	}
	entry := ledger.Entry{Role: ledger.RoleSystem, Content: "error: " + cause.Error(), Timestamp: s.now()}
	if err := s.Ledger.Append(ctx, sessionID, entry); err != nil {
		s.logger().ErrorContext(ctx, "record failure failed", slog.String("session_id", sessionID), slog.Any("error", err))
	}
}

func (s *Service) rejectUpload(ctx context.Context, sessionID string, upload ingest.Upload, err error) {
	s.logger().InfoContext(ctx, "upload rejected",
		slog.String("session_id", sessionID),
		slog.String("filename", upload.Filename),
		slog.Any("error", err),
	)
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return observability.NopLogger()
	}
	return s.Logger
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// RenderRows formats result rows as numbered lines of space-separated values.
func RenderRows(rows [][]any) []string {
	lines := make([]string, 0, len(rows))
	for i, row := range rows {
		values := make([]string, len(row))
		for j, value := range row {
			values[j] = renderValue(value)
		}
		lines = append(lines, strconv.Itoa(i+1)+". "+strings.Join(values, " "))
	}
	return lines
}

func renderValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "NULL"
	case string:
		return v
	case []byte:
		return string(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprint(v)
	}
}
