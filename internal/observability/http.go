package observability

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	traceHeader   = "X-Trace-ID"
	SessionHeader = "X-Session-ID"

	unmatchedRoute = "unmatched"
)

// TraceMiddleware propagates or mints the request trace id and lifts the
// session header into the context.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := strings.TrimSpace(r.Header.Get(traceHeader))
		if traceID == "" {
			traceID = newTraceID()
		}
		ctx := ContextWithTraceID(r.Context(), traceID)
		if sessionID := strings.TrimSpace(r.Header.Get(SessionHeader)); sessionID != "" {
			ctx = ContextWithSessionID(ctx, sessionID)
		}
		w.Header().Set(traceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AccessMiddleware records request metrics and, when logger is set, one
// http_request line per request. It must wrap the ServeMux directly so the
// matched pattern is visible once the handler returns.
func AccessMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			httpRequestsInFlight.Inc()
			defer httpRequestsInFlight.Dec()

			recorder := &responseRecorder{ResponseWriter: w}
			next.ServeHTTP(recorder, r)

			elapsed := time.Since(start)
			route := RouteLabel(r)
			status := recorder.statusCode()
			statusLabel := strconv.Itoa(status)
			httpRequestsTotal.WithLabelValues(r.Method, route, statusLabel).Inc()
			httpRequestDurationSeconds.WithLabelValues(r.Method, route, statusLabel).Observe(elapsed.Seconds())

			if logger == nil {
				return
			}
			level := slog.LevelInfo
			if status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "http_request",
				slog.String("trace_id", TraceIDFromContext(r.Context())),
				slog.String("session_id", SessionIDFromContext(r.Context())),
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
				slog.Int("status", status),
				slog.Int64("duration_ms", elapsed.Milliseconds()),
				slog.Int("bytes", recorder.bytes),
			)
		})
	}
}

// RouteLabel is the mux pattern that served r without its method, or
// "unmatched" when no route applied.
func RouteLabel(r *http.Request) string {
	pattern := r.Pattern
	if _, rest, ok := strings.Cut(pattern, " "); ok {
		pattern = rest
	}
	if pattern == "" {
		return unmatchedRoute
	}
	return pattern
}

type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *responseRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(body []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(body)
	r.bytes += n
	return n, err
}

func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *responseRecorder) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func newTraceID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return hex.EncodeToString(buf)
}
