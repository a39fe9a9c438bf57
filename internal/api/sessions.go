package api

import (
	"net/http"
	"strings"

	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/observability"
)

func handleCreateSession(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	created := deps.Sessions.CreateSession(r.Context())
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": created.ID,
		"created_at": created.CreatedAt,
	})
}

func handleDeleteSession(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.PathValue("id"))
	if err := deps.Sessions.DeleteSession(r.Context(), sessionID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sessionFromRequest reads the session id header. It writes the error
// response itself and reports false when the header is absent.
func sessionFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	sessionID := strings.TrimSpace(r.Header.Get(observability.SessionHeader))
	if sessionID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SESSION_REQUIRED", observability.SessionHeader+" header is required", false, nil)
		return "", false
	}
	return sessionID, true
}
