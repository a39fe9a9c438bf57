package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/ledger"
)

type questionRequest struct {
	Question string `json:"question"`
}

type historyEntry struct {
	ledger.Entry
	Display string `json:"display"`
}

func decodeQuestion(w http.ResponseWriter, r *http.Request) (string, bool) {
	var request questionRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid question request body", false, map[string]any{"details": err.Error()})
		return "", false
	}
	if strings.TrimSpace(request.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "MISSING_INPUT", "question is required", false, nil)
		return "", false
	}
	return request.Question, true
}

func handleTranslate(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}
	question, ok := decodeQuestion(w, r)
	if !ok {
		return
	}
	result, err := deps.Sessions.Translate(r.Context(), sessionID, question)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sql":      result.SQL,
		"provider": result.Provider,
		"model":    result.Model,
	})
}

func handleAsk(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}
	question, ok := decodeQuestion(w, r)
	if !ok {
		return
	}
	answer, err := deps.Sessions.Ask(r.Context(), sessionID, question)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func handleHistory(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}
	entries, err := deps.Sessions.History(r.Context(), sessionID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]historyEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, historyEntry{Entry: entry, Display: entry.Format()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": sessionID, "entries": out})
}

func handleClearHistory(deps Dependencies, _ config.Config, w http.ResponseWriter, r *http.Request) {
	sessionID, ok := sessionFromRequest(w, r)
	if !ok {
		return
	}
	if err := deps.Sessions.ClearHistory(r.Context(), sessionID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
