package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/set-night/studiochat/internal/middleware"
)

const (
	sessionsPerPage    = 20
	maxSessionsPerPage = 100
)

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", sessionsPerPage)
	if limit <= 0 || limit > maxSessionsPerPage {
		limit = sessionsPerPage
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	sessions, err := h.chat.ListSessions(r.Context(), middleware.GetOwner(r.Context()), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}

	type item struct {
		ID        int64  `json:"id"`
		Title     string `json:"title"`
		IsActive  bool   `json:"isActive"`
		CreatedAt string `json:"createdAt"`
		UpdatedAt string `json:"updatedAt"`
	}
	items := make([]item, len(sessions))
	for i, s := range sessions {
		items[i] = item{
			ID:        s.ID,
			Title:     s.Title,
			IsActive:  s.IsActive,
			CreatedAt: s.CreatedAt.Format(time.RFC3339),
			UpdatedAt: s.UpdatedAt.Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": items, "limit": limit, "offset": offset})
}

func (h *Handler) resetSession(w http.ResponseWriter, r *http.Request) {
	v, err := h.view(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := v.Reset(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v.State())
}

func (h *Handler) switchSession(w http.ResponseWriter, r *http.Request) {
	v, err := h.view(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		SessionID int64 `json:"sessionId"`
	}
	if err := decodeBody(r, &req); err != nil || req.SessionID <= 0 {
		badRequest(w, "sessionId is required")
		return
	}
	if err := v.Switch(r.Context(), req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v.State())
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	v, err := h.view(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sessionID, err := strconv.ParseInt(chi.URLParam(r, "sessionID"), 10, 64)
	if err != nil || sessionID <= 0 {
		badRequest(w, "invalid session id")
		return
	}
	if err := v.DeleteSession(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v.State())
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
