package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/set-night/studiochat/internal/chat"
	"github.com/set-night/studiochat/internal/middleware"
)

func (h *Handler) view(r *http.Request) (*chat.View, error) {
	return h.chat.View(middleware.GetOwner(r.Context()), chi.URLParam(r, "viewID"))
}

func (h *Handler) openView(w http.ResponseWriter, r *http.Request) {
	v, err := h.chat.Open(r.Context(), middleware.GetOwner(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v.State())
}

func (h *Handler) viewState(w http.ResponseWriter, r *http.Request) {
	v, err := h.view(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v.State())
}

func (h *Handler) closeView(w http.ResponseWriter, r *http.Request) {
	if err := h.chat.CloseView(middleware.GetOwner(r.Context()), chi.URLParam(r, "viewID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) viewEvents(w http.ResponseWriter, r *http.Request) {
	v, err := h.view(r)
	if err != nil {
		writeError(w, err)
		return
	}
	v.Events().HandleSSE(w, r)
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	v, err := h.view(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req chat.SendRequest
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if err := v.Send(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v.State())
}

func (h *Handler) trackCampaign(w http.ResponseWriter, r *http.Request) {
	v, err := h.view(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		CampaignID string `json:"campaignId"`
	}
	if err := decodeBody(r, &req); err != nil || strings.TrimSpace(req.CampaignID) == "" {
		badRequest(w, "campaignId is required")
		return
	}
	if err := v.TrackCampaign(strings.TrimSpace(req.CampaignID)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, v.State())
}
