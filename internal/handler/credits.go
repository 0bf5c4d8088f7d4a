package handler

import (
	"crypto/subtle"
	"net/http"

	"github.com/set-night/studiochat/internal/domain"
	"github.com/set-night/studiochat/internal/middleware"
	"github.com/shopspring/decimal"
)

// AdminTokenHeader authorizes credit top-ups.
const AdminTokenHeader = "X-Admin-Token"

func (h *Handler) balance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.credits.Balance(r.Context(), middleware.GetOwner(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.StringFixed(2)})
}

func (h *Handler) topUp(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get(AdminTokenHeader)
	if h.cfg.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AdminToken)) != 1 {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
		return
	}

	var req struct {
		Amount      string `json:"amount"`
		Description string `json:"description"`
	}
	if err := decodeBody(r, &req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		writeError(w, domain.ErrInvalidAmount)
		return
	}
	if req.Description == "" {
		req.Description = "top-up"
	}

	balance, err := h.credits.Credit(r.Context(), middleware.GetOwner(r.Context()), amount, req.Description)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"balance": balance.StringFixed(2)})
}
