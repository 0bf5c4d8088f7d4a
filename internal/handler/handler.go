// Package handler exposes conversation views over HTTP and Server-Sent Events.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/set-night/studiochat/internal/chat"
	"github.com/set-night/studiochat/internal/config"
	"github.com/set-night/studiochat/internal/middleware"
	"github.com/shopspring/decimal"
)

// Credits is the owner's credit account.
type Credits interface {
	Balance(ctx context.Context, owner string) (decimal.Decimal, error)
	Credit(ctx context.Context, owner string, amount decimal.Decimal, description string) (decimal.Decimal, error)
}

// Handler holds all dependencies needed by the HTTP handlers.
type Handler struct {
	cfg     *config.Config
	chat    *chat.Service
	credits Credits
	limiter middleware.Counter
	alerts  middleware.PanicReporter
}

// Deps contains all dependencies required to construct a Handler.
type Deps struct {
	Cfg     *config.Config
	Chat    *chat.Service
	Credits Credits
	Limiter middleware.Counter
	Alerts  middleware.PanicReporter
}

// New creates a new Handler from the provided dependencies.
func New(deps Deps) *Handler {
	return &Handler{
		cfg:     deps.Cfg,
		chat:    deps.Chat,
		credits: deps.Credits,
		limiter: deps.Limiter,
		alerts:  deps.Alerts,
	}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.Recover(h.alerts))
	r.Use(middleware.Logging())

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "views": h.chat.ViewCount()})
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.OwnerLoader())
		if h.limiter != nil {
			r.Use(middleware.RateLimit(h.limiter, h.cfg.RateLimitPerMinute))
		}

		r.Post("/views", h.openView)
		r.Route("/views/{viewID}", func(r chi.Router) {
			r.Get("/", h.viewState)
			r.Delete("/", h.closeView)
			r.Get("/events", h.viewEvents)
			r.Post("/messages", h.sendMessage)
			r.Post("/campaigns", h.trackCampaign)
			r.Post("/reset", h.resetSession)
			r.Post("/switch", h.switchSession)
			r.Delete("/sessions/{sessionID}", h.deleteSession)
		})

		r.Get("/sessions", h.listSessions)
		r.Get("/credits", h.balance)
		r.Post("/credits", h.topUp)
	})

	return r
}
