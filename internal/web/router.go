package web

import (
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/znz-systems/mailpipe/internal/ratelimit"
	"github.com/znz-systems/mailpipe/internal/web/handlers"
	"github.com/znz-systems/mailpipe/internal/web/middleware"
)

// RouterDeps holds all dependencies needed to build the router.
type RouterDeps struct {
	APIHandler *handlers.APIHandler
	// TokenHash is the bcrypt hash of the trigger bearer token.
	TokenHash []byte
	Limiter   *ratelimit.Limiter
}

// NewRouter wires all routes into a Chi router.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", deps.APIHandler.HandleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.BearerToken(deps.TokenHash))
		r.Use(middleware.RequireUser)
		r.Use(middleware.RateLimit(deps.Limiter))

		r.Post("/credentials", deps.APIHandler.HandlePutCredential)
		r.Post("/devices", deps.APIHandler.HandleRegisterDevice)

		r.Post("/sync", deps.APIHandler.HandleRequestSync)
		r.Delete("/sync/recurring", deps.APIHandler.HandleStopRecurringSync)
		r.Get("/actions/{id}", deps.APIHandler.HandleGetAction)

		r.Post("/outbox", deps.APIHandler.HandleQueueSend)
		r.Post("/outbox/{id}/cancel", deps.APIHandler.HandleCancelSend)

		r.Post("/messages/{id}/snooze", deps.APIHandler.HandleSnooze)
		r.Post("/messages/{id}/unsnooze", deps.APIHandler.HandleUnsnooze)

		r.Get("/inbox/priority", deps.APIHandler.HandlePriorityInbox)
	})

	return r
}
