package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/gebo/internal/apikeys"
	"github.com/starford/gebo/internal/pool"
)

// NewRouter creates a chi router with all /v1 routes mounted behind API-key
// auth. A nil key store disables auth. eventsHandler, if non-nil, is mounted
// at GET /events inside the auth group.
func NewRouter(svc *pool.Service, keys *apikeys.Store, eventsHandler http.Handler) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(APIKeyMiddleware(keys))

	// Member registry.
	r.Post("/sites", h.RegisterSite)
	r.Get("/sites", h.ListSites)
	r.Delete("/sites/{id}", h.DeleteSite)
	r.Post("/sites/verify", h.VerifySite)

	// Pool operations.
	r.Post("/pool/contribute", h.Contribute)
	r.Post("/pool/request", h.SubmitRequest)
	r.Delete("/pool/request/{id}", h.WithdrawRequest)
	r.Get("/pool/status", h.PoolStatus)
	r.Get("/pool/ledger", h.Ledger)
	r.Post("/pool/confirm", h.Confirm)

	// Placement lifecycle.
	r.Post("/placements/{id}/verify", h.VerifyPlacement)
	r.Get("/placements/pending", h.PendingPlacements)

	// Event stream for automation clients.
	if eventsHandler != nil {
		r.Get("/events", eventsHandler.ServeHTTP)
	}

	return r
}
