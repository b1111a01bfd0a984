package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires the authenticated API surface. Every route below the auth
// middleware expects a party token minted for a landlord or tenant.
func NewRouter(h *Handlers, jwtSecret []byte) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	r.Group(func(r chi.Router) {
		r.Use(PartyAuth(jwtSecret))

		r.Route("/agreements", func(r chi.Router) {
			r.Post("/", h.createAgreement)
			r.Get("/{id}", h.getAgreement)
			r.Post("/{id}/sign", h.signAgreement)
			r.Post("/{id}/withdraw", h.withdrawAgreement)
			r.Post("/{id}/fee-payment", h.payFee)
			r.Post("/{id}/activate", h.activateAgreement)
		})

		r.Route("/deposits", func(r chi.Router) {
			r.Get("/{id}", h.getDeposit)
			r.Post("/{id}/claims", h.submitClaim)
		})

		r.Route("/claims", func(r chi.Router) {
			r.Post("/{id}/response", h.respondToClaim)
			r.Post("/{id}/dispute-response", h.respondToDispute)
		})
	})

	return r
}
