package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/paygate/internal/security"
)

// RouteOptions carries the per-route middleware applied by Mount.
type RouteOptions struct {
	// WebhookMaxBody bounds webhook payloads in bytes.
	WebhookMaxBody int64
	// CreateLimit, when set, rate limits payment creation.
	CreateLimit func(http.Handler) http.Handler
}

// Mount registers the payment routes on r, which is expected to be the
// /api/v1 sub-router.
func (h *Handler) Mount(r chi.Router, opts RouteOptions) {
	r.Route("/payments", func(r chi.Router) {
		r.Get("/providers", h.Providers)
		r.Group(func(r chi.Router) {
			if opts.CreateLimit != nil {
				r.Use(opts.CreateLimit)
			}
			r.Post("/{provider}", h.Create)
		})
		r.Post("/{provider}/{externalId}/confirm", h.Confirm)
		r.Get("/{provider}/{externalId}", h.Status)
		r.Get("/{provider}/{externalId}/record", h.Record)
	})
	r.With(security.BodyLimit{Max: opts.WebhookMaxBody}.Middleware).
		Post("/webhooks/payment/{provider}", h.Webhook)
}
