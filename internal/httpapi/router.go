package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/oneclicktag/trackd/internal/batch"
	"github.com/oneclicktag/trackd/internal/tenant"
)

// NewRouter wires the public batch API, the live progress stream and the
// admin surface. Tenant resolution runs on every request; the Require and
// Bypass gates scope it per route group.
func NewRouter(resolver *tenant.Resolver, svc *batch.Service, admin AdminStore, sub Subscriber, log *zap.Logger) http.Handler {
	h := &handlers{svc: svc, admin: admin, sub: sub, log: log}

	rtr := chi.NewRouter()
	rtr.Use(recoverer(log))
	rtr.Use(requestLogger(log))
	rtr.Use(resolver.Middleware)

	rtr.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	rtr.Route("/v1", func(r chi.Router) {
		r.Route("/batches", func(r chi.Router) {
			r.Use(tenant.Require)
			r.Post("/", h.createBatch)
			r.Get("/", h.listBatches)
			r.Get("/{batchID}", h.batchDetail)
			r.Post("/{batchID}/cancel", h.cancelBatch)
			r.Get("/{batchID}/events", h.batchEvents)
		})
		r.Route("/admin", func(r chi.Router) {
			r.Use(tenant.Bypass)
			r.Get("/tenants", h.listTenants)
		})
	})

	return rtr
}
