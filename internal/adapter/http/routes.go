package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Language servers
		r.Get("/servers", h.ListServers)

		// Host documents (notebooks)
		r.Post("/hosts", h.OpenHost)
		r.Get("/hosts/{hostID}", h.GetHost)
		r.Delete("/hosts/{hostID}", h.CloseHost)

		// Cells
		r.Post("/hosts/{hostID}/cells", h.AddCell)
		r.Put("/hosts/{hostID}/cells/{cellID}", h.UpdateCell)
		r.Delete("/hosts/{hostID}/cells/{cellID}", h.RemoveCell)
		r.Post("/hosts/{hostID}/order", h.ReorderCells)

		// Diagnostics
		r.Get("/hosts/{hostID}/diagnostics", h.ListDiagnostics)
		r.Get("/hosts/{hostID}/markers", h.ListMarkers)
	})
}
