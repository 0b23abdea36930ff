// Package httptransport composes the HTTP surface: BFF auth, guarded API
// actions, the debug control plane, health, and metrics.
package httptransport

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"anybank/internal/platform/middleware"
	jsonResponse "anybank/internal/transport/http/json"
)

// Registrar is anything that mounts routes on the router.
type Registrar interface {
	Register(r chi.Router)
}

// NewRouter wires all endpoints with the shared middleware stack.
func NewRouter(logger *slog.Logger, handlers ...Registrar) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		jsonResponse.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	for _, h := range handlers {
		h.Register(r)
	}

	return r
}
