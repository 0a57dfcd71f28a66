package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/tablebus/tablebus/telemetry"
)

// Router builds the admin API router
func Router(handlers *Handlers) http.Handler {
	r := chi.NewRouter()

	// Liveness and metrics are unauthenticated
	r.Get("/health", handlers.handleHealth)
	if metricsHandler := telemetry.GetMetricsHandler(); metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	// Item operations
	r.Route("/items", func(r chi.Router) {
		r.Use(AuthMiddleware)
		r.Put("/{pk}/{sk}", handlers.wrapWithKey(handlers.handlePutItem))
		r.Get("/{pk}/{sk}", handlers.wrapWithKey(handlers.handleGetItem))
		r.Delete("/{pk}/{sk}", handlers.wrapWithKey(handlers.handleDeleteItem))
	})

	// Partition query
	r.With(AuthMiddleware).Get("/partitions/{pk}", handlers.partitionQuery)

	// Pipe and stream inspection
	r.Route("/pipes", func(r chi.Router) {
		r.Use(AuthMiddleware)
		r.Get("/", handlers.handlePipes)
	})
	r.Route("/stream", func(r chi.Router) {
		r.Use(AuthMiddleware)
		r.Get("/stats", handlers.handleStreamStats)
		r.Get("/records", handlers.handleStreamRead)
	})

	log.Info().Msg("Admin endpoints enabled")
	return r
}

// wrapWithKey extracts the composite key URL params and calls the handler
func (h *Handlers) wrapWithKey(fn func(http.ResponseWriter, *http.Request, string, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pk := chi.URLParam(r, "pk")
		sk := chi.URLParam(r, "sk")
		if pk == "" || sk == "" {
			writeErrorResponse(w, http.StatusBadRequest, "partition key and sort key are required")
			return
		}
		fn(w, r, pk, sk)
	}
}

func (h *Handlers) partitionQuery(w http.ResponseWriter, r *http.Request) {
	pk := chi.URLParam(r, "pk")
	if pk == "" {
		writeErrorResponse(w, http.StatusBadRequest, "partition key is required")
		return
	}
	h.handleQueryPartition(w, r, pk)
}
