package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the transport-agnostic sync API onto HTTP. Framing and
// auth live outside the core; this surface only translates JSON to service
// calls.
func NewRouter(h *Handlers) *chi.Mux {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/v1", func(r chi.Router) {
		r.Post("/devices", h.RegisterDevice)
		r.Get("/devices/{deviceID}", h.GetDeviceStatus)
		r.Put("/devices/{deviceID}/online", h.SetOnlineStatus)
		r.Post("/devices/{deviceID}/events", h.EnqueueEvent)
		r.Post("/devices/{deviceID}/sync", h.SyncDevice)
		r.Put("/devices/{deviceID}/cache/{contentType}/{contentID}", h.PutCacheEntry)
		r.Get("/devices/{deviceID}/cache/{contentType}/{contentID}", h.GetCacheEntry)
		r.Get("/devices/{deviceID}/models", h.ListCompatibleModels)
		r.Post("/devices/{deviceID}/analytics", h.TrackAnalytics)
		r.Get("/devices/{deviceID}/conflicts", h.ListConflicts)
		r.Post("/conflicts/{conflictID}/resolve", h.ResolveConflict)
		r.Post("/models", h.PublishModel)
		r.Delete("/models/{modelID}", h.DeprecateModel)
	})

	return router
}
