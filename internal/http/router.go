package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mistakeknot/canvass/internal/auth"
)

// CampaignParam returns the {campaignID} path parameter of a routed request.
func CampaignParam(r *http.Request) string {
	return chi.URLParam(r, "campaignID")
}

func NewRouter(svc *Service, wsHandler http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if svc.metrics != nil {
		r.Handle("/metrics", svc.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if mw != nil {
			r.Use(mw)
		}
		r.Route("/api/campaigns/{campaignID}", func(r chi.Router) {
			r.Use(auth.CampaignScope(CampaignParam))
			r.Get("/locations", svc.handleListLocations)
			r.Post("/locations", svc.handleCreateLocation)
			r.Get("/sessions", svc.handleListCampaignSessions)
			r.Post("/sessions", svc.handleCreateSession)
			r.Get("/spend", svc.handleListSpend)
			r.Post("/spend", svc.handleCreateSpend)
			r.Get("/alerts", svc.handleAlerts)
			r.Get("/ranking", svc.handleRanking)
		})
		r.Get("/api/locations/{locationID}", svc.handleGetLocation)
		r.Get("/api/locations/{locationID}/sessions", svc.handleListLocationSessions)
		r.Get("/api/sessions/{sessionID}", svc.handleGetSession)
		r.Patch("/api/sessions/{sessionID}", svc.handleUpdateSession)
		r.Post("/api/collections/{collection}", svc.handleInsert)
		if wsHandler != nil {
			r.Handle("/ws/campaigns/{campaignID}", wsHandler)
		}
	})
	return r
}
