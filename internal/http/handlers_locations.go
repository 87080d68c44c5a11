package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mistakeknot/canvass/internal/auth"
	"github.com/mistakeknot/canvass/internal/core"
)

func (s *Service) handleListLocations(w http.ResponseWriter, r *http.Request) {
	locations, err := s.store.ListLocationsByCampaign(r.Context(), CampaignParam(r))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if locations == nil {
		locations = []core.Location{}
	}
	writeJSON(w, http.StatusOK, locations)
}

func (s *Service) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	loc, err := s.store.GetLocation(r.Context(), chi.URLParam(r, "locationID"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if info, _ := auth.FromContext(r.Context()); !info.Allows(loc.CampaignID) {
		writeError(w, http.StatusForbidden, core.CodeForbidden)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (s *Service) handleCreateLocation(w http.ResponseWriter, r *http.Request) {
	var loc core.Location
	if !decodeBody(w, r, &loc) {
		return
	}
	if err := bindCampaign(&loc.CampaignID, CampaignParam(r)); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	created, err := s.createLocation(r.Context(), loc)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Service) createLocation(ctx context.Context, loc core.Location) (core.Location, error) {
	created, err := s.store.CreateLocation(ctx, loc)
	if err != nil {
		return core.Location{}, err
	}
	s.pub.Publish(core.Event{Type: core.EventLocationCreated, CampaignID: created.CampaignID, LocationID: created.ID, Data: created})
	return created, nil
}

// bindCampaign fills an empty body campaign from the path and rejects a
// body that names a different one.
func bindCampaign(field *string, pathCampaign string) error {
	body := strings.TrimSpace(*field)
	if body == "" {
		*field = pathCampaign
		return nil
	}
	if body != pathCampaign {
		return &core.ValidationError{Field: "campaign_id", Reason: "does not match path"}
	}
	return nil
}
