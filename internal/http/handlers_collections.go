package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mistakeknot/canvass/internal/auth"
	"github.com/mistakeknot/canvass/internal/core"
)

// handleInsert accepts writes delivered from a device's offline queue. Each
// collection maps onto the same store operation its direct endpoint uses.
func (s *Service) handleInsert(w http.ResponseWriter, r *http.Request) {
	info, _ := auth.FromContext(r.Context())
	ctx := r.Context()

	switch collection := chi.URLParam(r, "collection"); collection {
	case core.CollectionLocations:
		var loc core.Location
		if !decodeBody(w, r, &loc) {
			return
		}
		if !info.Allows(loc.CampaignID) {
			writeError(w, http.StatusForbidden, core.CodeForbidden)
			return
		}
		created, err := s.createLocation(ctx, loc)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)

	case core.CollectionSessions:
		var sess core.CheckinSession
		if !decodeBody(w, r, &sess) {
			return
		}
		if !info.Allows(sess.CampaignID) {
			writeError(w, http.StatusForbidden, core.CodeForbidden)
			return
		}
		created, err := s.createSession(ctx, sess)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)

	case core.CollectionSpend:
		var rec core.SpendRecord
		if !decodeBody(w, r, &rec) {
			return
		}
		if !info.Allows(rec.CampaignID) {
			writeError(w, http.StatusForbidden, core.CodeForbidden)
			return
		}
		created, err := s.createSpend(ctx, rec)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)

	default:
		writeError(w, http.StatusNotFound, core.CodeUnknownCollection)
	}
}
