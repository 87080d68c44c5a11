package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mistakeknot/canvass/internal/auth"
	"github.com/mistakeknot/canvass/internal/core"
	"github.com/mistakeknot/canvass/internal/storage"
)

func parseSessionFilter(r *http.Request) (storage.SessionFilter, error) {
	q := r.URL.Query()
	var f storage.SessionFilter
	if raw := q.Get("status"); raw != "" {
		status := core.SessionStatus(raw)
		if !status.Valid() {
			return f, &core.ValidationError{Field: "status", Reason: "must be active or completed"}
		}
		f.Status = &status
	}
	switch order := storage.OrderBy(q.Get("order")); order {
	case "", storage.OrderStartedAt, storage.OrderEndedAt:
		f.OrderBy = order
	default:
		return f, &core.ValidationError{Field: "order", Reason: "must be started_at or ended_at"}
	}
	if raw := q.Get("desc"); raw != "" {
		desc, err := strconv.ParseBool(raw)
		if err != nil {
			return f, &core.ValidationError{Field: "desc", Reason: "must be a boolean"}
		}
		f.Desc = desc
	}
	return f, nil
}

func (s *Service) handleListCampaignSessions(w http.ResponseWriter, r *http.Request) {
	f, err := parseSessionFilter(r)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	sessions, err := s.store.ListSessionsByCampaign(r.Context(), CampaignParam(r), f)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeSessions(w, sessions)
}

// handleListLocationSessions answers for location ids the server has not
// seen yet: a device may still hold the location in its queue while
// sessions there are already being delivered.
func (s *Service) handleListLocationSessions(w http.ResponseWriter, r *http.Request) {
	locationID := chi.URLParam(r, "locationID")
	info, _ := auth.FromContext(r.Context())
	loc, err := s.store.GetLocation(r.Context(), locationID)
	switch {
	case errors.Is(err, core.ErrNotFound):
	case err != nil:
		s.writeStoreError(w, r, err)
		return
	case !info.Allows(loc.CampaignID):
		writeError(w, http.StatusForbidden, core.CodeForbidden)
		return
	}
	f, err := parseSessionFilter(r)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	sessions, err := s.store.ListSessionsByLocation(r.Context(), locationID, f)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	visible := sessions[:0]
	for _, sess := range sessions {
		if info.Allows(sess.CampaignID) {
			visible = append(visible, sess)
		}
	}
	writeSessions(w, visible)
}

func writeSessions(w http.ResponseWriter, sessions []core.CheckinSession) {
	if sessions == nil {
		sessions = []core.CheckinSession{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Service) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var sess core.CheckinSession
	if !decodeBody(w, r, &sess) {
		return
	}
	if err := bindCampaign(&sess.CampaignID, CampaignParam(r)); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	created, err := s.createSession(r.Context(), sess)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// createSession stores a session. The store's active-session index decides
// conflicts. The location is not looked up: offline deliveries run in
// parallel and a session may arrive before the location it references.
// A redelivery only emits an event when it completes the stored row.
func (s *Service) createSession(ctx context.Context, sess core.CheckinSession) (core.CheckinSession, error) {
	prior, perr := s.store.GetSession(ctx, sess.ID)
	seen := perr == nil
	created, err := s.store.CreateSession(ctx, sess)
	if err != nil {
		if core.IsConflict(err) && s.metrics != nil {
			s.metrics.SessionConflicts.Inc()
		}
		return core.CheckinSession{}, err
	}
	completed := created.Status == core.SessionCompleted
	switch {
	case !seen:
		if s.metrics != nil {
			s.metrics.SessionsStarted.Inc()
		}
	case prior.Status == core.SessionActive && completed:
	default:
		return created, nil
	}
	event := core.EventSessionStarted
	if completed {
		event = core.EventSessionCompleted
		if s.metrics != nil {
			s.metrics.SessionsCompleted.Inc()
		}
	}
	s.pub.Publish(core.Event{Type: event, CampaignID: created.CampaignID, LocationID: created.LocationID, SessionID: created.ID, Data: created})
	return created, nil
}

func (s *Service) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Service) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	current, ok := s.loadSession(w, r)
	if !ok {
		return
	}
	var u core.SessionUpdate
	if !decodeBody(w, r, &u) {
		return
	}
	updated, err := s.store.UpdateSession(r.Context(), current.ID, u)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if current.Status == core.SessionActive && updated.Status == core.SessionCompleted {
		if s.metrics != nil {
			s.metrics.SessionsCompleted.Inc()
		}
		s.pub.Publish(core.Event{Type: core.EventSessionCompleted, CampaignID: updated.CampaignID, LocationID: updated.LocationID, SessionID: updated.ID, Data: updated})
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Service) loadSession(w http.ResponseWriter, r *http.Request) (core.CheckinSession, bool) {
	sess, err := s.store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		s.writeStoreError(w, r, err)
		return core.CheckinSession{}, false
	}
	if info, _ := auth.FromContext(r.Context()); !info.Allows(sess.CampaignID) {
		writeError(w, http.StatusForbidden, core.CodeForbidden)
		return core.CheckinSession{}, false
	}
	return sess, true
}
