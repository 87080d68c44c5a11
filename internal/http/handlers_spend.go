package httpapi

import (
	"context"
	"net/http"

	"github.com/mistakeknot/canvass/internal/core"
)

func (s *Service) handleListSpend(w http.ResponseWriter, r *http.Request) {
	spend, err := s.store.ListApprovedSpend(r.Context(), CampaignParam(r))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if spend == nil {
		spend = []core.CitySpend{}
	}
	writeJSON(w, http.StatusOK, spend)
}

func (s *Service) handleCreateSpend(w http.ResponseWriter, r *http.Request) {
	var rec core.SpendRecord
	if !decodeBody(w, r, &rec) {
		return
	}
	if err := bindCampaign(&rec.CampaignID, CampaignParam(r)); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	created, err := s.createSpend(r.Context(), rec)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Service) createSpend(ctx context.Context, rec core.SpendRecord) (core.SpendRecord, error) {
	created, err := s.store.CreateSpend(ctx, rec)
	if err != nil {
		return core.SpendRecord{}, err
	}
	s.pub.Publish(core.Event{Type: core.EventSpendRecorded, CampaignID: created.CampaignID, Data: created})
	return created, nil
}
