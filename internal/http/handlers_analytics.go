package httpapi

import (
	"net/http"
	"strconv"

	"github.com/mistakeknot/canvass/internal/core"
)

func (s *Service) handleAlerts(w http.ResponseWriter, r *http.Request) {
	threshold := 0
	if raw := r.URL.Query().Get("threshold"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeStoreError(w, r, &core.ValidationError{Field: "threshold", Reason: "must be a positive number of days"})
			return
		}
		threshold = n
	}
	alerts, err := s.analyzer.ComputeRecurrenceAlerts(r.Context(), CampaignParam(r), threshold)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Service) handleRanking(w http.ResponseWriter, r *http.Request) {
	ranking, err := s.analyzer.ComputeEffectivenessRanking(r.Context(), CampaignParam(r))
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ranking)
}
