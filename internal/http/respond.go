package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/mistakeknot/canvass/internal/core"
)

const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, core.APIError{Code: code})
}

// writeStoreError maps a domain error onto its status and wire body.
func (s *Service) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	body := core.NewAPIError(err)
	status := http.StatusInternalServerError
	switch body.Code {
	case core.CodeValidation:
		status = http.StatusBadRequest
	case core.CodeNotFound:
		status = http.StatusNotFound
	case core.CodeActiveSessionExists, core.CodeDuplicateLocation, core.CodeInvalidTransition:
		status = http.StatusConflict
	case core.CodeComputationRead:
		status = http.StatusServiceUnavailable
		s.logger.WarnContext(r.Context(), "analytics read failed", "path", r.URL.Path, "err", err)
	default:
		s.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, body)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, core.CodeInvalidRequest)
			return false
		}
		writeJSON(w, http.StatusBadRequest, core.APIError{Code: core.CodeInvalidRequest, Message: err.Error()})
		return false
	}
	return true
}
