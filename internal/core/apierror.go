package core

import (
	"errors"
	"fmt"
)

// Stable error codes carried in API error bodies.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeValidation          = "validation_failed"
	CodeNotFound            = "not_found"
	CodeActiveSessionExists = "active_session_exists"
	CodeDuplicateLocation   = "duplicate_location"
	CodeInvalidTransition   = "invalid_transition"
	CodeComputationRead     = "computation_read_failed"
	CodeUnknownCollection   = "unknown_collection"
	CodeForbidden           = "forbidden"
	CodeUnauthorized        = "unauthorized"
	CodeInternal            = "internal"
)

// APIError is the JSON body of every non-2xx API response.
type APIError struct {
	Code       string `json:"error"`
	Message    string `json:"message,omitempty"`
	Field      string `json:"field,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
	LocationID string `json:"location_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Name       string `json:"name,omitempty"`
}

// NewAPIError encodes a domain error for the wire.
func NewAPIError(err error) APIError {
	var (
		conflict   *ConflictError
		duplicate  *DuplicateError
		validation *ValidationError
		transition *TransitionError
		readErr    *ComputationReadError
	)
	switch {
	case errors.As(err, &conflict):
		return APIError{Code: CodeActiveSessionExists, Message: conflict.Error(), LocationID: conflict.LocationID, SessionID: conflict.SessionID}
	case errors.As(err, &duplicate):
		return APIError{Code: CodeDuplicateLocation, Message: duplicate.Error(), CampaignID: duplicate.CampaignID, Name: duplicate.Name}
	case errors.As(err, &validation):
		return APIError{Code: CodeValidation, Message: validation.Reason, Field: validation.Field}
	case errors.As(err, &transition):
		return APIError{Code: CodeInvalidTransition, Message: transition.Error(), SessionID: transition.SessionID}
	case errors.Is(err, ErrNotFound):
		return APIError{Code: CodeNotFound}
	case errors.As(err, &readErr):
		return APIError{Code: CodeComputationRead, Message: readErr.Op}
	}
	return APIError{Code: CodeInternal}
}

// Err decodes the wire form back into the matching domain error. Codes
// without a domain counterpart come back as *APIError.
func (e *APIError) Err() error {
	switch e.Code {
	case CodeActiveSessionExists:
		return &ConflictError{LocationID: e.LocationID, SessionID: e.SessionID}
	case CodeDuplicateLocation:
		return &DuplicateError{CampaignID: e.CampaignID, Name: e.Name}
	case CodeValidation:
		return &ValidationError{Field: e.Field, Reason: e.Message}
	case CodeInvalidTransition:
		return &TransitionError{SessionID: e.SessionID}
	case CodeNotFound:
		return ErrNotFound
	case CodeComputationRead:
		return &ComputationReadError{Op: e.Message, Err: e}
	}
	return e
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Code
}
