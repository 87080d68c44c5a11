package core

import (
	"strings"
	"time"
)

type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

func (s SessionStatus) Valid() bool {
	return s == SessionActive || s == SessionCompleted
}

// Location is an addressable street or segment canvassed by field teams.
type Location struct {
	ID           string    `json:"id"`
	CampaignID   string    `json:"campaign_id"`
	Name         string    `json:"name"`
	Neighborhood string    `json:"neighborhood,omitempty"`
	City         string    `json:"city,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (l Location) Validate() error {
	if strings.TrimSpace(l.CampaignID) == "" {
		return &ValidationError{Field: "campaign_id", Reason: "required"}
	}
	if strings.TrimSpace(l.Name) == "" {
		return &ValidationError{Field: "name", Reason: "required"}
	}
	return nil
}

// CheckinSession is one team's bounded period of work at a location.
// At most one session per location may be active at any time.
type CheckinSession struct {
	ID                string        `json:"id"`
	LocationID        string        `json:"location_id"`
	CampaignID        string        `json:"campaign_id"`
	AgentID           string        `json:"agent_id"`
	Status            SessionStatus `json:"status"`
	StartedAt         time.Time     `json:"started_at"`
	EndedAt           *time.Time    `json:"ended_at,omitempty"`
	Notes             string        `json:"notes,omitempty"`
	ClimateFeedback   string        `json:"climate_feedback,omitempty"`
	DemandsFeedback   string        `json:"demands_feedback,omitempty"`
	LeadersIdentified string        `json:"leaders_identified,omitempty"`
}

func (s CheckinSession) Validate() error {
	switch {
	case strings.TrimSpace(s.ID) == "":
		return &ValidationError{Field: "id", Reason: "required"}
	case strings.TrimSpace(s.LocationID) == "":
		return &ValidationError{Field: "location_id", Reason: "required"}
	case strings.TrimSpace(s.CampaignID) == "":
		return &ValidationError{Field: "campaign_id", Reason: "required"}
	case strings.TrimSpace(s.AgentID) == "":
		return &ValidationError{Field: "agent_id", Reason: "required"}
	case !s.Status.Valid():
		return &ValidationError{Field: "status", Reason: "must be active or completed"}
	case s.StartedAt.IsZero():
		return &ValidationError{Field: "started_at", Reason: "required"}
	case s.Status == SessionCompleted && s.EndedAt == nil:
		return &ValidationError{Field: "ended_at", Reason: "required for completed sessions"}
	}
	return nil
}

// SessionUpdate carries the fields an agent may change when closing a
// session. Nil fields are left untouched.
type SessionUpdate struct {
	Status            *SessionStatus `json:"status,omitempty"`
	EndedAt           *time.Time     `json:"ended_at,omitempty"`
	Notes             *string        `json:"notes,omitempty"`
	ClimateFeedback   *string        `json:"climate_feedback,omitempty"`
	DemandsFeedback   *string        `json:"demands_feedback,omitempty"`
	LeadersIdentified *string        `json:"leaders_identified,omitempty"`
}

// Apply returns s with the update applied. Status may only move from
// active to completed; a repeated completion keeps the original end time.
func (u SessionUpdate) Apply(s CheckinSession) (CheckinSession, error) {
	if u.Status != nil && *u.Status != s.Status {
		if s.Status != SessionActive || *u.Status != SessionCompleted {
			return s, &TransitionError{SessionID: s.ID, From: s.Status, To: *u.Status}
		}
		s.Status = SessionCompleted
		if u.EndedAt != nil {
			t := u.EndedAt.UTC()
			s.EndedAt = &t
		}
	}
	if s.Status == SessionCompleted && s.EndedAt == nil {
		return s, &ValidationError{Field: "ended_at", Reason: "required for completed sessions"}
	}
	if u.Notes != nil {
		s.Notes = *u.Notes
	}
	if u.ClimateFeedback != nil {
		s.ClimateFeedback = *u.ClimateFeedback
	}
	if u.DemandsFeedback != nil {
		s.DemandsFeedback = *u.DemandsFeedback
	}
	if u.LeadersIdentified != nil {
		s.LeadersIdentified = *u.LeadersIdentified
	}
	return s, nil
}

// CatchUp returns the update that brings a stored session in line with a
// redelivered copy of it. Only the active to completed step is carried
// over; ok is false when the stored row needs nothing.
func CatchUp(stored, incoming CheckinSession) (u SessionUpdate, ok bool) {
	if stored.Status != SessionActive || incoming.Status != SessionCompleted || incoming.EndedAt == nil {
		return SessionUpdate{}, false
	}
	status := SessionCompleted
	return SessionUpdate{
		Status:            &status,
		EndedAt:           incoming.EndedAt,
		Notes:             &incoming.Notes,
		ClimateFeedback:   &incoming.ClimateFeedback,
		DemandsFeedback:   &incoming.DemandsFeedback,
		LeadersIdentified: &incoming.LeadersIdentified,
	}, true
}

// SpendRecord is an approved or pending resource expense attributed to a city.
type SpendRecord struct {
	ID            string    `json:"id"`
	CampaignID    string    `json:"campaign_id"`
	City          string    `json:"city"`
	Description   string    `json:"description,omitempty"`
	EstimatedCost float64   `json:"estimated_cost"`
	Approved      bool      `json:"approved"`
	CreatedAt     time.Time `json:"created_at"`
}

func (r SpendRecord) Validate() error {
	if strings.TrimSpace(r.CampaignID) == "" {
		return &ValidationError{Field: "campaign_id", Reason: "required"}
	}
	if r.EstimatedCost < 0 {
		return &ValidationError{Field: "estimated_cost", Reason: "must not be negative"}
	}
	return nil
}

// CitySpend is the projection of an approved spend record used by analytics.
type CitySpend struct {
	City          string  `json:"city"`
	EstimatedCost float64 `json:"estimated_cost"`
}
