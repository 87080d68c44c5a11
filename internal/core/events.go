package core

import "time"

type EventType string

const (
	EventLocationCreated    EventType = "location.created"
	EventSessionStarted     EventType = "session.started"
	EventSessionCompleted   EventType = "session.completed"
	EventSpendRecorded      EventType = "spend.recorded"
	EventQueueChanged       EventType = "queue.changed"
	EventSyncCompleted      EventType = "sync.completed"
	EventAnalyticsRefreshed EventType = "analytics.refreshed"
)

// Event is a fire-and-forget notification. Data is optional; most
// listeners only care about the type.
type Event struct {
	Type       EventType `json:"type"`
	CampaignID string    `json:"campaign_id,omitempty"`
	LocationID string    `json:"location_id,omitempty"`
	SessionID  string    `json:"session_id,omitempty"`
	Data       any       `json:"data,omitempty"`
	At         time.Time `json:"at"`
}

// Remote collections an offline write can target.
const (
	CollectionLocations = "locations"
	CollectionSessions  = "checkin_sessions"
	CollectionSpend     = "spend_records"
)
