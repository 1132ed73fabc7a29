package domain

import (
	"encoding/json"
	"time"
)

// EventRef identifies an Event without carrying its full payload. Adapter
// operations that need "the event" as context take this instead of a pointer
// into a shared Event, keeping cross-entity references by id rather than by
// shared mutable state (spec.md section 9, "Cyclic references").
type EventRef struct {
	PartnerID       string
	ProviderID      string
	ProviderEventID string
}

// RaceRef identifies a Race within an Event.
type RaceRef struct {
	EventRef
	ProviderRaceID string
}

// Event is a marketing-level race weekend/meeting.
type Event struct {
	PartnerID       string
	ProviderID      string
	ProviderEventID string
	Name            string
	StartTime       time.Time
	CreatedAt       time.Time
	RawPayload      json.RawMessage
}

// Ref returns the identifying reference for this event.
func (e Event) Ref() EventRef {
	return EventRef{PartnerID: e.PartnerID, ProviderID: e.ProviderID, ProviderEventID: e.ProviderEventID}
}

// Race is a sub-event (distance/category) within an Event.
type Race struct {
	PartnerID       string
	ProviderID      string
	ProviderEventID string
	ProviderRaceID  string
	Name            string
	Distance        string
	StartTime       time.Time
	RawPayload      json.RawMessage
}

// Ref returns the identifying reference for this race.
func (r Race) Ref() RaceRef {
	return RaceRef{EventRef: EventRef{PartnerID: r.PartnerID, ProviderID: r.ProviderID, ProviderEventID: r.ProviderEventID}, ProviderRaceID: r.ProviderRaceID}
}
