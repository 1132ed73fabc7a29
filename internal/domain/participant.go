package domain

import (
	"encoding/json"
	"time"
)

// Canonical field-length maxima (spec.md section 4.1). Adapters truncate or
// reject values that exceed these; they are the contract every provider
// adapter normalises toward, regardless of what the upstream API allows.
const (
	MaxPhoneLen  = 50
	MaxBibLen    = 50
	MaxChipLen   = 50
	MaxGenderLen = 30
)

// Participant is one registration: one athlete in one race.
type Participant struct {
	PartnerID             string
	ProviderID            string
	ProviderEventID       string
	ProviderRaceID        string
	ProviderParticipantID string

	FirstName string
	LastName  string
	Email     string
	DOB       *time.Time
	Gender    string
	Phone     string

	Bib  string
	Chip string
	Age  *int

	RegistrationDate time.Time
	LastModified     time.Time
	FetchedDate      time.Time

	TeamInfo       json.RawMessage
	PaymentInfo    json.RawMessage
	Address        json.RawMessage
	AdditionalData json.RawMessage

	RawPayload json.RawMessage
}

// Key returns the uniqueness key the store upserts against (spec.md section
// 3: "(partner_id, provider_event_id, provider_participant_id) is unique").
func (p Participant) Key() (partnerID, providerEventID, providerParticipantID string) {
	return p.PartnerID, p.ProviderEventID, p.ProviderParticipantID
}
