// Package haku implements the provider.Adapter contract against the Haku
// REST API. Unlike RunSignUp, Haku returns a single top-level object with a
// "participants" key rather than a list of event-wrapping envelopes, keeps
// the event identifier at the top level of each event with its race nested
// in a "race" object, and does not support a
// server-side "modified since" filter — every sync against Haku is full.
package haku

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/raceops/provider-engine/internal/domain"
	"github.com/raceops/provider-engine/internal/logging"
	"github.com/raceops/provider-engine/internal/provider"
)

const (
	providerID = "haku"
	baseURL    = "https://api.hakuapp.com/v2"
	pageSize   = 1000
)

func init() {
	provider.Register(providerID, func() provider.Adapter {
		return New(nil)
	})
}

// Adapter implements provider.Adapter for Haku.
type Adapter struct {
	client *http.Client
	cred   domain.Credential
	log    *logging.Logger
}

// New constructs a Haku adapter. A nil client gets a 15s-timeout default.
func New(client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Adapter{client: client, log: logging.NewDefault(providerID)}
}

func (a *Adapter) ProviderName() string { return providerID }

// SupportsIncremental is false: Haku's API offers no "modified since"
// parameter, so the Sync Executor must always run a full sync against it.
func (a *Adapter) SupportsIncremental() bool { return false }

func (a *Adapter) Authenticate(ctx context.Context, cred domain.Credential) error {
	req, err := a.newRequest(ctx, "GET", "/events", cred, nil)
	if err != nil {
		return err
	}
	if _, err := provider.DoJSON(ctx, a.client, req, providerID); err != nil {
		return err
	}
	a.cred = cred
	return nil
}

func (a *Adapter) newRequest(ctx context.Context, method, path string, cred domain.Credential, query url.Values) (*http.Request, error) {
	if query == nil {
		query = url.Values{}
	}
	u := baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+cred.Secret)
	req.Header.Set("X-Haku-Client-Id", cred.Principal)
	if org := cred.Extras["organization_id"]; org != "" {
		req.Header.Set("X-Haku-Org-Id", org)
	}
	return req, nil
}

type haEvent struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	StartsAt  string `json:"starts_at"`
	Race      struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Distance string `json:"distance_label"`
	} `json:"race"`
}

type eventListResponse struct {
	Events []haEvent `json:"events"`
	Next   string    `json:"next_page_token"`
}

func (a *Adapter) ListEvents(ctx context.Context, partnerID string) provider.EventSeq {
	return func(yield provider.EventYield) {
		token := ""
		for {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(pageSize))
			if token != "" {
				q.Set("page_token", token)
			}
			req, err := a.newRequest(ctx, "GET", "/events", a.cred, q)
			if err != nil {
				yield(domain.Event{}, err)
				return
			}
			body, err := provider.DoJSON(ctx, a.client, req, providerID)
			if err != nil {
				if !yield(domain.Event{}, err) {
					return
				}
				continue
			}

			var page eventListResponse
			if err := json.Unmarshal(body, &page); err != nil {
				yield(domain.Event{}, &provider.ProtocolError{ProviderName: providerID, Detail: fmt.Sprintf("decode events: %v", err)})
				return
			}

			for _, ev := range page.Events {
				raw, _ := json.Marshal(ev)
				start, _ := time.Parse(time.RFC3339, ev.StartsAt)
				canonical := domain.Event{
					PartnerID:       partnerID,
					ProviderID:      providerID,
					ProviderEventID: ev.ID,
					Name:            ev.Name,
					StartTime:       start,
					CreatedAt:       time.Now().UTC(),
					RawPayload:      raw,
				}
				if !yield(canonical, nil) {
					return
				}
			}

			if page.Next == "" {
				return
			}
			token = page.Next
		}
	}
}

func (a *Adapter) ListRaces(ctx context.Context, event domain.EventRef) provider.RaceSeq {
	return func(yield provider.RaceYield) {
		req, err := a.newRequest(ctx, "GET", "/events/"+event.ProviderEventID, a.cred, nil)
		if err != nil {
			yield(domain.Race{}, err)
			return
		}
		body, err := provider.DoJSON(ctx, a.client, req, providerID)
		if err != nil {
			yield(domain.Race{}, err)
			return
		}

		var ev haEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			yield(domain.Race{}, &provider.ProtocolError{ProviderName: providerID, Detail: fmt.Sprintf("decode event: %v", err)})
			return
		}

		// Haku nests the race identifier inside the event object; the
		// adapter flattens it into a canonical Race regardless (spec.md
		// section 4.1's "event identifiers are sometimes nested" quirk).
		raw, _ := json.Marshal(ev.Race)
		r := domain.Race{
			PartnerID:       event.PartnerID,
			ProviderID:      providerID,
			ProviderEventID: event.ProviderEventID,
			ProviderRaceID:  ev.Race.ID,
			Name:            ev.Race.Name,
			Distance:        ev.Race.Distance,
			RawPayload:      raw,
		}
		yield(r, nil)
	}
}

type haParticipant struct {
	RegistrationID string `json:"registration_id"`
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	Email          string `json:"email"`
	DateOfBirth    string `json:"date_of_birth"`
	Gender         string `json:"gender"`
	PhoneNumber    string `json:"phone_number"`
	BibNumber      string `json:"bib_number"`
	ChipTag        string `json:"chip_tag"`
	Age            int    `json:"age"`
	RegisteredAt   string `json:"registered_at"`
	UpdatedAt      string `json:"updated_at"`
	AmountPaid     string `json:"amount_paid"`
}

// participantsResponse mirrors Haku's "top-level object with a participants
// key" shape, rather than RunSignUp's list-of-events-wrapping-participants.
type participantsResponse struct {
	Participants []haParticipant `json:"participants"`
	Next         string          `json:"next_page_token"`
}

func (a *Adapter) ListParticipants(ctx context.Context, race domain.RaceRef, event domain.EventRef, since *time.Time) provider.ParticipantSeq {
	return func(yield provider.ParticipantYield) {
		token := ""
		for {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(pageSize))
			if token != "" {
				q.Set("page_token", token)
			}
			req, err := a.newRequest(ctx, "GET", "/races/"+race.ProviderRaceID+"/participants", a.cred, q)
			if err != nil {
				yield(domain.Participant{}, err)
				return
			}
			body, err := provider.DoJSON(ctx, a.client, req, providerID)
			if err != nil {
				if !yield(domain.Participant{}, err) {
					return
				}
				continue
			}

			var page participantsResponse
			if err := json.Unmarshal(body, &page); err != nil {
				yield(domain.Participant{}, &provider.ProtocolError{ProviderName: providerID, Detail: fmt.Sprintf("decode participants: %v", err)})
				return
			}

			for _, p := range page.Participants {
				raw, _ := json.Marshal(p)
				dob, _ := time.Parse("2006-01-02", p.DateOfBirth)
				regDate, _ := time.Parse(time.RFC3339, p.RegisteredAt)
				lastMod, _ := time.Parse(time.RFC3339, p.UpdatedAt)

				phone, phoneTrunc := provider.NormalizePhone(p.PhoneNumber)
				bib, bibTrunc := provider.NormalizeBib(p.BibNumber)
				chip, chipTrunc := provider.NormalizeChip(p.ChipTag)
				gender, genderTrunc := provider.NormalizeGender(p.Gender)
				a.warnIfTruncated(p.RegistrationID, "phone_number", phoneTrunc)
				a.warnIfTruncated(p.RegistrationID, "bib_number", bibTrunc)
				a.warnIfTruncated(p.RegistrationID, "chip_tag", chipTrunc)
				a.warnIfTruncated(p.RegistrationID, "gender", genderTrunc)

				var dobPtr *time.Time
				if !dob.IsZero() {
					dobPtr = &dob
				}
				age := p.Age
				agePtr := &age

				canonical := domain.Participant{
					PartnerID:             event.PartnerID,
					ProviderID:            providerID,
					ProviderEventID:       event.ProviderEventID,
					ProviderRaceID:        race.ProviderRaceID,
					ProviderParticipantID: p.RegistrationID,
					FirstName:             p.FirstName,
					LastName:              p.LastName,
					Email:                 p.Email,
					DOB:                   dobPtr,
					Gender:                gender,
					Phone:                 phone,
					Bib:                   bib,
					Chip:                  chip,
					Age:                   agePtr,
					RegistrationDate:      regDate,
					LastModified:          lastMod,
					FetchedDate:           time.Now().UTC(),
					PaymentInfo:           paymentInfoJSON(p.AmountPaid),
					RawPayload:            raw,
				}
				if !yield(canonical, nil) {
					return
				}
			}

			if page.Next == "" {
				return
			}
			token = page.Next
		}
	}
}

// warnIfTruncated logs when a normalized field was cut down to its
// canonical maximum length (spec.md section 4.1).
func (a *Adapter) warnIfTruncated(participantID, field string, truncated bool) {
	if !truncated {
		return
	}
	a.log.WithField("provider_participant_id", participantID).
		WithField("field", field).
		Warn("value truncated to canonical maximum")
}

// paymentInfoJSON parses Haku's amount_paid string and wraps it as the
// canonical PaymentInfo payload. Returns nil when the amount can't be
// parsed, leaving PaymentInfo absent rather than guessed.
func paymentInfoJSON(amountPaid string) json.RawMessage {
	amount, ok := provider.ParseMoney(amountPaid)
	if !ok {
		return nil
	}
	raw, err := json.Marshal(map[string]float64{"amount_paid": amount})
	if err != nil {
		return nil
	}
	return raw
}

var _ provider.Adapter = (*Adapter)(nil)
