// Package runsignup implements the provider.Adapter contract against the
// RunSignUp REST API. RunSignUp wraps participants inside a top-level list
// of race envelopes (each "race" object carries its own "events" and those
// events carry "participants"), and formats prices as "$1,234.50" strings.
package runsignup

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
	providerID = "runsignup"
	baseURL    = "https://runsignup.com/rest"
	pageSize   = 1000
)

func init() {
	provider.Register(providerID, func() provider.Adapter {
		return New(nil)
	})
}

// Adapter implements provider.Adapter for RunSignUp.
type Adapter struct {
	client *http.Client
	cred   domain.Credential
	log    *logging.Logger
}

// New constructs a RunSignUp adapter. A nil client gets a 15s-timeout default.
func New(client *http.Client) *Adapter {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Adapter{client: client, log: logging.NewDefault(providerID)}
}

func (a *Adapter) ProviderName() string { return providerID }

func (a *Adapter) SupportsIncremental() bool { return true }

func (a *Adapter) Authenticate(ctx context.Context, cred domain.Credential) error {
	req, err := a.newRequest(ctx, "GET", "/races", cred, nil)
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
	query.Set("api_key", cred.Principal)
	query.Set("api_secret", cred.Secret)

	u := baseURL + path + "?" + query.Encode()
	return http.NewRequestWithContext(ctx, method, u, nil)
}

// eventEnvelope mirrors RunSignUp's "list of races, each wrapping events and
// participants" response shape.
type eventEnvelope struct {
	Race struct {
		RaceID   json.Number `json:"race_id"`
		Name     string      `json:"name"`
		NextDate string      `json:"next_date"`
		Events   []struct {
			EventID      json.Number `json:"event_id"`
			Name         string      `json:"name"`
			StartTime    string      `json:"start_time"`
			Distance     string      `json:"distance"`
			Participants []struct {
				RegistrationID json.Number `json:"registration_id"`
				FirstName      string      `json:"first_name"`
				LastName       string      `json:"last_name"`
				Email          string      `json:"email"`
				DOB            string      `json:"dob"`
				Gender         string      `json:"gender"`
				Phone          string      `json:"phone"`
				Bib            string      `json:"bib_num"`
				ChipNumber     string      `json:"chip_number"`
				Age            json.Number `json:"age"`
				RegistrationDate string    `json:"registration_date"`
				LastModified     string    `json:"last_modified"`
				AmountPaid       string    `json:"amount_paid"`
			} `json:"participants"`
		} `json:"events"`
	} `json:"race"`
}

func (a *Adapter) ListEvents(ctx context.Context, partnerID string) provider.EventSeq {
	return func(yield provider.EventYield) {
		page := 1
		for {
			q := url.Values{}
			q.Set("page", strconv.Itoa(page))
			q.Set("results_per_page", strconv.Itoa(pageSize))
			req, err := a.newRequest(ctx, "GET", "/races", a.cred, q)
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

			var envelopes []eventEnvelope
			if err := json.Unmarshal(body, &envelopes); err != nil {
				yield(domain.Event{}, &provider.ProtocolError{ProviderName: providerID, Detail: fmt.Sprintf("decode races: %v", err)})
				return
			}
			if len(envelopes) == 0 {
				return
			}

			for _, env := range envelopes {
				for _, ev := range env.Race.Events {
					raw, _ := json.Marshal(ev)
					start, _ := time.Parse(time.RFC3339, ev.StartTime)
					e := domain.Event{
						PartnerID:       partnerID,
						ProviderID:      providerID,
						ProviderEventID: ev.EventID.String(),
						Name:            ev.Name,
						StartTime:       start,
						CreatedAt:       time.Now().UTC(),
						RawPayload:      raw,
					}
					if !yield(e, nil) {
						return
					}
				}
			}
			page++
		}
	}
}

func (a *Adapter) ListRaces(ctx context.Context, event domain.EventRef) provider.RaceSeq {
	return func(yield provider.RaceYield) {
		req, err := a.newRequest(ctx, "GET", "/race/"+event.ProviderEventID, a.cred, nil)
		if err != nil {
			yield(domain.Race{}, err)
			return
		}
		body, err := provider.DoJSON(ctx, a.client, req, providerID)
		if err != nil {
			yield(domain.Race{}, err)
			return
		}

		var env eventEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			yield(domain.Race{}, &provider.ProtocolError{ProviderName: providerID, Detail: fmt.Sprintf("decode race: %v", err)})
			return
		}

		raw, _ := json.Marshal(env.Race)
		r := domain.Race{
			PartnerID:       event.PartnerID,
			ProviderID:      providerID,
			ProviderEventID: event.ProviderEventID,
			ProviderRaceID:  env.Race.RaceID.String(),
			Name:            env.Race.Name,
			RawPayload:      raw,
		}
		yield(r, nil)
	}
}

func (a *Adapter) ListParticipants(ctx context.Context, race domain.RaceRef, event domain.EventRef, since *time.Time) provider.ParticipantSeq {
	return func(yield provider.ParticipantYield) {
		page := 1
		for {
			q := url.Values{}
			q.Set("page", strconv.Itoa(page))
			q.Set("results_per_page", strconv.Itoa(pageSize))
			if since != nil {
				q.Set("last_modified", since.Format(time.RFC3339))
			}
			req, err := a.newRequest(ctx, "GET", "/race/"+event.ProviderEventID+"/participants", a.cred, q)
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

			var env eventEnvelope
			if err := json.Unmarshal(body, &env); err != nil {
				yield(domain.Participant{}, &provider.ProtocolError{ProviderName: providerID, Detail: fmt.Sprintf("decode participants: %v", err)})
				return
			}

			count := 0
			for _, ev := range env.Race.Events {
				for _, p := range ev.Participants {
					count++
					raw, _ := json.Marshal(p)
					dob, _ := time.Parse("2006-01-02", p.DOB)
					regDate, _ := time.Parse(time.RFC3339, p.RegistrationDate)
					lastMod, _ := time.Parse(time.RFC3339, p.LastModified)

					phone, phoneTrunc := provider.NormalizePhone(p.Phone)
					bib, bibTrunc := provider.NormalizeBib(p.Bib)
					chip, chipTrunc := provider.NormalizeChip(p.ChipNumber)
					gender, genderTrunc := provider.NormalizeGender(p.Gender)
					a.warnIfTruncated(p.RegistrationID.String(), "phone", phoneTrunc)
					a.warnIfTruncated(p.RegistrationID.String(), "bib_num", bibTrunc)
					a.warnIfTruncated(p.RegistrationID.String(), "chip_number", chipTrunc)
					a.warnIfTruncated(p.RegistrationID.String(), "gender", genderTrunc)

					age, ageErr := p.Age.Int64()
					var agePtr *int
					if ageErr == nil {
						ageVal := int(age)
						agePtr = &ageVal
					}

					var dobPtr *time.Time
					if !dob.IsZero() {
						dobPtr = &dob
					}

					canonical := domain.Participant{
						PartnerID:             event.PartnerID,
						ProviderID:            providerID,
						ProviderEventID:       event.ProviderEventID,
						ProviderRaceID:        race.ProviderRaceID,
						ProviderParticipantID: p.RegistrationID.String(),
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
			}
			if count == 0 {
				return
			}
			page++
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

// paymentInfoJSON parses RunSignUp's "$1,234.50"-style amount_paid string
// and wraps it as the canonical PaymentInfo payload. Returns nil when the
// amount can't be parsed, leaving PaymentInfo absent rather than guessed.
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
