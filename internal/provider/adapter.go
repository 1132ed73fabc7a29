// Package provider defines the contract every provider adapter implements,
// the error taxonomy adapters raise, normalisation helpers shared across
// adapters, and a small factory registry mapping provider id to constructor.
package provider

import (
	"context"
	"time"

	"github.com/raceops/provider-engine/internal/domain"
)

// EventYield receives one Event or an error. Returning false stops iteration.
type EventYield func(domain.Event, error) bool

// RaceYield receives one Race or an error. Returning false stops iteration.
type RaceYield func(domain.Race, error) bool

// ParticipantYield receives one Participant or an error. Returning false
// stops iteration.
type ParticipantYield func(domain.Participant, error) bool

// EventSeq, RaceSeq and ParticipantSeq are resumable pull-iterators in the
// Go 1.23 range-over-func style. A RateLimited error surfaced through the
// yield's error slot can be caught by the caller, paced by the rate limiter,
// and the same sequence value resumed from where it left off without
// re-walking already-seen pages.
type EventSeq func(yield EventYield)
type RaceSeq func(yield RaceYield)
type ParticipantSeq func(yield ParticipantYield)

// Adapter translates one provider's API into the canonical model. All
// adapters expose the same contract so the rest of the engine is
// provider-agnostic (spec.md section 4.1).
type Adapter interface {
	// ProviderName returns a stable string identifier. Never fails.
	ProviderName() string

	// Authenticate validates the credential, caching any derived tokens.
	// Returns an *AuthError on HTTP 401/403 or a malformed response.
	Authenticate(ctx context.Context, cred domain.Credential) error

	// SupportsIncremental reports whether ListParticipants honours a
	// since-watermark natively. If false, the Sync Executor must use full
	// sync for this adapter.
	SupportsIncremental() bool

	// ListEvents returns a lazy, restartable sequence of canonical Events
	// for the given partner.
	ListEvents(ctx context.Context, partnerID string) EventSeq

	// ListRaces returns a lazy sequence of Races within the given event.
	ListRaces(ctx context.Context, event domain.EventRef) RaceSeq

	// ListParticipants returns a lazy sequence of Participants within the
	// given race. If since is non-nil and SupportsIncremental is true, only
	// participants modified at or after since are returned.
	ListParticipants(ctx context.Context, race domain.RaceRef, event domain.EventRef, since *time.Time) ParticipantSeq
}
