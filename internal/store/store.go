// Package store defines the Canonical Store Gateway contract (C3): the
// engine's only path to persisting Event/Race/Participant/SyncHistoryRow/
// BackfillCheckpoint rows and to reading TimingPartner/ProviderCredential
// rows it never writes.
package store

import (
	"context"
	"time"

	"github.com/raceops/provider-engine/internal/domain"
)

// Store is the Canonical Store Gateway contract. Implementations: postgres
// (production) and memory (tests).
type Store interface {
	// GetCredential returns the active credential for (partnerID,
	// providerID). Never writes to the credentials table.
	GetCredential(ctx context.Context, partnerID, providerID string) (domain.Credential, error)

	// ActiveCredentials returns every credential the engine should sync
	// against, used by the Discovery Worker's full sweep.
	ActiveCredentials(ctx context.Context) ([]domain.Credential, error)

	// EventKnown reports whether (partnerID, providerID, providerEventID)
	// already has an events row, letting the Discovery Worker skip
	// re-upserting and re-walking races for events it has already seen
	// (spec.md section 4.5 step 2).
	EventKnown(ctx context.Context, partnerID, providerID, providerEventID string) (bool, error)

	// UpsertEvent inserts or updates an Event, keyed on
	// (partner_id, provider_id, provider_event_id). Returns the row's
	// internal id.
	UpsertEvent(ctx context.Context, event domain.Event) (string, error)

	// UpsertRace inserts or updates a Race, keyed on
	// (partner_id, provider_id, provider_race_id). The parent event must
	// already exist. Returns the row's internal id.
	UpsertRace(ctx context.Context, race domain.Race) (string, error)

	// UpsertParticipantsBatch inserts or updates all given participants and
	// writes the accompanying sync-history row in one transaction, per
	// spec.md section 4.3's "commits once per event" policy.
	UpsertParticipantsBatch(ctx context.Context, participants []domain.Participant, history domain.SyncHistoryRow) error

	// RecordSync appends a sync-history row on its own (used by the
	// Discovery Worker, which doesn't batch participants).
	RecordSync(ctx context.Context, history domain.SyncHistoryRow) error

	// LastSyncTime returns the finished_at of the most recent completed
	// sync-history row for (partnerID, providerID, providerEventID), or the
	// zero time if none exists.
	LastSyncTime(ctx context.Context, partnerID, providerID, providerEventID string) (time.Time, error)

	// FutureEvents returns events with start_time within horizon of now,
	// used by the scheduler's band classification.
	FutureEvents(ctx context.Context, horizon time.Duration) ([]domain.Event, error)

	// BackfillWorkList returns every known (partner, provider, event) triple,
	// ordered deterministically, optionally restricted to partnerID (empty
	// string means every partner). Used to seed a fresh backfill checkpoint's
	// work list at job start (spec.md section 4.7).
	BackfillWorkList(ctx context.Context, partnerID string) ([]domain.BackfillPair, error)

	// CheckConstraints verifies the schema's required unique constraints
	// exist, failing loudly (a *provider.SchemaError) if not.
	CheckConstraints(ctx context.Context) error

	// SaveRateLimitSnapshot persists a bucket's fill level for
	// (partnerID, providerID). Satisfies ratelimit.Persister.
	SaveRateLimitSnapshot(ctx context.Context, partnerID, providerID string, tokens float64) error

	// LoadRateLimitSnapshots returns all persisted bucket fill levels,
	// keyed by partner id then provider id, for warm-starting the limiter.
	LoadRateLimitSnapshots(ctx context.Context) (map[string]map[string]float64, error)
}
