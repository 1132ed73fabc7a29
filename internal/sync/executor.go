// Package sync implements the Sync Executor (C4): the decision procedure
// that picks full vs incremental vs full_fallback for one (partner,
// provider, event) unit of work, drives the provider adapter, and commits
// the result through the Canonical Store Gateway.
package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/raceops/provider-engine/internal/corutil"
	"github.com/raceops/provider-engine/internal/domain"
	"github.com/raceops/provider-engine/internal/logging"
	"github.com/raceops/provider-engine/internal/provider"
	"github.com/raceops/provider-engine/internal/ratelimit"
	"github.com/raceops/provider-engine/internal/store"
)

// DefaultIncrementalHorizonDays is the number of days beyond which an event that
// has been synced before still gets a full sync rather than incremental.
const DefaultIncrementalHorizonDays = 7

// lateGrace is IsStale's cutoff: an event that started more than 1 hour ago
// is stale. Run itself does not look at start times; the scheduler drops
// stale events before dispatching them.
const lateGrace = time.Hour

// Options controls one Sync Executor invocation.
type Options struct {
	ForceFull              bool
	IncrementalHorizonDays int
}

func (o Options) horizon() time.Duration {
	days := o.IncrementalHorizonDays
	if days <= 0 {
		days = DefaultIncrementalHorizonDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// Executor runs one "sync this event" unit at a time, enforcing at most one
// in-flight sync per (partner, event).
type Executor struct {
	store   store.Store
	limiter *ratelimit.Limiter
	log     *logging.Logger
	retry   corutil.RetryPolicy
	db      *sql.DB // optional; used for a cross-process advisory lock

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs an Executor. db may be nil, in which case only the
// in-process mutex registry guards against double-dispatch (sufficient for
// a single-process deployment).
func New(st store.Store, limiter *ratelimit.Limiter, log *logging.Logger, db *sql.DB) *Executor {
	if log == nil {
		log = logging.NewDefault("sync-executor")
	}
	return &Executor{
		store:   st,
		limiter: limiter,
		log:     log,
		retry:   corutil.DefaultRetryPolicy,
		db:      db,
		locks:   make(map[string]*sync.Mutex),
	}
}

func lockKey(partnerID, providerID, providerEventID string) string {
	return partnerID + "|" + providerID + "|" + providerEventID
}

func advisoryLockID(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// Run executes the Sync Executor's decision procedure for one event,
// acquiring the per-event lock before doing any work.
func (e *Executor) Run(ctx context.Context, event domain.EventRef, opts Options) error {
	key := lockKey(event.PartnerID, event.ProviderID, event.ProviderEventID)

	e.locksMu.Lock()
	mu, ok := e.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[key] = mu
	}
	e.locksMu.Unlock()

	if !mu.TryLock() {
		return fmt.Errorf("sync already in flight for %s", key)
	}
	defer mu.Unlock()

	if e.db != nil {
		lockID := advisoryLockID(key)
		var acquired bool
		if err := e.db.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockID).Scan(&acquired); err != nil {
			return fmt.Errorf("acquire advisory lock: %w", err)
		}
		if !acquired {
			return fmt.Errorf("sync already in flight for %s (advisory lock held)", key)
		}
		defer e.db.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, lockID)
	}

	return e.run(ctx, event, opts)
}

func (e *Executor) run(ctx context.Context, eventRef domain.EventRef, opts Options) error {
	started := time.Now().UTC()
	logger := e.log.WithField("partner_id", eventRef.PartnerID).
		WithField("provider_id", eventRef.ProviderID).
		WithField("event_id", eventRef.ProviderEventID)

	adapter, err := provider.New(eventRef.ProviderID)
	if err != nil {
		return fmt.Errorf("resolve adapter: %w", err)
	}

	cred, err := e.store.GetCredential(ctx, eventRef.PartnerID, eventRef.ProviderID)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if err := adapter.Authenticate(ctx, cred); err != nil {
		e.recordFailure(ctx, eventRef, domain.SyncKindFull, started, "authentication failed", err)
		return err
	}

	kind, since, err := e.decide(ctx, eventRef, opts, adapter)
	if err != nil {
		return err
	}

	participants, result, runErr := e.collect(ctx, adapter, eventRef, since)
	if runErr != nil && kind == domain.SyncKindIncremental {
		logger.WithField("error", runErr.Error()).Warn("incremental sync failed, retrying as full_fallback")
		participants, result, runErr = e.collect(ctx, adapter, eventRef, nil)
		if runErr != nil {
			e.recordFailure(ctx, eventRef, domain.SyncKindFullFallback, started, runErr.Error(), runErr)
			return runErr
		}
		kind = domain.SyncKindFullFallback
	} else if runErr != nil {
		e.recordFailure(ctx, eventRef, kind, started, runErr.Error(), runErr)
		return runErr
	}

	history := domain.SyncHistoryRow{
		PartnerID:          eventRef.PartnerID,
		ProviderID:         eventRef.ProviderID,
		EventID:            eventRef.ProviderEventID,
		SyncKind:           kind,
		StartedAt:          started,
		FinishedAt:         time.Now().UTC(),
		Status:             domain.SyncStatusCompleted,
		ParticipantsSynced: result.participantsSynced,
		Errors:             result.errors,
	}

	if len(participants) == 0 {
		if err := e.store.RecordSync(ctx, history); err != nil {
			return fmt.Errorf("record sync history: %w", err)
		}
		return nil
	}

	if err := corutil.Retry(ctx, e.retry, func() error {
		return e.store.UpsertParticipantsBatch(ctx, participants, history)
	}); err != nil {
		e.recordFailure(ctx, eventRef, kind, started, "upsert participants batch failed", err)
		return fmt.Errorf("upsert participants batch: %w", err)
	}
	return nil
}

// decide implements steps 1-2 of spec.md section 4.4's decision procedure.
func (e *Executor) decide(ctx context.Context, eventRef domain.EventRef, opts Options, adapter provider.Adapter) (domain.SyncKind, *time.Time, error) {
	lastSync, err := e.store.LastSyncTime(ctx, eventRef.PartnerID, eventRef.ProviderID, eventRef.ProviderEventID)
	if err != nil {
		return "", nil, fmt.Errorf("load last sync time: %w", err)
	}

	if lastSync.IsZero() {
		return domain.SyncKindFull, nil, nil
	}
	if opts.ForceFull || !adapter.SupportsIncremental() {
		return domain.SyncKindFull, nil, nil
	}

	delta := time.Since(lastSync)
	if delta > opts.horizon() {
		return domain.SyncKindFull, nil, nil
	}

	since := lastSync
	return domain.SyncKindIncremental, &since, nil
}

type attemptResult struct {
	participantsSynced int
	errors             int
}

// collect runs one pull pass over all races of eventRef, absorbing per-row
// DataError/IntegrityError locally and pausing (not aborting) on
// RateLimited via the rate limiter. It gathers every
// participant across every race of the event into one slice so the caller
// can commit them, and the one sync-history row covering them, atomically
// (spec.md section 4.3's "commits once per event" policy).
func (e *Executor) collect(ctx context.Context, adapter provider.Adapter, eventRef domain.EventRef, since *time.Time) ([]domain.Participant, attemptResult, error) {
	var result attemptResult
	var participants []domain.Participant

	var raceErr error
	adapter.ListRaces(ctx, eventRef)(func(race domain.Race, err error) bool {
		if err != nil {
			raceErr = err
			return false
		}

		raceRef := race.Ref()
		var innerErr error

		adapter.ListParticipants(ctx, raceRef, eventRef, since)(func(p domain.Participant, perr error) bool {
			if perr != nil {
				var rl *provider.RateLimited
				if errors.As(perr, &rl) {
					e.limiter.OnRateLimited(eventRef.PartnerID, eventRef.ProviderID, rl.RetryAfter)
					if waitErr := e.limiter.Acquire(ctx, eventRef.PartnerID, eventRef.ProviderID); waitErr != nil {
						innerErr = waitErr
						return false
					}
					return true // same page is retried by the adapter's internal loop
				}

				var de *provider.DataError
				var ie *provider.IntegrityError
				if errors.As(perr, &de) || errors.As(perr, &ie) {
					result.errors++
					return true
				}

				innerErr = perr
				return false
			}

			participants = append(participants, p)
			result.participantsSynced++
			return true
		})

		if innerErr != nil {
			raceErr = innerErr
			return false
		}
		return true
	})

	if raceErr != nil {
		return nil, result, raceErr
	}
	return participants, result, nil
}

func (e *Executor) recordFailure(ctx context.Context, eventRef domain.EventRef, kind domain.SyncKind, started time.Time, reason string, err error) {
	e.log.WithField("partner_id", eventRef.PartnerID).
		WithField("provider_id", eventRef.ProviderID).
		WithField("event_id", eventRef.ProviderEventID).
		WithField("error", err).
		Error("sync failed: " + reason)

	_ = e.store.RecordSync(ctx, domain.SyncHistoryRow{
		PartnerID:  eventRef.PartnerID,
		ProviderID: eventRef.ProviderID,
		EventID:    eventRef.ProviderEventID,
		SyncKind:   kind,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		Status:     domain.SyncStatusFailed,
		Reason:     reason,
	})
}

// IsStale reports whether event start_time is more than lateGrace in the
// past. The scheduler uses it to skip late events; Run does not call it.
func IsStale(startTime time.Time) bool {
	if startTime.IsZero() {
		return false
	}
	return time.Since(startTime) > lateGrace
}
