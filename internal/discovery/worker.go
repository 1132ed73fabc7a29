// Package discovery implements the Discovery Worker (C5): a twice-daily
// sweep that finds events and races the engine does not yet know about,
// without ever pulling participants (that is the scheduler's job).
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/raceops/provider-engine/internal/corutil"
	"github.com/raceops/provider-engine/internal/domain"
	"github.com/raceops/provider-engine/internal/logging"
	"github.com/raceops/provider-engine/internal/provider"
	"github.com/raceops/provider-engine/internal/ratelimit"
	"github.com/raceops/provider-engine/internal/store"
)

// discoveryYieldThreshold is the headroom (in tokens) below which discovery
// yields a credential's bucket to participant syncs (spec.md section 4.5).
const discoveryYieldThreshold = 2.0

// Worker is a system.Service scheduled by robfig/cron/v3 at configurable
// hours-of-day, walking ListEvents fully per active credential.
type Worker struct {
	store   store.Store
	limiter *ratelimit.Limiter
	log     *logging.Logger
	sched   string

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New constructs a discovery Worker. schedule is a standard 5-field cron
// expression; the default "0 6,18 * * *" runs at 06:00 and 18:00 local time.
func New(st store.Store, limiter *ratelimit.Limiter, log *logging.Logger, schedule string) *Worker {
	if log == nil {
		log = logging.NewDefault("discovery-worker")
	}
	if schedule == "" {
		schedule = "0 6,18 * * *"
	}
	return &Worker{store: st, limiter: limiter, log: log, sched: schedule}
}

func (w *Worker) Name() string { return "discovery-worker" }

func (w *Worker) Descriptor() corutil.Descriptor {
	return corutil.Descriptor{
		Name:         w.Name(),
		Domain:       "discovery",
		Layer:        corutil.LayerEngine,
		Capabilities: []string{"discover-events", "discover-races"},
	}
}

// Start registers the cron schedule and begins running it in the background.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(w.sched, func() {
		runCtx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		if err := w.RunOnce(runCtx); err != nil {
			w.log.WithError(err).Warn("discovery run failed")
		}
	}); err != nil {
		return fmt.Errorf("schedule discovery: %w", err)
	}

	w.cron = c
	c.Start()
	w.running = true
	w.log.WithField("schedule", w.sched).Info("discovery worker started")
	return nil
}

// Stop halts the cron scheduler.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return nil
	}
	stopCtx := w.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	w.running = false
	w.log.Info("discovery worker stopped")
	return nil
}

// RunOnce executes one discovery sweep across every active credential,
// implementing spec.md section 4.5's algorithm directly (usable standalone
// for the `discover-only` CLI mode, not just the cron loop).
func (w *Worker) RunOnce(ctx context.Context) error {
	creds, err := w.store.ActiveCredentials(ctx)
	if err != nil {
		return fmt.Errorf("load active credentials: %w", err)
	}

	for _, cred := range creds {
		if err := w.discoverCredential(ctx, cred); err != nil {
			w.log.WithError(err).
				WithField("partner_id", cred.PartnerID).
				WithField("provider_id", cred.ProviderID).
				Warn("discovery failed for credential")
		}
	}
	return nil
}

func (w *Worker) discoverCredential(ctx context.Context, cred domain.Credential) error {
	started := time.Now().UTC()

	if w.limiter.Headroom(cred.PartnerID, cred.ProviderID) < discoveryYieldThreshold {
		w.log.WithField("partner_id", cred.PartnerID).
			WithField("provider_id", cred.ProviderID).
			Debug("discovery yielding: bucket headroom low")
		return nil
	}

	adapter, err := provider.New(cred.ProviderID)
	if err != nil {
		return fmt.Errorf("resolve adapter: %w", err)
	}
	if err := adapter.Authenticate(ctx, cred); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}

	eventsSynced := 0
	var walkErr error

	adapter.ListEvents(ctx, cred.PartnerID)(func(ev domain.Event, err error) bool {
		if err != nil {
			if waitErr := w.absorbRateLimit(ctx, cred, err); waitErr != nil {
				walkErr = waitErr
				return false
			}
			return true
		}

		known, err := w.store.EventKnown(ctx, ev.PartnerID, ev.ProviderID, ev.ProviderEventID)
		if err != nil {
			walkErr = fmt.Errorf("check event known %s: %w", ev.ProviderEventID, err)
			return false
		}
		if known {
			// Already discovered: the routine scheduler owns participant
			// sync for it from here (spec.md section 4.5 step 2).
			return true
		}

		if _, err := w.store.UpsertEvent(ctx, ev); err != nil {
			walkErr = fmt.Errorf("upsert event %s: %w", ev.ProviderEventID, err)
			return false
		}
		eventsSynced++

		eventRef := ev.Ref()
		adapter.ListRaces(ctx, eventRef)(func(race domain.Race, err error) bool {
			if err != nil {
				if waitErr := w.absorbRateLimit(ctx, cred, err); waitErr != nil {
					walkErr = waitErr
					return false
				}
				return true
			}
			if _, err := w.store.UpsertRace(ctx, race); err != nil {
				walkErr = fmt.Errorf("upsert race %s: %w", race.ProviderRaceID, err)
				return false
			}
			return true
		})

		return walkErr == nil
	})

	history := domain.SyncHistoryRow{
		PartnerID:     cred.PartnerID,
		ProviderID:    cred.ProviderID,
		SyncKind:      domain.SyncKindDiscovery,
		StartedAt:     started,
		FinishedAt:    time.Now().UTC(),
		EventsSynced:  eventsSynced,
	}
	if walkErr != nil {
		history.Status = domain.SyncStatusFailed
		history.Reason = walkErr.Error()
	} else {
		history.Status = domain.SyncStatusCompleted
	}
	if err := w.store.RecordSync(ctx, history); err != nil {
		return fmt.Errorf("record discovery history: %w", err)
	}
	return walkErr
}

func (w *Worker) absorbRateLimit(ctx context.Context, cred domain.Credential, err error) error {
	rl, ok := err.(*provider.RateLimited)
	if !ok {
		return err
	}
	w.limiter.OnRateLimited(cred.PartnerID, cred.ProviderID, rl.RetryAfter)
	return w.limiter.Acquire(ctx, cred.PartnerID, cred.ProviderID)
}
