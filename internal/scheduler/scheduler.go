// Package scheduler implements the Event-Driven Scheduler (C6): the ticking
// loop that classifies upcoming events into bands by race-day proximity and
// dispatches the Sync Executor against them at a cadence proportional to how
// soon the event starts.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/raceops/provider-engine/internal/corutil"
	"github.com/raceops/provider-engine/internal/domain"
	"github.com/raceops/provider-engine/internal/lockfile"
	"github.com/raceops/provider-engine/internal/logging"
	"github.com/raceops/provider-engine/internal/store"
	syncpkg "github.com/raceops/provider-engine/internal/sync"
)

// Band is a proximity tier: how far out an event's start time is, how often
// an event in that tier gets resynced, and how many events of that tier may
// be dispatched in a single cycle.
type Band struct {
	Name     string
	Window   time.Duration
	Interval time.Duration
	Cap      int
}

// grace matches the Sync Executor's own late-event cutoff (syncpkg.IsStale):
// once an event started more than an hour ago, the scheduler stops
// dispatching it at all.
const grace = time.Hour

// Default bands, per the engine's race-day proximity policy: high band
// covers events starting within 4h or that started within the last hour,
// medium covers the rest of the next 24h, low covers everything further out
// that FutureEvents still returns.
var (
	HighBand   = Band{Name: "high", Window: 4 * time.Hour, Interval: time.Minute, Cap: 50}
	MediumBand = Band{Name: "medium", Window: 24 * time.Hour, Interval: 15 * time.Minute, Cap: 20}
	LowBand    = Band{Name: "low", Window: 30 * 24 * time.Hour, Interval: 4 * time.Hour, Cap: 10}
)

// Config controls one Scheduler instance.
type Config struct {
	CycleInterval           time.Duration
	Workers                 int
	MaxConcurrentPerPartner int
	IncrementalHorizonDays  int
	ForceFull               bool
	// PartnerID restricts dispatch to a single partner when non-empty (used
	// by the CLI's single-partner restriction flag).
	PartnerID string

	High   Band
	Medium Band
	Low    Band
}

// DefaultConfig returns a Config using the package's default bands.
func DefaultConfig() Config {
	return Config{
		CycleInterval:           10 * time.Second,
		Workers:                 8,
		MaxConcurrentPerPartner: 3,
		IncrementalHorizonDays:  7,
		High:                    HighBand,
		Medium:                  MediumBand,
		Low:                     LowBand,
	}
}

// Scheduler is a system.Service that ticks at Config.CycleInterval,
// classifies FutureEvents into bands, and dispatches the Sync Executor in
// band-dominant order: every high-band event is submitted before any
// medium-band event, which is submitted before any low-band event.
type Scheduler struct {
	store    store.Store
	executor *syncpkg.Executor
	lock     *lockfile.Lock
	log      *logging.Logger
	cfg      Config

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	lastRunAt   map[string]time.Time
	partnerSems map[string]chan struct{}
}

// New constructs a Scheduler. lock may be nil, in which case the single
// -instance invariant is not enforced at the process level (tests, or a
// deployment that guarantees single-instance another way).
func New(st store.Store, executor *syncpkg.Executor, lock *lockfile.Lock, log *logging.Logger, cfg Config) *Scheduler {
	if log == nil {
		log = logging.NewDefault("scheduler")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.MaxConcurrentPerPartner <= 0 {
		cfg.MaxConcurrentPerPartner = 3
	}
	if cfg.High.Cap == 0 {
		cfg.High, cfg.Medium, cfg.Low = HighBand, MediumBand, LowBand
	}
	return &Scheduler{
		store:       st,
		executor:    executor,
		lock:        lock,
		log:         log,
		cfg:         cfg,
		lastRunAt:   make(map[string]time.Time),
		partnerSems: make(map[string]chan struct{}),
	}
}

func (s *Scheduler) Name() string { return "event-scheduler" }

func (s *Scheduler) Descriptor() corutil.Descriptor {
	return corutil.Descriptor{
		Name:         s.Name(),
		Domain:       "scheduling",
		Layer:        corutil.LayerEngine,
		Capabilities: []string{"band-dispatch", "sync-dispatch"},
	}
}

// Start acquires the single-instance lock (if configured) and begins the
// tick loop in the background.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}

	if s.lock != nil {
		ok, err := s.lock.TryLock(ctx)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		if !ok {
			s.mu.Unlock()
			return errAlreadyRunning
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		interval := s.cfg.CycleInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	}()

	s.log.WithField("cycle_interval", s.cfg.CycleInterval.String()).Info("scheduler started")
	return nil
}

// Stop halts the tick loop and releases the single-instance lock.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if s.lock != nil {
		_ = s.lock.Unlock()
	}

	s.log.Info("scheduler stopped")
	return nil
}

// classify assigns now/startTime into a band, or reports ok=false if the
// event should not be dispatched at all (too far past its grace period).
func (s *Scheduler) classify(now, startTime time.Time) (Band, bool) {
	if startTime.IsZero() {
		return Band{}, false
	}
	if syncpkg.IsStale(startTime) {
		return Band{}, false
	}

	untilStart := startTime.Sub(now)
	switch {
	case untilStart <= s.cfg.High.Window:
		return s.cfg.High, true
	case untilStart <= s.cfg.Medium.Window:
		return s.cfg.Medium, true
	default:
		return s.cfg.Low, true
	}
}

// dueForBand reports whether key hasn't been dispatched within band's
// interval yet, enforcing each band's own resync cadence across ticks whose
// own CycleInterval is much shorter than any band's Interval.
func (s *Scheduler) dueForBand(key string, band Band, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRunAt[key]
	if !ok {
		return true
	}
	return now.Sub(last) >= band.Interval
}

func (s *Scheduler) markDispatched(key string, now time.Time) {
	s.mu.Lock()
	s.lastRunAt[key] = now
	s.mu.Unlock()
}

func (s *Scheduler) partnerSem(partnerID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.partnerSems[partnerID]
	if !ok {
		sem = make(chan struct{}, s.cfg.MaxConcurrentPerPartner)
		s.partnerSems[partnerID] = sem
	}
	return sem
}

type bandedEvent struct {
	event domain.Event
	band  Band
}

// tick runs one scheduling cycle: classify, band-sort, cap, then dispatch in
// band-dominant order through a bounded worker pool.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	horizon := s.cfg.Low.Window
	events, err := s.store.FutureEvents(ctx, horizon)
	if err != nil {
		s.log.WithError(err).Warn("scheduler tick: list future events failed")
		return
	}

	var high, medium, low []bandedEvent
	for _, e := range events {
		if s.cfg.PartnerID != "" && e.PartnerID != s.cfg.PartnerID {
			continue
		}
		band, ok := s.classify(now, e.StartTime)
		if !ok {
			continue
		}
		key := e.PartnerID + "|" + e.ProviderID + "|" + e.ProviderEventID
		if !s.dueForBand(key, band, now) {
			continue
		}
		be := bandedEvent{event: e, band: band}
		switch band.Name {
		case s.cfg.High.Name:
			high = append(high, be)
		case s.cfg.Medium.Name:
			medium = append(medium, be)
		default:
			low = append(low, be)
		}
	}

	high = capSlice(high, s.cfg.High.Cap)
	medium = capSlice(medium, s.cfg.Medium.Cap)
	low = capSlice(low, s.cfg.Low.Cap)

	dispatch := make([]bandedEvent, 0, len(high)+len(medium)+len(low))
	dispatch = append(dispatch, high...)
	dispatch = append(dispatch, medium...)
	dispatch = append(dispatch, low...)

	if len(dispatch) == 0 {
		return
	}

	s.log.WithField("high", len(high)).
		WithField("medium", len(medium)).
		WithField("low", len(low)).
		Debug("scheduler dispatching cycle")

	workerSlots := make(chan struct{}, s.cfg.Workers)
	var wg sync.WaitGroup
	for _, be := range dispatch {
		be := be
		workerSlots <- struct{}{}
		partnerSem := s.partnerSem(be.event.PartnerID)
		partnerSem <- struct{}{}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-workerSlots }()
			defer func() { <-partnerSem }()

			key := be.event.PartnerID + "|" + be.event.ProviderID + "|" + be.event.ProviderEventID
			s.markDispatched(key, now)

			eventRef := be.event.Ref()
			opts := syncpkg.Options{ForceFull: s.cfg.ForceFull, IncrementalHorizonDays: s.cfg.IncrementalHorizonDays}
			if err := s.executor.Run(ctx, eventRef, opts); err != nil {
				s.log.WithError(err).
					WithField("partner_id", eventRef.PartnerID).
					WithField("provider_id", eventRef.ProviderID).
					WithField("event_id", eventRef.ProviderEventID).
					WithField("band", be.band.Name).
					Warn("scheduled sync failed")
			}
		}()
	}
	wg.Wait()
}

func capSlice(events []bandedEvent, limit int) []bandedEvent {
	if limit <= 0 || len(events) <= limit {
		return events
	}
	return events[:limit]
}

// errAlreadyRunning is returned by Start when the single-instance lock is
// already held by another process.
var errAlreadyRunning = schedulerError("another scheduler instance already holds the lock")

type schedulerError string

func (e schedulerError) Error() string { return string(e) }
