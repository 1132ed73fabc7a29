package ratelimit

import (
	"context"
	"time"

	"github.com/raceops/provider-engine/internal/system"
)

// Persister stores and loads bucket fill levels across restarts. Satisfied
// by internal/store.Store; declared narrowly here to avoid ratelimit
// importing the store package.
type Persister interface {
	SaveRateLimitSnapshot(ctx context.Context, partnerID, providerID string, tokens float64) error
}

// Snapshotter periodically persists a Limiter's bucket fill levels so that
// a restart within the same refill window doesn't silently double the
// effective quota (spec.md section 4.2).
type Snapshotter struct {
	limiter  *Limiter
	store    Persister
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSnapshotter constructs a Snapshotter. interval defaults to one minute
// if non-positive.
func NewSnapshotter(limiter *Limiter, store Persister, interval time.Duration) *Snapshotter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Snapshotter{limiter: limiter, store: store, interval: interval}
}

func (s *Snapshotter) Name() string { return "ratelimit-snapshotter" }

// Start begins the periodic snapshot loop.
func (s *Snapshotter) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.flush(runCtx)
			}
		}
	}()
	return nil
}

// Stop cancels the loop and waits for it to exit.
func (s *Snapshotter) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *Snapshotter) flush(ctx context.Context) {
	if s.store == nil {
		return
	}
	for partnerID, byProvider := range s.limiter.Snapshot() {
		for providerID, tokens := range byProvider {
			_ = s.store.SaveRateLimitSnapshot(ctx, partnerID, providerID, tokens)
		}
	}
}

var _ system.Service = (*Snapshotter)(nil)
