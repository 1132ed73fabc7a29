package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raceops/provider-engine/internal/domain"
	"github.com/raceops/provider-engine/internal/provider"
	"github.com/raceops/provider-engine/internal/ratelimit"
	"github.com/raceops/provider-engine/internal/store/memory"
	syncpkg "github.com/raceops/provider-engine/internal/sync"
)

const testProviderID = "scheduler-test-provider"

type stubAdapter struct{}

func (stubAdapter) ProviderName() string        { return testProviderID }
func (stubAdapter) SupportsIncremental() bool    { return true }
func (stubAdapter) Authenticate(context.Context, domain.Credential) error { return nil }
func (stubAdapter) ListEvents(context.Context, string) provider.EventSeq {
	return func(yield provider.EventYield) {}
}
func (stubAdapter) ListRaces(context.Context, domain.EventRef) provider.RaceSeq {
	return func(yield provider.RaceYield) {}
}
func (stubAdapter) ListParticipants(context.Context, domain.RaceRef, domain.EventRef, *time.Time) provider.ParticipantSeq {
	return func(yield provider.ParticipantYield) {}
}

func newScheduler(t *testing.T) (*memory.Store, *Scheduler) {
	t.Helper()
	st := memory.New()
	st.SeedCredential(domain.Credential{PartnerID: "p1", ProviderID: testProviderID, Principal: "k", Secret: "s"})
	limiter := ratelimit.New(ratelimit.Config{RequestsPerHour: 360000, Burst: 10}, nil)
	exec := syncpkg.New(st, limiter, nil, nil)
	provider.Register(testProviderID, func() provider.Adapter { return stubAdapter{} })

	cfg := DefaultConfig()
	return st, New(st, exec, nil, nil, cfg)
}

func TestClassifyBands(t *testing.T) {
	_, s := newScheduler(t)
	now := time.Now().UTC()

	band, ok := s.classify(now, now.Add(2*time.Hour))
	require.True(t, ok)
	assert.Equal(t, "high", band.Name)

	band, ok = s.classify(now, now.Add(-30*time.Minute))
	require.True(t, ok)
	assert.Equal(t, "high", band.Name)

	band, ok = s.classify(now, now.Add(12*time.Hour))
	require.True(t, ok)
	assert.Equal(t, "medium", band.Name)

	band, ok = s.classify(now, now.Add(5*24*time.Hour))
	require.True(t, ok)
	assert.Equal(t, "low", band.Name)

	_, ok = s.classify(now, now.Add(-2*time.Hour))
	assert.False(t, ok, "events older than grace should be dropped entirely")
}

func TestDueForBandRespectsBandInterval(t *testing.T) {
	_, s := newScheduler(t)
	now := time.Now().UTC()

	assert.True(t, s.dueForBand("k", s.cfg.High, now))
	s.markDispatched("k", now)
	assert.False(t, s.dueForBand("k", s.cfg.High, now.Add(10*time.Second)))
	assert.True(t, s.dueForBand("k", s.cfg.High, now.Add(s.cfg.High.Interval+time.Second)))
}

func TestCapSliceTruncates(t *testing.T) {
	events := make([]bandedEvent, 5)
	assert.Len(t, capSlice(events, 3), 3)
	assert.Len(t, capSlice(events, 10), 5)
}

func TestTickDispatchesHighBandEvent(t *testing.T) {
	st, s := newScheduler(t)
	ctx := context.Background()

	_, err := st.UpsertEvent(ctx, domain.Event{
		PartnerID: "p1", ProviderID: testProviderID, ProviderEventID: "ev-1",
		Name: "Race Day", StartTime: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	s.tick(ctx)

	last, err := st.LastSyncTime(ctx, "p1", testProviderID, "ev-1")
	require.NoError(t, err)
	assert.False(t, last.IsZero())
}
