package sync

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
)

const testProviderID = "sync-test-provider"

type fakeAdapter struct {
	participants []domain.Participant
	calls        int
	sinces       []*time.Time // the since argument of each ListParticipants call
}

func (a *fakeAdapter) ProviderName() string { return testProviderID }
func (a *fakeAdapter) Authenticate(context.Context, domain.Credential) error { return nil }
func (a *fakeAdapter) SupportsIncremental() bool { return true }
func (a *fakeAdapter) ListEvents(context.Context, string) provider.EventSeq {
	return func(yield provider.EventYield) {}
}
func (a *fakeAdapter) ListRaces(ctx context.Context, event domain.EventRef) provider.RaceSeq {
	return func(yield provider.RaceYield) {
		yield(domain.Race{PartnerID: event.PartnerID, ProviderID: event.ProviderID, ProviderEventID: event.ProviderEventID, ProviderRaceID: "r1"}, nil)
	}
}
func (a *fakeAdapter) ListParticipants(ctx context.Context, race domain.RaceRef, event domain.EventRef, since *time.Time) provider.ParticipantSeq {
	a.calls++
	a.sinces = append(a.sinces, since)
	return func(yield provider.ParticipantYield) {
		for _, p := range a.participants {
			if !yield(p, nil) {
				return
			}
		}
	}
}

func setup(t *testing.T) (*memory.Store, *Executor, domain.EventRef) {
	t.Helper()
	st := memory.New()
	st.SeedCredential(domain.Credential{PartnerID: "p1", ProviderID: testProviderID, Principal: "key", Secret: "secret"})

	limiter := ratelimit.New(ratelimit.Config{RequestsPerHour: 3600 * 100, Burst: 10}, nil)
	exec := New(st, limiter, nil, nil)

	eventRef := domain.EventRef{PartnerID: "p1", ProviderID: testProviderID, ProviderEventID: "ev-1"}
	ctx := context.Background()
	_, err := st.UpsertEvent(ctx, domain.Event{PartnerID: "p1", ProviderID: testProviderID, ProviderEventID: "ev-1", Name: "Test Event"})
	require.NoError(t, err)
	_, err = st.UpsertRace(ctx, domain.Race{PartnerID: "p1", ProviderID: testProviderID, ProviderEventID: "ev-1", ProviderRaceID: "r1"})
	require.NoError(t, err)

	return st, exec, eventRef
}

func TestFirstSyncIsAlwaysFull(t *testing.T) {
	st, exec, eventRef := setup(t)

	adapter := &fakeAdapter{participants: []domain.Participant{
		{PartnerID: "p1", ProviderID: testProviderID, ProviderEventID: "ev-1", ProviderRaceID: "r1", ProviderParticipantID: "reg-1", FetchedDate: time.Now()},
	}}
	provider.Register(testProviderID, func() provider.Adapter { return adapter })

	require.NoError(t, exec.Run(context.Background(), eventRef, Options{}))

	last, err := st.LastSyncTime(context.Background(), "p1", testProviderID, "ev-1")
	require.NoError(t, err)
	assert.False(t, last.IsZero())
}

func TestSecondSyncIsIncrementalWithinHorizon(t *testing.T) {
	st, exec, eventRef := setup(t)
	ctx := context.Background()

	adapter := &fakeAdapter{}
	provider.Register(testProviderID, func() provider.Adapter { return adapter })

	require.NoError(t, exec.Run(ctx, eventRef, Options{}))
	require.NoError(t, exec.Run(ctx, eventRef, Options{}))

	history, err := st.LastSyncTime(ctx, "p1", testProviderID, "ev-1")
	require.NoError(t, err)
	assert.False(t, history.IsZero())

	require.Len(t, adapter.sinces, 2)
	assert.Nil(t, adapter.sinces[0], "first sync is full: no since filter")
	require.NotNil(t, adapter.sinces[1], "second sync within the horizon is incremental")
	assert.False(t, adapter.sinces[1].IsZero())
}

func TestForceFullOverridesIncremental(t *testing.T) {
	_, exec, eventRef := setup(t)
	ctx := context.Background()

	adapter := &fakeAdapter{}
	provider.Register(testProviderID, func() provider.Adapter { return adapter })

	require.NoError(t, exec.Run(ctx, eventRef, Options{}))
	require.NoError(t, exec.Run(ctx, eventRef, Options{ForceFull: true}))

	require.Len(t, adapter.sinces, 2)
	assert.Nil(t, adapter.sinces[1], "forced full sync passes no since filter")
}
