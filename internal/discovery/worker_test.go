package discovery

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

const testProviderID = "discovery-test-provider"

type fakeAdapter struct {
	events    []domain.Event
	races     map[string][]domain.Race // keyed by ProviderEventID
	listCalls int
}

func (a *fakeAdapter) ProviderName() string     { return testProviderID }
func (a *fakeAdapter) SupportsIncremental() bool { return false }
func (a *fakeAdapter) Authenticate(context.Context, domain.Credential) error { return nil }

func (a *fakeAdapter) ListEvents(context.Context, string) provider.EventSeq {
	a.listCalls++
	return func(yield provider.EventYield) {
		for _, e := range a.events {
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (a *fakeAdapter) ListRaces(_ context.Context, event domain.EventRef) provider.RaceSeq {
	return func(yield provider.RaceYield) {
		for _, r := range a.races[event.ProviderEventID] {
			if !yield(r, nil) {
				return
			}
		}
	}
}

func (a *fakeAdapter) ListParticipants(context.Context, domain.RaceRef, domain.EventRef, *time.Time) provider.ParticipantSeq {
	return func(yield provider.ParticipantYield) {}
}

func TestRunOnceUpsertsNewEventsAndRaces(t *testing.T) {
	st := memory.New()
	st.SeedCredential(domain.Credential{PartnerID: "p1", ProviderID: testProviderID, Principal: "k", Secret: "s"})

	adapter := &fakeAdapter{
		events: []domain.Event{
			{PartnerID: "p1", ProviderID: testProviderID, ProviderEventID: "ev-1", Name: "5K"},
		},
		races: map[string][]domain.Race{
			"ev-1": {{PartnerID: "p1", ProviderID: testProviderID, ProviderEventID: "ev-1", ProviderRaceID: "r1"}},
		},
	}
	provider.Register(testProviderID, func() provider.Adapter { return adapter })

	limiter := ratelimit.New(ratelimit.Config{RequestsPerHour: 360000, Burst: 10}, nil)
	// Buckets start empty; at 100 tokens/s, 100ms refills this one to its burst.
	limiter.Headroom("p1", testProviderID)
	time.Sleep(100 * time.Millisecond)
	worker := New(st, limiter, nil, "")

	require.NoError(t, worker.RunOnce(context.Background()))

	known, err := st.EventKnown(context.Background(), "p1", testProviderID, "ev-1")
	require.NoError(t, err)
	assert.True(t, known, "discovery should upsert the unseen event")

	last, err := st.LastSyncTime(context.Background(), "p1", testProviderID, "")
	require.NoError(t, err)
	assert.False(t, last.IsZero(), "discovery should record a completed, event-id-less sync-history row per run")
}

func TestRunOnceYieldsWhenHeadroomLow(t *testing.T) {
	st := memory.New()
	st.SeedCredential(domain.Credential{PartnerID: "p1", ProviderID: testProviderID, Principal: "k", Secret: "s"})

	adapter := &fakeAdapter{events: []domain.Event{
		{PartnerID: "p1", ProviderID: testProviderID, ProviderEventID: "ev-1", Name: "5K"},
	}}
	provider.Register(testProviderID, func() provider.Adapter { return adapter })

	limiter := ratelimit.New(ratelimit.Config{RequestsPerHour: 1, Burst: 1}, nil)
	limiter.OnRateLimited("p1", testProviderID, time.Hour)

	worker := New(st, limiter, nil, "")
	require.NoError(t, worker.RunOnce(context.Background()))

	assert.Zero(t, adapter.listCalls, "discovery should yield before ever calling the adapter when headroom is low")
}
