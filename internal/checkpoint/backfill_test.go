package checkpoint

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

const testProviderID = "backfill-test-provider"

type fakeCheckpointStore struct {
	rows map[string]domain.BackfillCheckpoint
}

func newFakeCheckpointStore() *fakeCheckpointStore {
	return &fakeCheckpointStore{rows: make(map[string]domain.BackfillCheckpoint)}
}

func (f *fakeCheckpointStore) Save(_ context.Context, ckpt domain.BackfillCheckpoint) error {
	f.rows[ckpt.RunID] = ckpt
	return nil
}

func (f *fakeCheckpointStore) Load(_ context.Context, runID string) (domain.BackfillCheckpoint, error) {
	ckpt, ok := f.rows[runID]
	if !ok {
		return domain.BackfillCheckpoint{}, ErrNotFound
	}
	return ckpt, nil
}

func (f *fakeCheckpointStore) Archive(_ context.Context, runID string) error {
	ckpt := f.rows[runID]
	ckpt.WorkList = nil
	f.rows[runID] = ckpt
	return nil
}

type stubAdapter struct{}

func (stubAdapter) ProviderName() string     { return testProviderID }
func (stubAdapter) SupportsIncremental() bool { return true }
func (stubAdapter) Authenticate(context.Context, domain.Credential) error { return nil }
func (stubAdapter) ListEvents(context.Context, string) provider.EventSeq {
	return func(yield provider.EventYield) {}
}
func (stubAdapter) ListRaces(context.Context, domain.EventRef) provider.RaceSeq {
	return func(yield provider.RaceYield) {
		yield(domain.Race{ProviderRaceID: "r1"}, nil)
	}
}
func (stubAdapter) ListParticipants(context.Context, domain.RaceRef, domain.EventRef, *time.Time) provider.ParticipantSeq {
	return func(yield provider.ParticipantYield) {}
}

func setup(t *testing.T) (*memory.Store, *fakeCheckpointStore, *Runner) {
	t.Helper()
	st := memory.New()
	provider.Register(testProviderID, func() provider.Adapter { return stubAdapter{} })

	for _, p := range []string{"p1", "p2"} {
		st.SeedCredential(domain.Credential{PartnerID: p, ProviderID: testProviderID, Principal: "k", Secret: "s"})
	}

	ctx := context.Background()
	for i, eventID := range []string{"ev-1", "ev-2"} {
		_, err := st.UpsertEvent(ctx, domain.Event{PartnerID: "p1", ProviderID: testProviderID, ProviderEventID: eventID, Name: eventID})
		require.NoError(t, err)
		_ = i
	}

	limiter := ratelimit.New(ratelimit.Config{RequestsPerHour: 360000, Burst: 10}, nil)
	exec := syncpkg.New(st, limiter, nil, nil)
	ckpts := newFakeCheckpointStore()
	return st, ckpts, NewRunner(ckpts, exec, nil)
}

func TestBackfillRunsEveryPairAndArchives(t *testing.T) {
	st, ckpts, runner := setup(t)
	ctx := context.Background()

	pairs := []domain.BackfillPair{
		{PartnerID: "p1", ProviderID: testProviderID, ProviderEventID: "ev-1"},
		{PartnerID: "p1", ProviderID: testProviderID, ProviderEventID: "ev-2"},
	}

	require.NoError(t, runner.Run(ctx, "run-1", pairs, false))

	for _, eventID := range []string{"ev-1", "ev-2"} {
		last, err := st.LastSyncTime(ctx, "p1", testProviderID, eventID)
		require.NoError(t, err)
		assert.False(t, last.IsZero(), "pair %s should have been synced", eventID)
	}

	ckpt := ckpts.rows["run-1"]
	assert.Equal(t, 1, ckpt.LastCompleted)
	assert.Nil(t, ckpt.WorkList, "archived checkpoint should have its work list cleared")
}

func TestBackfillResumesFromLastCompleted(t *testing.T) {
	st, ckpts, runner := setup(t)
	ctx := context.Background()

	pairs := []domain.BackfillPair{
		{PartnerID: "p1", ProviderID: testProviderID, ProviderEventID: "ev-1"},
		{PartnerID: "p1", ProviderID: testProviderID, ProviderEventID: "ev-2"},
	}

	ckpts.rows["run-2"] = domain.BackfillCheckpoint{RunID: "run-2", WorkList: pairs, LastCompleted: 0}

	require.NoError(t, runner.Run(ctx, "run-2", pairs, false))

	skipped, err := st.LastSyncTime(ctx, "p1", testProviderID, "ev-1")
	require.NoError(t, err)
	assert.True(t, skipped.IsZero(), "the already-completed pair must not be synced again")

	resumed, err := st.LastSyncTime(ctx, "p1", testProviderID, "ev-2")
	require.NoError(t, err)
	assert.False(t, resumed.IsZero(), "the pair after the checkpoint should be synced")
	assert.Equal(t, 1, ckpts.rows["run-2"].LastCompleted)
}

func TestBackfillDryRunWritesNoProgress(t *testing.T) {
	_, ckpts, runner := setup(t)
	ctx := context.Background()

	pairs := []domain.BackfillPair{
		{PartnerID: "p1", ProviderID: testProviderID, ProviderEventID: "ev-1"},
	}

	require.NoError(t, runner.Run(ctx, "run-3", pairs, true))
	_, ok := ckpts.rows["run-3"]
	assert.False(t, ok, "dry run must not persist a checkpoint")
}
