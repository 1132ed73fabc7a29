package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/raceops/provider-engine/internal/domain"
)

type fakeAdapter struct{}

func (fakeAdapter) ProviderName() string                                 { return "fake" }
func (fakeAdapter) Authenticate(context.Context, domain.Credential) error { return nil }
func (fakeAdapter) SupportsIncremental() bool                            { return true }
func (fakeAdapter) ListEvents(context.Context, string) EventSeq {
	return func(yield EventYield) {}
}
func (fakeAdapter) ListRaces(context.Context, domain.EventRef) RaceSeq {
	return func(yield RaceYield) {}
}
func (fakeAdapter) ListParticipants(context.Context, domain.RaceRef, domain.EventRef, *time.Time) ParticipantSeq {
	return func(yield ParticipantYield) {}
}

var _ Adapter = fakeAdapter{}

func TestRegisterAndNew(t *testing.T) {
	Register("fake-test-provider", func() Adapter { return fakeAdapter{} })

	a, err := New("fake-test-provider")
	assert.NoError(t, err)
	assert.Equal(t, "fake", a.ProviderName())
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New("does-not-exist")
	assert.Error(t, err)
}
