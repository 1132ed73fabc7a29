package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAcquireConsumesOneTokenAtATime(t *testing.T) {
	l := New(Config{RequestsPerHour: 3600 * 1000, Burst: 5}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		assert.NoError(t, l.Acquire(ctx, "p1", "runsignup"))
	}
}

func TestDistinctPartnerProviderPairsGetDistinctBuckets(t *testing.T) {
	l := New(Config{RequestsPerHour: 10, Burst: 1}, nil)

	l.OnRateLimited("p1", "runsignup", time.Hour)
	drained := l.Headroom("p1", "runsignup")
	assert.Less(t, drained, 0.0)

	// A different (partner, provider) key must have its own untouched bucket.
	headroom := l.Headroom("p1", "haku")
	assert.Greater(t, headroom, drained)
}

func TestProviderOverrideAppliesOverDefault(t *testing.T) {
	l := New(Config{RequestsPerHour: 500, Burst: 5}, map[string]Config{
		"runsignup": {RequestsPerHour: 1000, Burst: 10},
	})

	assert.Equal(t, Config{RequestsPerHour: 1000, Burst: 10}, l.configFor(key{"p1", "runsignup"}))
	assert.Equal(t, Config{RequestsPerHour: 500, Burst: 5}, l.configFor(key{"p1", "haku"}))
}

func TestOnRateLimitedDrainsBucket(t *testing.T) {
	l := New(Config{RequestsPerHour: 3600, Burst: 5}, nil)
	before := l.Headroom("p1", "runsignup")
	l.OnRateLimited("p1", "runsignup", 10*time.Second)
	after := l.Headroom("p1", "runsignup")
	assert.Less(t, after, before)
}
