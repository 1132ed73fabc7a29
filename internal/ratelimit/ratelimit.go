// Package ratelimit enforces per-credential outbound call budgets: one
// token bucket per (partner_id, provider_id), continuous (not bursty)
// refill, persisted periodically so a process restart cannot silently
// double the effective quota within a refill window.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config describes one (partner, provider) bucket's shape.
type Config struct {
	RequestsPerHour float64
	Burst           int
}

// key identifies one bucket.
type key struct {
	PartnerID  string
	ProviderID string
}

// Limiter owns one token bucket per (partner_id, provider_id) pair.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[key]*rate.Limiter
	configs  map[string]Config // by provider_id; partner-level overrides are looked up first
	overrides map[key]Config
	defaultConfig Config
}

// New constructs a Limiter. defaultConfig applies to any (partner, provider)
// pair without a more specific entry in perProvider.
func New(defaultConfig Config, perProvider map[string]Config) *Limiter {
	if defaultConfig.RequestsPerHour <= 0 {
		defaultConfig.RequestsPerHour = 1000
	}
	if defaultConfig.Burst <= 0 {
		defaultConfig.Burst = 10
	}
	if perProvider == nil {
		perProvider = map[string]Config{}
	}
	return &Limiter{
		buckets:       make(map[key]*rate.Limiter),
		configs:       perProvider,
		overrides:     make(map[key]Config),
		defaultConfig: defaultConfig,
	}
}

// SetOverride pins a specific (partner, provider) pair to cfg, taking
// priority over both the provider-level and default configuration.
func (l *Limiter) SetOverride(partnerID, providerID string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[key{partnerID, providerID}] = cfg
	delete(l.buckets, key{partnerID, providerID})
}

func (l *Limiter) configFor(k key) Config {
	if cfg, ok := l.overrides[k]; ok {
		return cfg
	}
	if cfg, ok := l.configs[k.ProviderID]; ok {
		return cfg
	}
	return l.defaultConfig
}

func (l *Limiter) bucket(k key) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[k]; ok {
		return b
	}
	cfg := l.configFor(k)
	perSecond := cfg.RequestsPerHour / 3600
	// Buckets initialise empty and refill from "now" (spec.md section 4.2):
	// a restart never grants a fresh full burst of tokens.
	b := rate.NewLimiter(rate.Limit(perSecond), cfg.Burst)
	b.AllowN(time.Now(), cfg.Burst)
	l.buckets[k] = b
	return b
}

// Acquire blocks cooperatively until one token is available for
// (partnerID, providerID), then consumes it. It never acquires more than
// one token at a time.
func (l *Limiter) Acquire(ctx context.Context, partnerID, providerID string) error {
	b := l.bucket(key{partnerID, providerID})
	if err := b.Wait(ctx); err != nil {
		return fmt.Errorf("acquire token for %s/%s: %w", partnerID, providerID, err)
	}
	return nil
}

// OnRateLimited forces the bucket for (partnerID, providerID) empty for at
// least retryAfter, reflecting a provider-signalled RateLimited error.
func (l *Limiter) OnRateLimited(partnerID, providerID string, retryAfter time.Duration) {
	b := l.bucket(key{partnerID, providerID})
	if retryAfter <= 0 {
		return
	}
	// ReserveN rejects any n above the burst, so the drain is reserved in
	// burst-sized chunks: the tokens held now plus retryAfter's worth of
	// refill, which leaves the bucket empty for at least retryAfter.
	now := time.Now()
	cfg := func() Config {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.configFor(key{partnerID, providerID})
	}()
	tokensToDrain := b.TokensAt(now) + cfg.RequestsPerHour/3600*retryAfter.Seconds()
	if tokensToDrain < 1 {
		tokensToDrain = 1
	}
	for burst := b.Burst(); tokensToDrain > 0 && burst > 0; {
		n := min(burst, int(math.Ceil(tokensToDrain)))
		if !b.ReserveN(now, n).OK() {
			return
		}
		tokensToDrain -= float64(n)
	}
}

// Headroom reports the number of tokens currently available without
// blocking, used by the Discovery Worker to yield before starving sync
// traffic on the same bucket.
func (l *Limiter) Headroom(partnerID, providerID string) float64 {
	b := l.bucket(key{partnerID, providerID})
	return b.TokensAt(time.Now())
}

// SetSnapshot warm-starts the bucket for (partnerID, providerID) from a
// persisted token level. It only ever drains further toward that level,
// never grants extra tokens above what the bucket already holds: a restart
// must never produce a fresher, fuller bucket than the one it replaced
// (spec.md section 4.2).
func (l *Limiter) SetSnapshot(partnerID, providerID string, tokens float64) {
	b := l.bucket(key{partnerID, providerID})
	now := time.Now()
	deficit := b.TokensAt(now) - tokens
	if deficit > 0 {
		b.ReserveN(now, int(deficit))
	}
}

// Snapshot captures current token levels across all known buckets, for
// periodic persistence (Snapshotter).
func (l *Limiter) Snapshot() map[string]map[string]float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]map[string]float64)
	now := time.Now()
	for k, b := range l.buckets {
		if out[k.PartnerID] == nil {
			out[k.PartnerID] = make(map[string]float64)
		}
		out[k.PartnerID][k.ProviderID] = b.TokensAt(now)
	}
	return out
}
