// Package memory is a thread-safe in-memory implementation of
// internal/store.Store, used by tests. cmd/engine does not use it: every
// mode there runs against the postgres store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raceops/provider-engine/internal/domain"
)

type eventKey struct {
	PartnerID       string
	ProviderID      string
	ProviderEventID string
}

type raceKey struct {
	PartnerID      string
	ProviderID     string
	ProviderRaceID string
}

type participantKey struct {
	PartnerID             string
	ProviderEventID       string
	ProviderParticipantID string
}

// Store is a thread-safe in-memory Canonical Store Gateway.
type Store struct {
	mu sync.RWMutex

	credentials  map[string]domain.Credential // key: partnerID + "|" + providerID
	events       map[eventKey]domain.Event
	races        map[raceKey]domain.Race
	participants map[participantKey]domain.Participant
	history      []domain.SyncHistoryRow
	rateSnapshot map[string]map[string]float64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		credentials:  make(map[string]domain.Credential),
		events:       make(map[eventKey]domain.Event),
		races:        make(map[raceKey]domain.Race),
		participants: make(map[participantKey]domain.Participant),
		rateSnapshot: make(map[string]map[string]float64),
	}
}

// SeedCredential registers a credential for tests without requiring a
// database round-trip.
func (s *Store) SeedCredential(cred domain.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.credentials[credKey(cred.PartnerID, cred.ProviderID)] = cred
}

func credKey(partnerID, providerID string) string {
	return partnerID + "|" + providerID
}

func (s *Store) GetCredential(_ context.Context, partnerID, providerID string) (domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.credentials[credKey(partnerID, providerID)]
	if !ok {
		return domain.Credential{}, fmt.Errorf("no credential for partner %s provider %s", partnerID, providerID)
	}
	return cred, nil
}

func (s *Store) ActiveCredentials(_ context.Context) ([]domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Credential, 0, len(s.credentials))
	for _, c := range s.credentials {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PartnerID != out[j].PartnerID {
			return out[i].PartnerID < out[j].PartnerID
		}
		return out[i].ProviderID < out[j].ProviderID
	})
	return out, nil
}

func (s *Store) EventKnown(_ context.Context, partnerID, providerID, providerEventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.events[eventKey{partnerID, providerID, providerEventID}]
	return ok, nil
}

func (s *Store) UpsertEvent(_ context.Context, event domain.Event) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := eventKey{event.PartnerID, event.ProviderID, event.ProviderEventID}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	s.events[k] = event
	return eventInternalID(k), nil
}

func eventInternalID(k eventKey) string {
	return fmt.Sprintf("event:%s:%s:%s", k.PartnerID, k.ProviderID, k.ProviderEventID)
}

func (s *Store) UpsertRace(_ context.Context, race domain.Race) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ek := eventKey{race.PartnerID, race.ProviderID, race.ProviderEventID}
	if _, ok := s.events[ek]; !ok {
		return "", fmt.Errorf("race %s references unknown event %s", race.ProviderRaceID, race.ProviderEventID)
	}

	k := raceKey{race.PartnerID, race.ProviderID, race.ProviderRaceID}
	s.races[k] = race
	return fmt.Sprintf("race:%s:%s:%s", k.PartnerID, k.ProviderID, k.ProviderRaceID), nil
}

func (s *Store) UpsertParticipantsBatch(_ context.Context, participants []domain.Participant, history domain.SyncHistoryRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range participants {
		rk := raceKey{p.PartnerID, p.ProviderID, p.ProviderRaceID}
		if _, ok := s.races[rk]; !ok {
			return fmt.Errorf("participant %s references unknown race %s", p.ProviderParticipantID, p.ProviderRaceID)
		}

		k := participantKey{p.PartnerID, p.ProviderEventID, p.ProviderParticipantID}
		if existing, ok := s.participants[k]; ok && !existing.LastModified.IsZero() && existing.LastModified.After(p.LastModified) {
			continue
		}
		s.participants[k] = p
	}

	return s.appendHistory(history)
}

func (s *Store) RecordSync(_ context.Context, history domain.SyncHistoryRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendHistory(history)
}

func (s *Store) appendHistory(h domain.SyncHistoryRow) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	s.history = append(s.history, h)
	return nil
}

func (s *Store) LastSyncTime(_ context.Context, partnerID, providerID, providerEventID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest time.Time
	for _, h := range s.history {
		if h.PartnerID != partnerID || h.ProviderID != providerID || h.EventID != providerEventID {
			continue
		}
		if h.Status != domain.SyncStatusCompleted {
			continue
		}
		if h.FinishedAt.After(latest) {
			latest = h.FinishedAt
		}
	}
	return latest, nil
}

func (s *Store) FutureEvents(_ context.Context, horizon time.Duration) ([]domain.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	cutoff := now.Add(horizon)
	lookback := now.Add(-time.Hour)

	var out []domain.Event
	for _, e := range s.events {
		if e.StartTime.IsZero() {
			continue
		}
		if e.StartTime.Before(lookback) || e.StartTime.After(cutoff) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

// BackfillWorkList returns every known event as a (partner, provider, event)
// pair, sorted for deterministic resumption; partnerID filters to a single
// partner when non-empty.
func (s *Store) BackfillWorkList(_ context.Context, partnerID string) ([]domain.BackfillPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.BackfillPair
	for k := range s.events {
		if partnerID != "" && k.PartnerID != partnerID {
			continue
		}
		out = append(out, domain.BackfillPair{
			PartnerID:       k.PartnerID,
			ProviderID:      k.ProviderID,
			ProviderEventID: k.ProviderEventID,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PartnerID != out[j].PartnerID {
			return out[i].PartnerID < out[j].PartnerID
		}
		if out[i].ProviderID != out[j].ProviderID {
			return out[i].ProviderID < out[j].ProviderID
		}
		return out[i].ProviderEventID < out[j].ProviderEventID
	})
	return out, nil
}

// CheckConstraints is always satisfied in memory: uniqueness is enforced by
// the map keys themselves.
func (s *Store) CheckConstraints(_ context.Context) error {
	return nil
}

func (s *Store) SaveRateLimitSnapshot(_ context.Context, partnerID, providerID string, tokens float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rateSnapshot[partnerID] == nil {
		s.rateSnapshot[partnerID] = map[string]float64{}
	}
	s.rateSnapshot[partnerID][providerID] = tokens
	return nil
}

func (s *Store) LoadRateLimitSnapshots(_ context.Context) (map[string]map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]map[string]float64, len(s.rateSnapshot))
	for partnerID, byProvider := range s.rateSnapshot {
		cp := make(map[string]float64, len(byProvider))
		for k, v := range byProvider {
			cp[k] = v
		}
		out[partnerID] = cp
	}
	return out, nil
}
