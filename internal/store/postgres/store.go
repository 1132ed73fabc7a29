// Package postgres implements internal/store.Store against PostgreSQL via
// database/sql and github.com/lib/pq, following the teacher's BaseStore
// transaction-context pattern.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/raceops/provider-engine/internal/domain"
	"github.com/raceops/provider-engine/internal/logging"
	"github.com/raceops/provider-engine/internal/provider"
	"github.com/raceops/provider-engine/internal/store"
)

var log = logging.NewDefault("postgres-store")

// Store is the PostgreSQL-backed Canonical Store Gateway.
type Store struct {
	base
}

// New wraps an already-opened connection pool.
func New(db *sql.DB) *Store {
	return &Store{base: base{db: db}}
}

var _ store.Store = (*Store)(nil)

func (s *Store) GetCredential(ctx context.Context, partnerID, providerID string) (domain.Credential, error) {
	const q = `
		SELECT partner_id, provider_id, principal, secret, extras
		FROM partner_provider_credentials
		WHERE partner_id = $1 AND provider_id = $2`

	var cred domain.Credential
	var extrasRaw []byte
	row := s.querier(ctx).QueryRowContext(ctx, q, partnerID, providerID)
	if err := row.Scan(&cred.PartnerID, &cred.ProviderID, &cred.Principal, &cred.Secret, &extrasRaw); err != nil {
		if err == sql.ErrNoRows {
			return domain.Credential{}, fmt.Errorf("no credential for partner %s provider %s: %w", partnerID, providerID, err)
		}
		return domain.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	if len(extrasRaw) > 0 {
		extras := map[string]string{}
		if err := json.Unmarshal(extrasRaw, &extras); err != nil {
			return domain.Credential{}, fmt.Errorf("decode credential extras: %w", err)
		}
		cred.Extras = extras
	}
	return cred, nil
}

func (s *Store) ActiveCredentials(ctx context.Context) ([]domain.Credential, error) {
	const q = `SELECT partner_id, provider_id, principal, secret, extras FROM partner_provider_credentials`

	rows, err := s.querier(ctx).QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list active credentials: %w", err)
	}
	defer rows.Close()

	var out []domain.Credential
	for rows.Next() {
		var cred domain.Credential
		var extrasRaw []byte
		if err := rows.Scan(&cred.PartnerID, &cred.ProviderID, &cred.Principal, &cred.Secret, &extrasRaw); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		if len(extrasRaw) > 0 {
			extras := map[string]string{}
			if err := json.Unmarshal(extrasRaw, &extras); err != nil {
				return nil, fmt.Errorf("decode credential extras: %w", err)
			}
			cred.Extras = extras
		}
		out = append(out, cred)
	}
	return out, rows.Err()
}

func (s *Store) EventKnown(ctx context.Context, partnerID, providerID, providerEventID string) (bool, error) {
	const q = `
		SELECT EXISTS(
			SELECT 1 FROM events
			WHERE partner_id = $1 AND provider_id = $2 AND provider_event_id = $3
		)`

	var known bool
	row := s.querier(ctx).QueryRowContext(ctx, q, partnerID, providerID, providerEventID)
	if err := row.Scan(&known); err != nil {
		return false, fmt.Errorf("check event known: %w", err)
	}
	return known, nil
}

func (s *Store) UpsertEvent(ctx context.Context, event domain.Event) (string, error) {
	const q = `
		INSERT INTO events (id, partner_id, provider_id, provider_event_id, name, start_time, created_at, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (partner_id, provider_id, provider_event_id) DO UPDATE SET
			name = EXCLUDED.name,
			start_time = EXCLUDED.start_time,
			raw_payload = EXCLUDED.raw_payload
		RETURNING id`

	payload := event.RawPayload
	if payload == nil {
		payload = json.RawMessage("{}")
	}
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var id string
	row := s.querier(ctx).QueryRowContext(ctx, q,
		uuid.NewString(), event.PartnerID, event.ProviderID, event.ProviderEventID,
		event.Name, ptrToNullTime(timeOrNil(event.StartTime)), createdAt, []byte(payload))
	if err := row.Scan(&id); err != nil {
		return "", fmt.Errorf("upsert event: %w", err)
	}
	return id, nil
}

func (s *Store) UpsertRace(ctx context.Context, race domain.Race) (string, error) {
	const q = `
		INSERT INTO races (id, event_id, partner_id, provider_id, provider_race_id, name, distance, start_time, raw_payload)
		SELECT $1, e.id, $2, $3, $4, $5, $6, $7, $8
		FROM events e
		WHERE e.partner_id = $2 AND e.provider_id = $3 AND e.provider_event_id = $9
		ON CONFLICT (partner_id, provider_id, provider_race_id) DO UPDATE SET
			name = EXCLUDED.name,
			distance = EXCLUDED.distance,
			start_time = EXCLUDED.start_time,
			raw_payload = EXCLUDED.raw_payload
		RETURNING id`

	payload := race.RawPayload
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	var id string
	row := s.querier(ctx).QueryRowContext(ctx, q,
		uuid.NewString(), race.PartnerID, race.ProviderID, race.ProviderRaceID,
		race.Name, ptrToNullString(strOrNil(race.Distance)), ptrToNullTime(timeOrNil(race.StartTime)),
		[]byte(payload), race.ProviderEventID)
	if err := row.Scan(&id); err != nil {
		return "", fmt.Errorf("upsert race: %w", err)
	}
	return id, nil
}

func (s *Store) UpsertParticipantsBatch(ctx context.Context, participants []domain.Participant, history domain.SyncHistoryRow) error {
	return s.withTx(ctx, func(ctx context.Context) error {
		for _, p := range participants {
			err := s.upsertParticipant(ctx, p)
			var ie *provider.IntegrityError
			if errors.As(err, &ie) {
				history.Errors++
				log.WithField("partner_id", p.PartnerID).
					WithField("provider_id", p.ProviderID).
					WithField("provider_participant_id", p.ProviderParticipantID).
					WithError(ie).
					Warn("participant skipped: integrity error")
				continue
			}
			if err != nil {
				return err
			}
		}
		return s.insertSyncHistory(ctx, history)
	})
}

// resolveEventRace looks up the internal ids of the event/race a participant
// references, so upsertParticipant can tell "parent missing" (an
// IntegrityError) apart from "row not updated because it's already fresher"
// (a silent, expected no-op under the ON CONFLICT ... WHERE staleness guard).
func (s *Store) resolveEventRace(ctx context.Context, p domain.Participant) (eventID, raceID string, err error) {
	const q = `
		SELECT e.id, r.id
		FROM events e
		JOIN races r ON r.event_id = e.id AND r.partner_id = $1 AND r.provider_id = $2 AND r.provider_race_id = $4
		WHERE e.partner_id = $1 AND e.provider_id = $2 AND e.provider_event_id = $3`

	row := s.querier(ctx).QueryRowContext(ctx, q, p.PartnerID, p.ProviderID, p.ProviderEventID, p.ProviderRaceID)
	if scanErr := row.Scan(&eventID, &raceID); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return "", "", &provider.IntegrityError{
				Detail: fmt.Sprintf("participant %s references race %s not found under event %s", p.ProviderParticipantID, p.ProviderRaceID, p.ProviderEventID),
			}
		}
		return "", "", fmt.Errorf("resolve participant %s parent: %w", p.ProviderParticipantID, scanErr)
	}
	return eventID, raceID, nil
}

func (s *Store) upsertParticipant(ctx context.Context, p domain.Participant) error {
	const q = `
		INSERT INTO participants (
			id, partner_id, provider_id, provider_event_id, event_id, race_id, provider_participant_id,
			first_name, last_name, email, dob, gender, phone, bib, chip, age,
			registration_date, last_modified, fetched_date,
			team_info, payment_info, address, additional_data, raw_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19,
			$20, $21, $22, $23, $24)
		ON CONFLICT (partner_id, provider_event_id, provider_participant_id) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			email = EXCLUDED.email,
			dob = EXCLUDED.dob,
			gender = EXCLUDED.gender,
			phone = EXCLUDED.phone,
			bib = EXCLUDED.bib,
			chip = EXCLUDED.chip,
			age = EXCLUDED.age,
			registration_date = EXCLUDED.registration_date,
			last_modified = EXCLUDED.last_modified,
			fetched_date = EXCLUDED.fetched_date,
			team_info = EXCLUDED.team_info,
			payment_info = EXCLUDED.payment_info,
			address = EXCLUDED.address,
			additional_data = EXCLUDED.additional_data,
			raw_payload = EXCLUDED.raw_payload
		WHERE participants.last_modified IS NULL OR participants.last_modified <= EXCLUDED.last_modified`

	eventID, raceID, err := s.resolveEventRace(ctx, p)
	if err != nil {
		return err
	}

	payload := p.RawPayload
	if payload == nil {
		payload = json.RawMessage("{}")
	}

	_, err = s.querier(ctx).ExecContext(ctx, q,
		uuid.NewString(), p.PartnerID, p.ProviderID, p.ProviderEventID, eventID, raceID, p.ProviderParticipantID,
		ptrToNullString(strOrNil(p.FirstName)), ptrToNullString(strOrNil(p.LastName)), ptrToNullString(strOrNil(p.Email)),
		ptrToNullTime(p.DOB), ptrToNullString(strOrNil(p.Gender)), ptrToNullString(strOrNil(p.Phone)),
		ptrToNullString(strOrNil(p.Bib)), ptrToNullString(strOrNil(p.Chip)), intPtrToNullInt64(p.Age),
		ptrToNullTime(timeOrNil(p.RegistrationDate)), ptrToNullTime(timeOrNil(p.LastModified)), p.FetchedDate,
		nullableJSON(p.TeamInfo), nullableJSON(p.PaymentInfo), nullableJSON(p.Address), nullableJSON(p.AdditionalData),
		[]byte(payload))
	if err != nil {
		return fmt.Errorf("upsert participant %s: %w", p.ProviderParticipantID, err)
	}
	return nil
}

func (s *Store) RecordSync(ctx context.Context, history domain.SyncHistoryRow) error {
	return s.insertSyncHistory(ctx, history)
}

func (s *Store) insertSyncHistory(ctx context.Context, h domain.SyncHistoryRow) error {
	const q = `
		INSERT INTO sync_history (
			id, partner_id, provider_id, event_id, sync_kind, started_at, finished_at, status,
			events_synced, participants_synced, errors, reason)
		SELECT $1, $2, $3, e.id, $4, $5, $6, $7, $8, $9, $10, $11
		FROM (SELECT 1) dummy
		LEFT JOIN events e ON e.partner_id = $2 AND e.provider_id = $3 AND e.provider_event_id = $12`

	id := h.ID
	if id == "" {
		id = uuid.NewString()
	}

	_, err := s.querier(ctx).ExecContext(ctx, q,
		id, h.PartnerID, h.ProviderID, string(h.SyncKind), h.StartedAt,
		ptrToNullTime(timeOrNil(h.FinishedAt)), string(h.Status),
		h.EventsSynced, h.ParticipantsSynced, h.Errors, ptrToNullString(strOrNil(h.Reason)), h.EventID)
	if err != nil {
		return fmt.Errorf("insert sync history: %w", err)
	}
	return nil
}

func (s *Store) LastSyncTime(ctx context.Context, partnerID, providerID, providerEventID string) (time.Time, error) {
	const q = `
		SELECT sh.finished_at
		FROM sync_history sh
		JOIN events e ON e.id = sh.event_id
		WHERE sh.partner_id = $1 AND sh.provider_id = $2 AND e.provider_event_id = $3
			AND sh.status = 'completed' AND sh.finished_at IS NOT NULL
		ORDER BY sh.finished_at DESC
		LIMIT 1`

	var finishedAt sql.NullTime
	row := s.querier(ctx).QueryRowContext(ctx, q, partnerID, providerID, providerEventID)
	if err := row.Scan(&finishedAt); err != nil {
		if err == sql.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("last sync time: %w", err)
	}
	if t := nullTimeToPtr(finishedAt); t != nil {
		return *t, nil
	}
	return time.Time{}, nil
}

// FutureEvents returns events starting within horizon of now, plus events
// that started up to one hour ago: the scheduler's high band still wants
// events that started recently, and it is the scheduler's own grace-period
// check (not this query) that decides when an in-progress event finally
// drops off entirely.
func (s *Store) FutureEvents(ctx context.Context, horizon time.Duration) ([]domain.Event, error) {
	const q = `
		SELECT partner_id, provider_id, provider_event_id, name, start_time, created_at, raw_payload
		FROM events
		WHERE start_time IS NOT NULL
			AND start_time <= now() + ($1 * interval '1 second')
			AND start_time >= now() - interval '1 hour'
		ORDER BY start_time ASC`

	rows, err := s.querier(ctx).QueryContext(ctx, q, horizon.Seconds())
	if err != nil {
		return nil, fmt.Errorf("future events: %w", err)
	}
	defer rows.Close()

	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var start sql.NullTime
		var raw []byte
		if err := rows.Scan(&e.PartnerID, &e.ProviderID, &e.ProviderEventID, &e.Name, &start, &e.CreatedAt, &raw); err != nil {
			return nil, fmt.Errorf("scan future event: %w", err)
		}
		if t := nullTimeToPtr(start); t != nil {
			e.StartTime = *t
		}
		e.RawPayload = raw
		out = append(out, e)
	}
	return out, rows.Err()
}

// BackfillWorkList returns every known event as a (partner, provider, event)
// pair, ordered for deterministic resumption; partnerID filters to a single
// partner when non-empty.
func (s *Store) BackfillWorkList(ctx context.Context, partnerID string) ([]domain.BackfillPair, error) {
	const q = `
		SELECT partner_id, provider_id, provider_event_id
		FROM events
		WHERE $1 = '' OR partner_id = $1
		ORDER BY partner_id, provider_id, provider_event_id`

	rows, err := s.querier(ctx).QueryContext(ctx, q, partnerID)
	if err != nil {
		return nil, fmt.Errorf("backfill work list: %w", err)
	}
	defer rows.Close()

	var out []domain.BackfillPair
	for rows.Next() {
		var p domain.BackfillPair
		if err := rows.Scan(&p.PartnerID, &p.ProviderID, &p.ProviderEventID); err != nil {
			return nil, fmt.Errorf("scan backfill pair: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("backfill work list: %w", err)
	}
	return out, nil
}

func (s *Store) CheckConstraints(ctx context.Context) error {
	required := map[string]string{
		"events":       "events_partner_id_provider_id_provider_event_id_key",
		"races":        "races_partner_id_provider_id_provider_race_id_key",
		"participants": "participants_partner_id_provider_event_id_provider_participant_id_key",
	}

	for table := range required {
		const q = `
			SELECT count(*) FROM pg_constraint c
			JOIN pg_class t ON t.oid = c.conrelid
			WHERE t.relname = $1 AND c.contype = 'u'`
		var count int
		if err := s.querier(ctx).QueryRowContext(ctx, q, table).Scan(&count); err != nil {
			return fmt.Errorf("check constraints on %s: %w", table, err)
		}
		if count == 0 {
			return &provider.SchemaError{Detail: fmt.Sprintf("table %s is missing its required unique constraint", table)}
		}
	}
	return nil
}

func (s *Store) SaveRateLimitSnapshot(ctx context.Context, partnerID, providerID string, tokens float64) error {
	const q = `
		INSERT INTO rate_limit_snapshots (partner_id, provider_id, tokens, snapshot_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (partner_id, provider_id) DO UPDATE SET tokens = EXCLUDED.tokens, snapshot_at = now()`

	_, err := s.querier(ctx).ExecContext(ctx, q, partnerID, providerID, tokens)
	if err != nil {
		return fmt.Errorf("save rate limit snapshot: %w", err)
	}
	return nil
}

func (s *Store) LoadRateLimitSnapshots(ctx context.Context) (map[string]map[string]float64, error) {
	const q = `SELECT partner_id, provider_id, tokens FROM rate_limit_snapshots`

	rows, err := s.querier(ctx).QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("load rate limit snapshots: %w", err)
	}
	defer rows.Close()

	out := map[string]map[string]float64{}
	for rows.Next() {
		var partnerID, providerID string
		var tokens float64
		if err := rows.Scan(&partnerID, &providerID, &tokens); err != nil {
			return nil, fmt.Errorf("scan rate limit snapshot: %w", err)
		}
		if out[partnerID] == nil {
			out[partnerID] = map[string]float64{}
		}
		out[partnerID][providerID] = tokens
	}
	return out, rows.Err()
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func strOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
