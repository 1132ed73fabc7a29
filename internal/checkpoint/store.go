// Package checkpoint implements the Checkpoint/Resume Store (C7) and the
// one-shot Backfill job runner built on top of it.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/raceops/provider-engine/internal/domain"
)

// ErrNotFound is returned by Store.Load when no checkpoint exists for a run.
var ErrNotFound = errors.New("checkpoint: not found")

// Store persists BackfillCheckpoint rows. Rewrites are atomic: Save always
// replaces the whole row in one statement, never a partial field update.
type Store interface {
	Save(ctx context.Context, ckpt domain.BackfillCheckpoint) error
	Load(ctx context.Context, runID string) (domain.BackfillCheckpoint, error)
	Archive(ctx context.Context, runID string) error
}

// PostgresStore implements Store against the backfill_checkpoints table.
type PostgresStore struct {
	db *sql.DB
}

// New constructs a PostgresStore.
func New(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Save upserts the checkpoint, replacing its pairs and progress marker
// entirely (spec.md section 4.6: "rewriting it is atomic").
func (s *PostgresStore) Save(ctx context.Context, ckpt domain.BackfillCheckpoint) error {
	pairsJSON, err := json.Marshal(ckpt.WorkList)
	if err != nil {
		return fmt.Errorf("marshal checkpoint pairs: %w", err)
	}

	const q = `
		INSERT INTO backfill_checkpoints (run_id, pairs, last_completed, updated_at, archived)
		VALUES ($1, $2, $3, now(), false)
		ON CONFLICT (run_id) DO UPDATE SET
			pairs = EXCLUDED.pairs,
			last_completed = EXCLUDED.last_completed,
			updated_at = now()`

	if _, err := s.db.ExecContext(ctx, q, ckpt.RunID, pairsJSON, ckpt.LastCompleted); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", ckpt.RunID, err)
	}
	return nil
}

// Load returns the checkpoint for runID, or ErrNotFound if none exists.
func (s *PostgresStore) Load(ctx context.Context, runID string) (domain.BackfillCheckpoint, error) {
	const q = `SELECT pairs, last_completed, updated_at FROM backfill_checkpoints WHERE run_id = $1 AND NOT archived`

	var pairsJSON []byte
	var lastCompleted int
	var updatedAt time.Time

	row := s.db.QueryRowContext(ctx, q, runID)
	if err := row.Scan(&pairsJSON, &lastCompleted, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.BackfillCheckpoint{}, ErrNotFound
		}
		return domain.BackfillCheckpoint{}, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}

	var pairs []domain.BackfillPair
	if err := json.Unmarshal(pairsJSON, &pairs); err != nil {
		return domain.BackfillCheckpoint{}, fmt.Errorf("unmarshal checkpoint pairs: %w", err)
	}

	return domain.BackfillCheckpoint{
		RunID:         runID,
		WorkList:      pairs,
		LastCompleted: lastCompleted,
		UpdatedAt:     updatedAt,
	}, nil
}

// Archive marks a checkpoint row as archived. Archived checkpoints are never
// resumed, but stay on disk for audit.
func (s *PostgresStore) Archive(ctx context.Context, runID string) error {
	const q = `UPDATE backfill_checkpoints SET archived = true, updated_at = now() WHERE run_id = $1`
	if _, err := s.db.ExecContext(ctx, q, runID); err != nil {
		return fmt.Errorf("archive checkpoint %s: %w", runID, err)
	}
	return nil
}
