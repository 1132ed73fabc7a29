package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raceops/provider-engine/internal/domain"
	"github.com/raceops/provider-engine/internal/logging"
	syncpkg "github.com/raceops/provider-engine/internal/sync"
)

// Runner executes a one-shot backfill: an ordered list of (partner,
// provider, event) pairs run through the Sync Executor as forced-full syncs,
// with progress checkpointed after every pair so a crashed run resumes from
// its last completed pair instead of starting over.
type Runner struct {
	checkpoints Store
	executor    *syncpkg.Executor
	log         *logging.Logger
}

// NewRunner constructs a backfill Runner.
func NewRunner(checkpoints Store, executor *syncpkg.Executor, log *logging.Logger) *Runner {
	if log == nil {
		log = logging.NewDefault("backfill-runner")
	}
	return &Runner{checkpoints: checkpoints, executor: executor, log: log}
}

// Run executes runID's work list, resuming from an existing checkpoint if
// one is found. In dryRun mode, no sync is dispatched and no checkpoint
// progress is written; Run only logs what it would have done.
func (r *Runner) Run(ctx context.Context, runID string, pairs []domain.BackfillPair, dryRun bool) error {
	ckpt, err := r.checkpoints.Load(ctx, runID)
	switch {
	case errors.Is(err, ErrNotFound):
		ckpt = domain.BackfillCheckpoint{RunID: runID, WorkList: pairs, LastCompleted: -1}
		if !dryRun {
			if err := r.checkpoints.Save(ctx, ckpt); err != nil {
				return fmt.Errorf("save initial checkpoint: %w", err)
			}
		}
	case err != nil:
		return fmt.Errorf("load checkpoint %s: %w", runID, err)
	default:
		r.log.WithField("run_id", runID).
			WithField("resume_from", ckpt.LastCompleted+1).
			WithField("total", len(ckpt.WorkList)).
			Info("resuming backfill from checkpoint")
	}

	for i := ckpt.LastCompleted + 1; i < len(ckpt.WorkList); i++ {
		pair := ckpt.WorkList[i]
		eventRef := domain.EventRef{PartnerID: pair.PartnerID, ProviderID: pair.ProviderID, ProviderEventID: pair.ProviderEventID}

		logger := r.log.WithField("run_id", runID).
			WithField("partner_id", pair.PartnerID).
			WithField("provider_id", pair.ProviderID).
			WithField("event_id", pair.ProviderEventID).
			WithField("index", i)

		if dryRun {
			logger.Info("backfill dry run: would sync")
			continue
		}

		if err := r.executor.Run(ctx, eventRef, syncpkg.Options{ForceFull: true}); err != nil {
			logger.WithError(err).Warn("backfill pair failed, leaving checkpoint at last successful pair")
			return fmt.Errorf("backfill pair %d (%s/%s/%s): %w", i, pair.PartnerID, pair.ProviderID, pair.ProviderEventID, err)
		}

		ckpt.LastCompleted = i
		ckpt.UpdatedAt = time.Now().UTC()
		if err := r.checkpoints.Save(ctx, ckpt); err != nil {
			return fmt.Errorf("save checkpoint after pair %d: %w", i, err)
		}
	}

	if dryRun {
		return nil
	}

	if err := r.checkpoints.Archive(ctx, runID); err != nil {
		return fmt.Errorf("archive checkpoint %s: %w", runID, err)
	}
	r.log.WithField("run_id", runID).Info("backfill complete")
	return nil
}
