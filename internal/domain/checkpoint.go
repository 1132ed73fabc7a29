package domain

import "time"

// BackfillPair is one unit of work in a backfill's ordered work list.
type BackfillPair struct {
	PartnerID       string
	ProviderID      string
	ProviderEventID string
	// Cursor is an opaque, adapter-defined resumption token for the pair
	// (e.g. a page token). Empty if the pair has not started or the adapter
	// has no notion of a resumable cursor.
	Cursor string
}

// BackfillCheckpoint is the durable progress marker for a long backfill run.
// Rewriting it is atomic (a single upsert against its store).
type BackfillCheckpoint struct {
	RunID         string
	WorkList      []BackfillPair
	LastCompleted int // index into WorkList of the last successfully processed pair, -1 if none
	UpdatedAt     time.Time
}

// Done reports whether every pair in the work list has been processed.
func (c BackfillCheckpoint) Done() bool {
	return c.LastCompleted >= len(c.WorkList)-1
}
