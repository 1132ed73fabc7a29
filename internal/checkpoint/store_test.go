package checkpoint

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raceops/provider-engine/internal/domain"
)

func TestSaveUpsertsCheckpoint(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("INSERT INTO backfill_checkpoints").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	err = s.Save(context.Background(), domain.BackfillCheckpoint{
		RunID:         "run-1",
		WorkList:      []domain.BackfillPair{{PartnerID: "p1", ProviderID: "runsignup", ProviderEventID: "ev-1"}},
		LastCompleted: -1,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoadReturnsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT pairs, last_completed, updated_at").
		WillReturnError(sql.ErrNoRows)

	s := New(db)
	_, err = s.Load(context.Background(), "missing-run")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveMarksRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE backfill_checkpoints SET archived").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := New(db)
	require.NoError(t, s.Archive(context.Background(), "run-1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
