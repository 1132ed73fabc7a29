package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/raceops/provider-engine/internal/domain"
)

func TestUpsertEventReturnsID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("INSERT INTO events").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("11111111-1111-1111-1111-111111111111"))

	s := New(db)
	id, err := s.UpsertEvent(context.Background(), domain.Event{
		PartnerID:       "p1",
		ProviderID:      "runsignup",
		ProviderEventID: "ev-1",
		Name:            "Spring 5K",
		StartTime:       time.Now().Add(24 * time.Hour),
	})
	require.NoError(t, err)
	require.Equal(t, "11111111-1111-1111-1111-111111111111", id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertParticipantsBatchCommitsOncePerEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT e.id, r.id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "id"}).AddRow("e-1", "r-1"))
	mock.ExpectExec("INSERT INTO participants").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO sync_history").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := New(db)
	err = s.UpsertParticipantsBatch(context.Background(), []domain.Participant{
		{
			PartnerID:             "p1",
			ProviderID:            "runsignup",
			ProviderEventID:       "ev-1",
			ProviderRaceID:        "race-1",
			ProviderParticipantID: "reg-1",
			FetchedDate:           time.Now(),
		},
	}, domain.SyncHistoryRow{
		PartnerID:  "p1",
		ProviderID: "runsignup",
		SyncKind:   domain.SyncKindIncremental,
		Status:     domain.SyncStatusCompleted,
		StartedAt:  time.Now(),
		FinishedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertParticipantsBatchRollsBackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT e.id, r.id").
		WillReturnRows(sqlmock.NewRows([]string{"id", "id"}).AddRow("e-1", "r-1"))
	mock.ExpectExec("INSERT INTO participants").WillReturnError(sqlmock.ErrCancelled)
	mock.ExpectRollback()

	s := New(db)
	err = s.UpsertParticipantsBatch(context.Background(), []domain.Participant{
		{PartnerID: "p1", ProviderID: "runsignup", ProviderEventID: "ev-1", ProviderParticipantID: "reg-1"},
	}, domain.SyncHistoryRow{PartnerID: "p1", ProviderID: "runsignup"})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckConstraintsFailsWhenMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT count").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	s := New(db)
	err = s.CheckConstraints(context.Background())
	require.Error(t, err)
}
