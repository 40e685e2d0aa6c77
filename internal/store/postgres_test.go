package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-health/vitals-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresFromPool(mock), mock
}

func TestPostgresStore_Insert_DuplicateMapsToErrDuplicate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO metric_records`).
		WithArgs(pgxmock.AnyArg(), "user-1", "activity_steps", "activity", 512.0, "count",
			pgxmock.AnyArg(), pgxmock.AnyArg(), "fitpulse", 1.0, pgxmock.AnyArg(), false, pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := s.Insert(context.Background(), model.MetricRecord{
		UserID:       "user-1",
		MetricType:   "activity_steps",
		Category:     model.CategoryActivity,
		Value:        512,
		Unit:         "count",
		RecordedAt:   time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		SourceName:   "fitpulse",
		QualityScore: 1.0,
	})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrDuplicate))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Insert_Success(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO metric_records`).
		WithArgs(pgxmock.AnyArg(), "user-1", "heart_rate", "heart_health", 62.0, "bpm",
			pgxmock.AnyArg(), pgxmock.AnyArg(), "fitpulse", 1.0, pgxmock.AnyArg(), false, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	id, err := s.Insert(context.Background(), model.MetricRecord{
		UserID:       "user-1",
		MetricType:   "heart_rate",
		Category:     model.CategoryHeartHealth,
		Value:        62,
		Unit:         "bpm",
		RecordedAt:   time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
		SourceName:   "fitpulse",
		QualityScore: 1.0,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindCandidateMatches(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	recordedAt := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	createdAt := time.Date(2026, 3, 1, 9, 31, 0, 0, time.UTC)
	rows := pgxmock.NewRows([]string{
		"id", "user_id", "metric_type", "category", "value", "unit",
		"recorded_at", "source_name", "quality_score", "source_payload", "is_primary", "created_at",
	}).AddRow("rec-1", "user-1", "heart_rate", "heart_health", 62.0, "bpm",
		recordedAt, "fitpulse", 1.0, []byte(nil), true, createdAt)

	mock.ExpectQuery(`SELECT .+ FROM metric_records WHERE user_id = \$1 AND metric_type = \$2 AND recorded_at BETWEEN`).
		WithArgs("user-1", "heart_rate", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(rows)

	got, err := s.FindCandidateMatches(context.Background(), "user-1", "heart_rate", Window(recordedAt, time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "rec-1", got[0].ID)
	assert.True(t, got[0].IsPrimary)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetPrimary_EmptyIsNoop(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	err := s.SetPrimary(context.Background(), nil, true)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkJobProcessing_NotPending(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE ingestion_jobs SET status = 'processing'`).
		WithArgs("job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MarkJobProcessing(context.Background(), "job-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not pending")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateJobProgress_MonotonicClause(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`GREATEST\(progress_percent, \$1\)`).
		WithArgs(40, int64(400), int64(3), pgxmock.AnyArg(), "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	total := int64(1000)
	err := s.UpdateJobProgress(context.Background(), "job-1", 40, 400, 3, &total)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FailJob_AlreadyTerminal(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE ingestion_jobs SET status = 'failed'`).
		WithArgs("parse failure", "job-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.FailJob(context.Background(), "job-1", "parse failure")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ConnectedSources_RegistryStates(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	ctx := context.Background()

	// No rows at all: the user never configured a registry.
	mock.ExpectQuery(`SELECT source_name, status FROM source_connections`).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"source_name", "status"}))

	sources, configured, err := s.ConnectedSources(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, sources)
	assert.False(t, configured)

	// Every source disconnected: still a configured registry.
	mock.ExpectQuery(`SELECT source_name, status FROM source_connections`).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"source_name", "status"}).
			AddRow("fitpulse", "disconnected").
			AddRow("pulseband", "disconnected"))

	sources, configured, err = s.ConnectedSources(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, sources)
	assert.True(t, configured)

	// Mixed: only connected rows come back as sources.
	mock.ExpectQuery(`SELECT source_name, status FROM source_connections`).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"source_name", "status"}).
			AddRow("fitpulse", "connected").
			AddRow("pulseband", "disconnected"))

	sources, configured, err = s.ConnectedSources(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"fitpulse"}, sources)
	assert.True(t, configured)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetPreference_NotConfigured(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT rankings, conflict_resolution FROM source_preferences`).
		WithArgs("user-1").
		WillReturnError(pgx.ErrNoRows)

	pref, err := s.GetPreference(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Nil(t, pref)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutPreference_RejectsUnknownPolicy(t *testing.T) {
	s, _ := newMockPostgresStore(t)

	err := s.PutPreference(context.Background(), model.SourcePreference{
		UserID: "user-1",
		Policy: "coin_flip",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown conflict policy")
}

func TestPostgresStore_MergeMetadata_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE metric_records SET source_payload`).
		WithArgs(pgxmock.AnyArg(), "missing-id").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.MergeMetadata(context.Background(), "missing-id", map[string]any{"device": "watch"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertSynthetic_ReturnsExistingID(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`ON CONFLICT \(user_id, metric_type, source_name, recorded_at\)`).
		WithArgs(pgxmock.AnyArg(), "user-1", "body_weight", "body_composition", 81.5, "kg",
			pgxmock.AnyArg(), pgxmock.AnyArg(), model.SyntheticSource, pgxmock.AnyArg(), pgxmock.AnyArg(), true, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("existing-id"))

	id, err := s.UpsertSynthetic(context.Background(), model.MetricRecord{
		UserID:     "user-1",
		MetricType: "body_weight",
		Category:   model.CategoryBodyComposition,
		Value:      81.5,
		Unit:       "kg",
		RecordedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
		SourceName: model.SyntheticSource,
		IsPrimary:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, "existing-id", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}
