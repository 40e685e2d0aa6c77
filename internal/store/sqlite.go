package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	sqlite "modernc.org/sqlite"

	"github.com/meridian-health/vitals-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs the
// single-user local mode; the Postgres store is the server deployment.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS metric_records (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	metric_type    TEXT NOT NULL,
	category       TEXT NOT NULL,
	value          REAL NOT NULL,
	unit           TEXT NOT NULL DEFAULT '',
	recorded_at    DATETIME NOT NULL,
	bucket_at      DATETIME NOT NULL,
	source_name    TEXT NOT NULL,
	quality_score  REAL NOT NULL DEFAULT 0,
	source_payload TEXT,
	is_primary     INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_metric_records_dedup
	ON metric_records(user_id, metric_type, source_name, recorded_at);

CREATE UNIQUE INDEX IF NOT EXISTS idx_metric_records_primary
	ON metric_records(user_id, metric_type, bucket_at) WHERE is_primary = 1;

CREATE INDEX IF NOT EXISTS idx_metric_records_window
	ON metric_records(user_id, metric_type, recorded_at);

CREATE INDEX IF NOT EXISTS idx_metric_records_category
	ON metric_records(user_id, category, bucket_at);

CREATE TABLE IF NOT EXISTS ingestion_jobs (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	origin           TEXT NOT NULL,
	origin_detail    TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	progress_percent INTEGER NOT NULL DEFAULT 0,
	total_units      INTEGER,
	processed_units  INTEGER NOT NULL DEFAULT 0,
	skipped_units    INTEGER NOT NULL DEFAULT 0,
	error_detail     TEXT,
	metadata         TEXT,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	started_at       DATETIME,
	completed_at     DATETIME,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_ingestion_jobs_user ON ingestion_jobs(user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS source_preferences (
	user_id             TEXT PRIMARY KEY,
	rankings            TEXT NOT NULL,
	conflict_resolution TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS source_connections (
	user_id      TEXT NOT NULL,
	source_name  TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'connected',
	connected_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (user_id, source_name)
);

CREATE TABLE IF NOT EXISTS raw_audit (
	job_id     TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_raw_audit_job ON raw_audit(job_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isSQLiteUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		// SQLITE_CONSTRAINT_UNIQUE and SQLITE_CONSTRAINT_PRIMARYKEY
		return se.Code() == 2067 || se.Code() == 1555
	}
	return false
}

const sqliteRecordCols = `id, user_id, metric_type, category, value, unit, recorded_at, source_name, quality_score, source_payload, is_primary, created_at`

func (s *SQLiteStore) FindCandidateMatches(ctx context.Context, userID, metricType string, window TimeWindow) ([]model.MetricRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRecordCols+` FROM metric_records
		 WHERE user_id = ? AND metric_type = ? AND recorded_at BETWEEN ? AND ? ORDER BY recorded_at`,
		userID, metricType, window.From.UTC(), window.To.UTC(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find matches for %s/%s", userID, metricType)
	}
	defer rows.Close()
	return scanSQLiteRecords(rows)
}

func (s *SQLiteStore) Insert(ctx context.Context, rec model.MetricRecord) (string, error) {
	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	payloadJSON, err := marshalPayload(rec.Payload)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO metric_records (id, user_id, metric_type, category, value, unit, recorded_at, bucket_at, source_name, quality_score, source_payload, is_primary, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, rec.UserID, rec.MetricType, string(rec.Category), rec.Value, rec.Unit,
		rec.RecordedAt.UTC(), rec.Bucket(), rec.SourceName, rec.QualityScore,
		payloadJSON, rec.IsPrimary, now,
	)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return "", ErrDuplicate
		}
		return "", eris.Wrap(err, "sqlite: insert record")
	}
	return id, nil
}

func (s *SQLiteStore) MergeMetadata(ctx context.Context, id string, patch map[string]any) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal patch")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE metric_records SET source_payload = json_patch(COALESCE(source_payload, '{}'), ?) WHERE id = ?`,
		string(patchJSON), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: merge metadata %s", id)
	}
	return checkRowsAffected(res, "record", id)
}

func (s *SQLiteStore) SetPrimary(ctx context.Context, ids []string, primary bool) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, 0, len(ids)+1)
	args = append(args, primary)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE metric_records SET is_primary = ? WHERE id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: set primary")
	}
	return nil
}

func (s *SQLiteStore) UpsertSynthetic(ctx context.Context, rec model.MetricRecord) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	payloadJSON, err := marshalPayload(rec.Payload)
	if err != nil {
		return "", err
	}

	var outID string
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO metric_records (id, user_id, metric_type, category, value, unit, recorded_at, bucket_at, source_name, quality_score, source_payload, is_primary, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, metric_type, source_name, recorded_at)
		 DO UPDATE SET value = excluded.value, quality_score = excluded.quality_score, source_payload = excluded.source_payload
		 RETURNING id`,
		id, rec.UserID, rec.MetricType, string(rec.Category), rec.Value, rec.Unit,
		rec.RecordedAt.UTC(), rec.Bucket(), rec.SourceName, rec.QualityScore,
		payloadJSON, rec.IsPrimary, now,
	).Scan(&outID)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: upsert synthetic")
	}
	return outID, nil
}

func (s *SQLiteStore) BucketRecords(ctx context.Context, userID string, cat model.Category, bucket time.Time) ([]model.MetricRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRecordCols+` FROM metric_records
		 WHERE user_id = ? AND category = ? AND bucket_at = ? ORDER BY recorded_at`,
		userID, string(cat), model.Bucket(bucket),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: bucket records for %s/%s", userID, cat)
	}
	defer rows.Close()
	return scanSQLiteRecords(rows)
}

func (s *SQLiteStore) Query(ctx context.Context, userID string, cat model.Category, from, to time.Time) ([]model.MetricRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteRecordCols+` FROM metric_records
		 WHERE user_id = ? AND category = ? AND recorded_at BETWEEN ? AND ? ORDER BY recorded_at, metric_type`,
		userID, string(cat), from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: query timeline for %s/%s", userID, cat)
	}
	defer rows.Close()
	return scanSQLiteRecords(rows)
}

func scanSQLiteRecords(rows *sql.Rows) ([]model.MetricRecord, error) {
	var records []model.MetricRecord
	for rows.Next() {
		var r model.MetricRecord
		var payloadJSON sql.NullString
		if err := rows.Scan(&r.ID, &r.UserID, &r.MetricType, &r.Category, &r.Value, &r.Unit,
			&r.RecordedAt, &r.SourceName, &r.QualityScore, &payloadJSON, &r.IsPrimary, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		if payloadJSON.Valid && payloadJSON.String != "" {
			if err := json.Unmarshal([]byte(payloadJSON.String), &r.Payload); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal payload")
			}
		}
		records = append(records, r)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: iterate records")
}

func (s *SQLiteStore) CreateJob(ctx context.Context, userID string, origin model.JobOrigin, originDetail string) (*model.IngestionJob, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingestion_jobs (id, user_id, origin, origin_detail, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, userID, string(origin), originDetail, string(model.JobStatusPending), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
	}

	return &model.IngestionJob{
		ID:           id,
		UserID:       userID,
		Origin:       origin,
		OriginDetail: originDetail,
		Status:       model.JobStatusPending,
		CreatedAt:    now,
	}, nil
}

const sqliteJobCols = `id, user_id, origin, origin_detail, status, progress_percent, total_units, processed_units, skipped_units, error_detail, metadata, cancel_requested, started_at, completed_at, created_at`

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.IngestionJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobCols+` FROM ingestion_jobs WHERE id = ?`, id,
	)
	j, err := scanSQLiteJob(row.Scan)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.IngestionJob, error) {
	query := `SELECT ` + sqliteJobCols + ` FROM ingestion_jobs WHERE 1=1`
	var args []any
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.IngestionJob
	for rows.Next() {
		j, err := scanSQLiteJob(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: iterate jobs")
}

func scanSQLiteJob(scan func(dest ...any) error) (*model.IngestionJob, error) {
	var j model.IngestionJob
	var errDetail, metaJSON sql.NullString
	err := scan(&j.ID, &j.UserID, &j.Origin, &j.OriginDetail, &j.Status, &j.ProgressPercent,
		&j.TotalUnits, &j.ProcessedUnits, &j.SkippedUnits, &errDetail, &metaJSON,
		&j.CancelRequested, &j.StartedAt, &j.CompletedAt, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	if errDetail.Valid {
		j.ErrorDetail = errDetail.String
	}
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &j.Metadata)
	}
	return &j, nil
}

func (s *SQLiteStore) MarkJobProcessing(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_jobs SET status = 'processing', started_at = ? WHERE id = ? AND status = 'pending'`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark processing %s", id)
	}
	return checkRowsAffected(res, "pending job", id)
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, id string, percent int, processed, skipped int64, total *int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_jobs SET progress_percent = MAX(progress_percent, ?), processed_units = ?, skipped_units = ?, total_units = COALESCE(?, total_units)
		 WHERE id = ? AND status = 'processing'`,
		percent, processed, skipped, total, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update progress %s", id)
	}
	return nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, metadata map[string]any) error {
	var metaJSON any
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal job metadata")
		}
		metaJSON = string(b)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_jobs SET status = 'completed', progress_percent = 100, completed_at = ?, metadata = ? WHERE id = ? AND status = 'processing'`,
		time.Now().UTC(), metaJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", id)
	}
	return checkRowsAffected(res, "processing job", id)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id string, errDetail string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_jobs SET status = 'failed', completed_at = ?, error_detail = ? WHERE id = ? AND status IN ('pending', 'processing')`,
		time.Now().UTC(), errDetail, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", id)
	}
	return checkRowsAffected(res, "active job", id)
}

func (s *SQLiteStore) RequestJobCancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingestion_jobs SET cancel_requested = 1 WHERE id = ? AND status IN ('pending', 'processing')`,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: request cancel %s", id)
	}
	return checkRowsAffected(res, "active job", id)
}

func (s *SQLiteStore) JobCancelRequested(ctx context.Context, id string) (bool, error) {
	var cancelled bool
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM ingestion_jobs WHERE id = ?`, id,
	).Scan(&cancelled)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: cancel flag %s", id)
	}
	return cancelled, nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, jobID string, payloads []map[string]any) error {
	if len(payloads) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin audit tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, p := range payloads {
		payloadJSON, err := json.Marshal(p)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal audit payload")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO raw_audit (job_id, payload, created_at) VALUES (?, ?, ?)`,
			jobID, string(payloadJSON), now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: audit batch for job %s", jobID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit audit tx")
}

func (s *SQLiteStore) GetPreference(ctx context.Context, userID string) (*model.SourcePreference, error) {
	var rankingsJSON, policy string
	err := s.db.QueryRowContext(ctx,
		`SELECT rankings, conflict_resolution FROM source_preferences WHERE user_id = ?`,
		userID,
	).Scan(&rankingsJSON, &policy)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get preference %s", userID)
	}

	pref := &model.SourcePreference{UserID: userID, Policy: model.ConflictPolicy(policy)}
	if err := json.Unmarshal([]byte(rankingsJSON), &pref.Rankings); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal rankings")
	}
	return pref, nil
}

func (s *SQLiteStore) PutPreference(ctx context.Context, pref model.SourcePreference) error {
	if !pref.Policy.Valid() {
		return eris.Errorf("sqlite: unknown conflict policy %q", pref.Policy)
	}
	rankingsJSON, err := json.Marshal(pref.Rankings)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal rankings")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO source_preferences (user_id, rankings, conflict_resolution) VALUES (?, ?, ?)
		 ON CONFLICT (user_id) DO UPDATE SET rankings = excluded.rankings, conflict_resolution = excluded.conflict_resolution`,
		pref.UserID, string(rankingsJSON), string(pref.Policy),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: put preference %s", pref.UserID)
	}
	return nil
}

func (s *SQLiteStore) ConnectedSources(ctx context.Context, userID string) ([]string, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_name, status FROM source_connections WHERE user_id = ? ORDER BY source_name`,
		userID,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: connected sources %s", userID)
	}
	defer rows.Close()

	var sources []string
	configured := false
	for rows.Next() {
		var name, status string
		if err := rows.Scan(&name, &status); err != nil {
			return nil, false, eris.Wrap(err, "sqlite: scan source")
		}
		configured = true
		if status == "connected" {
			sources = append(sources, name)
		}
	}
	return sources, configured, eris.Wrap(rows.Err(), "sqlite: iterate sources")
}

func (s *SQLiteStore) UpsertConnections(ctx context.Context, userID string, sources []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin connections tx")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, src := range sources {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO source_connections (user_id, source_name, status, connected_at) VALUES (?, ?, 'connected', ?)
			 ON CONFLICT (user_id, source_name) DO UPDATE SET status = 'connected', connected_at = excluded.connected_at`,
			userID, src, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: upsert connection %s/%s", userID, src)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit connections tx")
}

func (s *SQLiteStore) DisconnectSource(ctx context.Context, userID, source string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE source_connections SET status = 'disconnected' WHERE user_id = ? AND source_name = ?`,
		userID, source,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: disconnect %s/%s", userID, source)
	}
	return nil
}

func marshalPayload(payload map[string]any) (any, error) {
	if payload == nil {
		return nil, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal payload")
	}
	return string(b), nil
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "rows affected for %s %s", kind, id)
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", kind, id)
	}
	return nil
}
