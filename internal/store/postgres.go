package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/meridian-health/vitals-cli/internal/db"
	"github.com/meridian-health/vitals-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// the hot reconciliation paths.
var preparedStatements = map[string]string{
	"find_matches": `SELECT id, user_id, metric_type, category, value, unit, recorded_at, source_name, quality_score, source_payload, is_primary, created_at
		FROM metric_records WHERE user_id = $1 AND metric_type = $2 AND recorded_at BETWEEN $3 AND $4 ORDER BY recorded_at`,
	"insert_record": `INSERT INTO metric_records (id, user_id, metric_type, category, value, unit, recorded_at, bucket_at, source_name, quality_score, source_payload, is_primary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
	"merge_metadata": `UPDATE metric_records SET source_payload = COALESCE(source_payload, '{}'::jsonb) || $1::jsonb WHERE id = $2`,
	"update_job_progress": `UPDATE ingestion_jobs SET progress_percent = GREATEST(progress_percent, $1), processed_units = $2, skipped_units = $3, total_units = COALESCE($4, total_units)
		WHERE id = $5 AND status = 'processing'`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool. Tests use it with pgxmock.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS metric_records (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL,
	metric_type    TEXT NOT NULL,
	category       TEXT NOT NULL,
	value          DOUBLE PRECISION NOT NULL,
	unit           TEXT NOT NULL DEFAULT '',
	recorded_at    TIMESTAMPTZ NOT NULL,
	bucket_at      TIMESTAMPTZ NOT NULL,
	source_name    TEXT NOT NULL,
	quality_score  DOUBLE PRECISION NOT NULL DEFAULT 0,
	source_payload JSONB,
	is_primary     BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS metric_records_dedup_idx
	ON metric_records (user_id, metric_type, source_name, recorded_at);

CREATE UNIQUE INDEX IF NOT EXISTS metric_records_primary_idx
	ON metric_records (user_id, metric_type, bucket_at) WHERE is_primary;

CREATE INDEX IF NOT EXISTS metric_records_window_idx
	ON metric_records (user_id, metric_type, recorded_at);

CREATE INDEX IF NOT EXISTS metric_records_category_idx
	ON metric_records (user_id, category, bucket_at);

CREATE TABLE IF NOT EXISTS ingestion_jobs (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	origin           TEXT NOT NULL,
	origin_detail    TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'pending',
	progress_percent INT NOT NULL DEFAULT 0,
	total_units      BIGINT,
	processed_units  BIGINT NOT NULL DEFAULT 0,
	skipped_units    BIGINT NOT NULL DEFAULT 0,
	error_detail     TEXT,
	metadata         JSONB,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS ingestion_jobs_user_idx
	ON ingestion_jobs (user_id, created_at DESC);

CREATE TABLE IF NOT EXISTS source_preferences (
	user_id             TEXT PRIMARY KEY,
	rankings            JSONB NOT NULL,
	conflict_resolution TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS source_connections (
	user_id      TEXT NOT NULL,
	source_name  TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'connected',
	connected_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, source_name)
);

CREATE TABLE IF NOT EXISTS raw_audit (
	job_id     TEXT NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS raw_audit_job_idx ON raw_audit (job_id);
`

// Migrate applies the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

// Ping verifies connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Pool exposes the underlying pool for subsystems needing direct query
// access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// FindCandidateMatches returns records for the user and metric type whose
// recorded_at falls inside the window, inclusive.
func (s *PostgresStore) FindCandidateMatches(ctx context.Context, userID, metricType string, window TimeWindow) ([]model.MetricRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, metric_type, category, value, unit, recorded_at, source_name, quality_score, source_payload, is_primary, created_at
		FROM metric_records WHERE user_id = $1 AND metric_type = $2 AND recorded_at BETWEEN $3 AND $4 ORDER BY recorded_at`,
		userID, metricType, window.From.UTC(), window.To.UTC(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find matches for %s/%s", userID, metricType)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Insert persists a new record, returning ErrDuplicate when the dedup
// uniqueness constraint rejects it.
func (s *PostgresStore) Insert(ctx context.Context, rec model.MetricRecord) (string, error) {
	id := rec.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	var payloadJSON []byte
	if rec.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(rec.Payload)
		if err != nil {
			return "", eris.Wrap(err, "postgres: marshal payload")
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO metric_records (id, user_id, metric_type, category, value, unit, recorded_at, bucket_at, source_name, quality_score, source_payload, is_primary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		id, rec.UserID, rec.MetricType, string(rec.Category), rec.Value, rec.Unit,
		rec.RecordedAt.UTC(), rec.Bucket(), rec.SourceName, rec.QualityScore,
		payloadJSON, rec.IsPrimary, now,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", ErrDuplicate
		}
		return "", eris.Wrap(err, "postgres: insert record")
	}
	return id, nil
}

// MergeMetadata folds patch keys into the record's source payload.
func (s *PostgresStore) MergeMetadata(ctx context.Context, id string, patch map[string]any) error {
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal patch")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE metric_records SET source_payload = COALESCE(source_payload, '{}'::jsonb) || $1::jsonb WHERE id = $2`,
		patchJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: merge metadata %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("record not found: %s", id)
	}
	return nil
}

// SetPrimary flips the primary flag on the given records.
func (s *PostgresStore) SetPrimary(ctx context.Context, ids []string, primary bool) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE metric_records SET is_primary = $1 WHERE id = ANY($2)`,
		primary, ids,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: set primary")
	}
	return nil
}

// UpsertSynthetic inserts or replaces a synthetic average record for its
// bucket.
func (s *PostgresStore) UpsertSynthetic(ctx context.Context, rec model.MetricRecord) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	var payloadJSON []byte
	if rec.Payload != nil {
		var err error
		payloadJSON, err = json.Marshal(rec.Payload)
		if err != nil {
			return "", eris.Wrap(err, "postgres: marshal payload")
		}
	}

	var outID string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO metric_records (id, user_id, metric_type, category, value, unit, recorded_at, bucket_at, source_name, quality_score, source_payload, is_primary, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (user_id, metric_type, source_name, recorded_at)
		DO UPDATE SET value = EXCLUDED.value, quality_score = EXCLUDED.quality_score, source_payload = EXCLUDED.source_payload
		RETURNING id`,
		id, rec.UserID, rec.MetricType, string(rec.Category), rec.Value, rec.Unit,
		rec.RecordedAt.UTC(), rec.Bucket(), rec.SourceName, rec.QualityScore,
		payloadJSON, rec.IsPrimary, now,
	).Scan(&outID)
	if err != nil {
		return "", eris.Wrap(err, "postgres: upsert synthetic")
	}
	return outID, nil
}

// BucketRecords returns every record in one (user, category, bucket).
func (s *PostgresStore) BucketRecords(ctx context.Context, userID string, cat model.Category, bucket time.Time) ([]model.MetricRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, metric_type, category, value, unit, recorded_at, source_name, quality_score, source_payload, is_primary, created_at
		FROM metric_records WHERE user_id = $1 AND category = $2 AND bucket_at = $3 ORDER BY recorded_at`,
		userID, string(cat), model.Bucket(bucket),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: bucket records for %s/%s", userID, cat)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Query returns the reconciled timeline for a user and category.
func (s *PostgresStore) Query(ctx context.Context, userID string, cat model.Category, from, to time.Time) ([]model.MetricRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, metric_type, category, value, unit, recorded_at, source_name, quality_score, source_payload, is_primary, created_at
		FROM metric_records WHERE user_id = $1 AND category = $2 AND recorded_at BETWEEN $3 AND $4 ORDER BY recorded_at, metric_type`,
		userID, string(cat), from.UTC(), to.UTC(),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query timeline for %s/%s", userID, cat)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows pgx.Rows) ([]model.MetricRecord, error) {
	var records []model.MetricRecord
	for rows.Next() {
		var r model.MetricRecord
		var payloadJSON []byte
		if err := rows.Scan(&r.ID, &r.UserID, &r.MetricType, &r.Category, &r.Value, &r.Unit,
			&r.RecordedAt, &r.SourceName, &r.QualityScore, &payloadJSON, &r.IsPrimary, &r.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		if payloadJSON != nil {
			if err := json.Unmarshal(payloadJSON, &r.Payload); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal payload")
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// CreateJob creates a pending ingestion job row.
func (s *PostgresStore) CreateJob(ctx context.Context, userID string, origin model.JobOrigin, originDetail string) (*model.IngestionJob, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingestion_jobs (id, user_id, origin, origin_detail, status, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, userID, string(origin), originDetail, string(model.JobStatusPending), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
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

// GetJob fetches a job by id.
func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.IngestionJob, error) {
	var j model.IngestionJob
	var errDetail *string
	var metaJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, origin, origin_detail, status, progress_percent, total_units, processed_units, skipped_units, error_detail, metadata, cancel_requested, started_at, completed_at, created_at
		FROM ingestion_jobs WHERE id = $1`,
		id,
	).Scan(&j.ID, &j.UserID, &j.Origin, &j.OriginDetail, &j.Status, &j.ProgressPercent,
		&j.TotalUnits, &j.ProcessedUnits, &j.SkippedUnits, &errDetail, &metaJSON,
		&j.CancelRequested, &j.StartedAt, &j.CompletedAt, &j.CreatedAt)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	if errDetail != nil {
		j.ErrorDetail = *errDetail
	}
	if metaJSON != nil {
		_ = json.Unmarshal(metaJSON, &j.Metadata)
	}
	return &j, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.IngestionJob, error) {
	query := `SELECT id, user_id, origin, origin_detail, status, progress_percent, total_units, processed_units, skipped_units, error_detail, metadata, cancel_requested, started_at, completed_at, created_at
		FROM ingestion_jobs WHERE true`
	var args []any
	argN := 1
	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argN)
		args = append(args, filter.UserID)
		argN++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, string(filter.Status))
		argN++
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argN)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.IngestionJob
	for rows.Next() {
		var j model.IngestionJob
		var errDetail *string
		var metaJSON []byte
		if err := rows.Scan(&j.ID, &j.UserID, &j.Origin, &j.OriginDetail, &j.Status, &j.ProgressPercent,
			&j.TotalUnits, &j.ProcessedUnits, &j.SkippedUnits, &errDetail, &metaJSON,
			&j.CancelRequested, &j.StartedAt, &j.CompletedAt, &j.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		if errDetail != nil {
			j.ErrorDetail = *errDetail
		}
		if metaJSON != nil {
			_ = json.Unmarshal(metaJSON, &j.Metadata)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// MarkJobProcessing transitions a pending job to processing. The WHERE
// clause enforces the monotonic state machine: a job already past pending
// is left untouched and reported as a conflict.
func (s *PostgresStore) MarkJobProcessing(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs SET status = 'processing', started_at = now() WHERE id = $1 AND status = 'pending'`,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark processing %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job %s is not pending", id)
	}
	return nil
}

// UpdateJobProgress persists counters for a processing job. GREATEST keeps
// the externally visible percent monotonically non-decreasing even under
// racing writers.
func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id string, percent int, processed, skipped int64, total *int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs SET progress_percent = GREATEST(progress_percent, $1), processed_units = $2, skipped_units = $3, total_units = COALESCE($4, total_units)
		WHERE id = $5 AND status = 'processing'`,
		percent, processed, skipped, total, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update progress %s", id)
	}
	return nil
}

// CompleteJob transitions a processing job to completed.
func (s *PostgresStore) CompleteJob(ctx context.Context, id string, metadata map[string]any) error {
	var metaJSON []byte
	if metadata != nil {
		var err error
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal job metadata")
		}
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs SET status = 'completed', progress_percent = 100, completed_at = now(), metadata = $1 WHERE id = $2 AND status = 'processing'`,
		metaJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job %s is not processing", id)
	}
	return nil
}

// FailJob transitions a pending or processing job to failed.
func (s *PostgresStore) FailJob(ctx context.Context, id string, errDetail string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs SET status = 'failed', completed_at = now(), error_detail = $1 WHERE id = $2 AND status IN ('pending', 'processing')`,
		errDetail, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job %s is already terminal", id)
	}
	return nil
}

// RequestJobCancel flags a job for cancellation. The controller observes
// the flag between batches.
func (s *PostgresStore) RequestJobCancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingestion_jobs SET cancel_requested = TRUE WHERE id = $1 AND status IN ('pending', 'processing')`,
		id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: request cancel %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job %s is already terminal", id)
	}
	return nil
}

// JobCancelRequested reads the cancellation flag.
func (s *PostgresStore) JobCancelRequested(ctx context.Context, id string) (bool, error) {
	var cancelled bool
	err := s.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM ingestion_jobs WHERE id = $1`,
		id,
	).Scan(&cancelled)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: cancel flag %s", id)
	}
	return cancelled, nil
}

// AppendAudit bulk-archives one batch's original source payloads via COPY.
func (s *PostgresStore) AppendAudit(ctx context.Context, jobID string, payloads []map[string]any) error {
	rows := make([][]any, 0, len(payloads))
	for _, p := range payloads {
		payloadJSON, err := json.Marshal(p)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal audit payload")
		}
		rows = append(rows, []any{jobID, payloadJSON})
	}
	if _, err := db.CopyFrom(ctx, s.pool, "raw_audit", []string{"job_id", "payload"}, rows); err != nil {
		return eris.Wrapf(err, "postgres: audit batch for job %s", jobID)
	}
	return nil
}

// GetPreference returns the user's source preference, or nil when the user
// has never configured one.
func (s *PostgresStore) GetPreference(ctx context.Context, userID string) (*model.SourcePreference, error) {
	var rankingsJSON []byte
	var policy string
	err := s.pool.QueryRow(ctx,
		`SELECT rankings, conflict_resolution FROM source_preferences WHERE user_id = $1`,
		userID,
	).Scan(&rankingsJSON, &policy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get preference %s", userID)
	}

	pref := &model.SourcePreference{UserID: userID, Policy: model.ConflictPolicy(policy)}
	if err := json.Unmarshal(rankingsJSON, &pref.Rankings); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal rankings")
	}
	return pref, nil
}

// PutPreference creates or replaces the user's source preference.
func (s *PostgresStore) PutPreference(ctx context.Context, pref model.SourcePreference) error {
	if !pref.Policy.Valid() {
		return eris.Errorf("postgres: unknown conflict policy %q", pref.Policy)
	}
	rankingsJSON, err := json.Marshal(pref.Rankings)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal rankings")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO source_preferences (user_id, rankings, conflict_resolution) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET rankings = EXCLUDED.rankings, conflict_resolution = EXCLUDED.conflict_resolution`,
		pref.UserID, rankingsJSON, string(pref.Policy),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: put preference %s", pref.UserID)
	}
	return nil
}

// ConnectedSources returns the user's currently connected source names and
// whether any connection rows exist, connected or not.
func (s *PostgresStore) ConnectedSources(ctx context.Context, userID string) ([]string, bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT source_name, status FROM source_connections WHERE user_id = $1 ORDER BY source_name`,
		userID,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: connected sources %s", userID)
	}
	defer rows.Close()

	var sources []string
	configured := false
	for rows.Next() {
		var name, status string
		if err := rows.Scan(&name, &status); err != nil {
			return nil, false, eris.Wrap(err, "postgres: scan source")
		}
		configured = true
		if status == "connected" {
			sources = append(sources, name)
		}
	}
	return sources, configured, rows.Err()
}

// UpsertConnections marks the given sources connected for the user.
func (s *PostgresStore) UpsertConnections(ctx context.Context, userID string, sources []string) error {
	rows := make([][]any, 0, len(sources))
	now := time.Now().UTC()
	for _, src := range sources {
		rows = append(rows, []any{userID, src, "connected", now})
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "source_connections",
		Columns:      []string{"user_id", "source_name", "status", "connected_at"},
		ConflictKeys: []string{"user_id", "source_name"},
		UpdateCols:   []string{"status", "connected_at"},
	}, rows)
	if err != nil {
		return eris.Wrapf(err, "postgres: upsert connections %s", userID)
	}
	return nil
}

// DisconnectSource marks one source disconnected for the user.
func (s *PostgresStore) DisconnectSource(ctx context.Context, userID, source string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE source_connections SET status = 'disconnected' WHERE user_id = $1 AND source_name = $2`,
		userID, source,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: disconnect %s/%s", userID, source)
	}
	return nil
}
