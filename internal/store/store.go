// Package store persists canonical metric records, ingestion jobs, and
// source preferences. The pipeline composes the individual operations; it
// never assumes multi-call transactions across them.
package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/meridian-health/vitals-cli/internal/model"
)

// ErrDuplicate is returned by Insert when the store's uniqueness constraint
// on (user_id, metric_type, source_name, recorded_at) rejects the record.
// The dedup engine treats the loser of a concurrent insert race as a merge.
var ErrDuplicate = eris.New("store: duplicate record")

// TimeWindow bounds a candidate-match lookup, inclusive on both ends.
type TimeWindow struct {
	From time.Time
	To   time.Time
}

// Window builds the ±tolerance window around a timestamp.
func Window(center time.Time, tolerance time.Duration) TimeWindow {
	return TimeWindow{From: center.Add(-tolerance), To: center.Add(tolerance)}
}

// JobFilter specifies criteria for listing ingestion jobs.
type JobFilter struct {
	UserID string          `json:"user_id,omitempty"`
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
}

// Store defines the persistence interface for the ingestion pipeline.
// Every method is individually atomic.
type Store interface {
	// Metric records
	FindCandidateMatches(ctx context.Context, userID, metricType string, window TimeWindow) ([]model.MetricRecord, error)
	Insert(ctx context.Context, rec model.MetricRecord) (string, error)
	MergeMetadata(ctx context.Context, id string, patch map[string]any) error
	SetPrimary(ctx context.Context, ids []string, primary bool) error
	// UpsertSynthetic inserts or replaces the resolver's synthetic average
	// record for a bucket, keyed on the same uniqueness constraint as
	// Insert, so re-resolution is idempotent.
	UpsertSynthetic(ctx context.Context, rec model.MetricRecord) (string, error)
	// BucketRecords returns every record in one (user, category, bucket).
	BucketRecords(ctx context.Context, userID string, cat model.Category, bucket time.Time) ([]model.MetricRecord, error)
	// Query is the reconciled timeline read used by analytics consumers:
	// ordered by recorded_at, primary-flagged.
	Query(ctx context.Context, userID string, cat model.Category, from, to time.Time) ([]model.MetricRecord, error)

	// Ingestion jobs
	CreateJob(ctx context.Context, userID string, origin model.JobOrigin, originDetail string) (*model.IngestionJob, error)
	GetJob(ctx context.Context, id string) (*model.IngestionJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.IngestionJob, error)
	MarkJobProcessing(ctx context.Context, id string) error
	UpdateJobProgress(ctx context.Context, id string, percent int, processed, skipped int64, total *int64) error
	CompleteJob(ctx context.Context, id string, metadata map[string]any) error
	FailJob(ctx context.Context, id string, errDetail string) error
	RequestJobCancel(ctx context.Context, id string) error
	JobCancelRequested(ctx context.Context, id string) (bool, error)

	// AppendAudit archives the original source payloads of one batch for
	// audit and debugging.
	AppendAudit(ctx context.Context, jobID string, payloads []map[string]any) error

	// Preferences and connections
	GetPreference(ctx context.Context, userID string) (*model.SourcePreference, error)
	PutPreference(ctx context.Context, pref model.SourcePreference) error
	// ConnectedSources returns the user's currently connected source names
	// and whether any connection rows exist at all. A user with no registry
	// (configured false, pure file-upload usage) is not the same as a user
	// whose every source has disconnected.
	ConnectedSources(ctx context.Context, userID string) (sources []string, configured bool, err error)
	UpsertConnections(ctx context.Context, userID string, sources []string) error
	DisconnectSource(ctx context.Context, userID, source string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
