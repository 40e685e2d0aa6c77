package model

import "time"

// JobStatus represents the state of an ingestion job. Transitions are
// monotonic: pending → processing → completed | failed. A job never
// returns to pending once it leaves that state.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether moving from s to next is a legal step in
// the job state machine.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing || next == JobStatusFailed
	case JobStatusProcessing:
		return next.Terminal()
	}
	return false
}

// JobOrigin distinguishes file uploads from provider API syncs.
type JobOrigin string

const (
	JobOriginFile         JobOrigin = "file"
	JobOriginProviderSync JobOrigin = "provider_sync"
)

// ErrDetailCancelled is the error_detail recorded when a job fails because
// cancellation was requested, so callers can tell it apart from real failures.
const ErrDetailCancelled = "cancelled by request"

// IngestionJob is the persisted, observable unit of work wrapping one
// parser run or one provider-sync run.
type IngestionJob struct {
	ID              string         `json:"id"`
	UserID          string         `json:"user_id"`
	Origin          JobOrigin      `json:"origin"`
	OriginDetail    string         `json:"origin_detail"`
	Status          JobStatus      `json:"status"`
	ProgressPercent int            `json:"progress_percent"`
	TotalUnits      *int64         `json:"total_units,omitempty"`
	ProcessedUnits  int64          `json:"processed_units"`
	SkippedUnits    int64          `json:"skipped_units"`
	ErrorDetail     string         `json:"error_detail,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CancelRequested bool           `json:"cancel_requested"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// JobStatusView is the read shape returned to the API layer by the job
// status query.
type JobStatusView struct {
	ID              string     `json:"id"`
	Status          JobStatus  `json:"status"`
	ProgressPercent int        `json:"progress_percent"`
	ProcessedUnits  int64      `json:"processed_units"`
	SkippedUnits    int64      `json:"skipped_units"`
	TotalUnits      *int64     `json:"total_units,omitempty"`
	ErrorDetail     *string    `json:"error_detail,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// StatusView projects the job into its API read shape.
func (j *IngestionJob) StatusView() JobStatusView {
	v := JobStatusView{
		ID:              j.ID,
		Status:          j.Status,
		ProgressPercent: j.ProgressPercent,
		ProcessedUnits:  j.ProcessedUnits,
		SkippedUnits:    j.SkippedUnits,
		TotalUnits:      j.TotalUnits,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}
	if j.ErrorDetail != "" {
		v.ErrorDetail = &j.ErrorDetail
	}
	return v
}
