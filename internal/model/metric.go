// Package model defines the core data types shared across the ingestion pipeline.
package model

import "time"

// Category groups metric types into the five supported health domains.
type Category string

const (
	CategoryActivity        Category = "activity"
	CategorySleep           Category = "sleep"
	CategoryNutrition       Category = "nutrition"
	CategoryBodyComposition Category = "body_composition"
	CategoryHeartHealth     Category = "heart_health"
)

// Valid reports whether c is one of the supported categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryActivity, CategorySleep, CategoryNutrition, CategoryBodyComposition, CategoryHeartHealth:
		return true
	}
	return false
}

// SyntheticSource is the source name assigned to resolver-generated average
// records. Candidates carrying this source are rejected by the parsers, so a
// synthetic record is never itself subject to dedup.
const SyntheticSource = "synthetic_average"

// BucketWidth is the time-bucket used to group near-simultaneous readings
// when comparing records across sources.
const BucketWidth = time.Minute

// Bucket truncates a timestamp to its 1-minute reconciliation bucket.
func Bucket(t time.Time) time.Time {
	return t.UTC().Truncate(BucketWidth)
}

// CandidateMetric is an unreconciled measurement freshly produced by a
// parser or sync adapter. It never reaches the store directly; the dedup
// engine decides its fate.
type CandidateMetric struct {
	UserID       string         `json:"user_id"`
	MetricType   string         `json:"metric_type"`
	Category     Category       `json:"category"`
	Value        float64        `json:"value"`
	Unit         string         `json:"unit"`
	RecordedAt   time.Time      `json:"recorded_at"`
	SourceName   string         `json:"source_name"`
	QualityScore float64        `json:"quality_score"`
	Payload      map[string]any `json:"source_payload,omitempty"`
}

// Bucket returns the candidate's reconciliation bucket.
func (c CandidateMetric) Bucket() time.Time {
	return Bucket(c.RecordedAt)
}

// MetricRecord is a persisted, deduplicated measurement. IsPrimary is the
// only field mutated after creation, and only by the preference resolver.
// Records are never deleted by the pipeline; losing a primary conflict only
// re-ranks them.
type MetricRecord struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	MetricType   string         `json:"metric_type"`
	Category     Category       `json:"category"`
	Value        float64        `json:"value"`
	Unit         string         `json:"unit"`
	RecordedAt   time.Time      `json:"recorded_at"`
	SourceName   string         `json:"source_name"`
	QualityScore float64        `json:"quality_score"`
	Payload      map[string]any `json:"source_payload,omitempty"`
	IsPrimary    bool           `json:"is_primary"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Bucket returns the record's reconciliation bucket.
func (r MetricRecord) Bucket() time.Time {
	return Bucket(r.RecordedAt)
}

// Synthetic reports whether the record was generated by the resolver's
// average policy rather than parsed from a source.
func (r MetricRecord) Synthetic() bool {
	return r.SourceName == SyntheticSource
}
