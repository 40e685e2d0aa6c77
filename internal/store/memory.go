package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/meridian-health/vitals-cli/internal/model"
)

// MemoryStore is a map-backed Store. It enforces the same dedup
// uniqueness as the SQL backends, which makes it a faithful stand-in for
// reconciler and controller tests.
type MemoryStore struct {
	mu          sync.RWMutex
	records     map[string]model.MetricRecord
	jobs        map[string]*model.IngestionJob
	prefs       map[string]model.SourcePreference
	connections map[string]map[string]bool
	audit       map[string][]map[string]any
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		records:     make(map[string]model.MetricRecord),
		jobs:        make(map[string]*model.IngestionJob),
		prefs:       make(map[string]model.SourcePreference),
		connections: make(map[string]map[string]bool),
		audit:       make(map[string][]map[string]any),
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Ping(ctx context.Context) error    { return nil }
func (s *MemoryStore) Close() error                      { return nil }

func dedupKey(rec model.MetricRecord) string {
	return rec.UserID + "|" + rec.MetricType + "|" + rec.SourceName + "|" + rec.RecordedAt.UTC().Format(time.RFC3339Nano)
}

func (s *MemoryStore) FindCandidateMatches(ctx context.Context, userID, metricType string, window TimeWindow) ([]model.MetricRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.MetricRecord
	for _, r := range s.records {
		if r.UserID != userID || r.MetricType != metricType {
			continue
		}
		t := r.RecordedAt.UTC()
		if t.Before(window.From.UTC()) || t.After(window.To.UTC()) {
			continue
		}
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Insert(ctx context.Context, rec model.MetricRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupKey(rec)
	for _, existing := range s.records {
		if dedupKey(existing) == key {
			return "", ErrDuplicate
		}
	}

	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	rec.RecordedAt = rec.RecordedAt.UTC()
	rec.CreatedAt = time.Now().UTC()
	s.records[rec.ID] = rec
	return rec.ID, nil
}

func (s *MemoryStore) MergeMetadata(ctx context.Context, id string, patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return eris.Errorf("record not found: %s", id)
	}
	if rec.Payload == nil {
		rec.Payload = make(map[string]any, len(patch))
	}
	for k, v := range patch {
		rec.Payload[k] = v
	}
	s.records[id] = rec
	return nil
}

func (s *MemoryStore) SetPrimary(ctx context.Context, ids []string, primary bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if rec, ok := s.records[id]; ok {
			rec.IsPrimary = primary
			s.records[id] = rec
		}
	}
	return nil
}

func (s *MemoryStore) UpsertSynthetic(ctx context.Context, rec model.MetricRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupKey(rec)
	for id, existing := range s.records {
		if dedupKey(existing) == key {
			existing.Value = rec.Value
			existing.QualityScore = rec.QualityScore
			existing.Payload = rec.Payload
			s.records[id] = existing
			return id, nil
		}
	}

	rec.ID = uuid.New().String()
	rec.RecordedAt = rec.RecordedAt.UTC()
	rec.CreatedAt = time.Now().UTC()
	s.records[rec.ID] = rec
	return rec.ID, nil
}

func (s *MemoryStore) BucketRecords(ctx context.Context, userID string, cat model.Category, bucket time.Time) ([]model.MetricRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := model.Bucket(bucket)
	var out []model.MetricRecord
	for _, r := range s.records {
		if r.UserID == userID && r.Category == cat && r.Bucket().Equal(want) {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) Query(ctx context.Context, userID string, cat model.Category, from, to time.Time) ([]model.MetricRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.MetricRecord
	for _, r := range s.records {
		if r.UserID != userID || r.Category != cat {
			continue
		}
		t := r.RecordedAt.UTC()
		if t.Before(from.UTC()) || t.After(to.UTC()) {
			continue
		}
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(records []model.MetricRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].RecordedAt.Equal(records[j].RecordedAt) {
			return records[i].RecordedAt.Before(records[j].RecordedAt)
		}
		return records[i].MetricType < records[j].MetricType
	})
}

func (s *MemoryStore) CreateJob(ctx context.Context, userID string, origin model.JobOrigin, originDetail string) (*model.IngestionJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := &model.IngestionJob{
		ID:           uuid.New().String(),
		UserID:       userID,
		Origin:       origin,
		OriginDetail: originDetail,
		Status:       model.JobStatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	s.jobs[job.ID] = job
	return cloneJob(job), nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*model.IngestionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, eris.Errorf("job not found: %s", id)
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.IngestionJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var jobs []model.IngestionJob
	for _, j := range s.jobs {
		if filter.UserID != "" && j.UserID != filter.UserID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		jobs = append(jobs, *cloneJob(j))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

func cloneJob(j *model.IngestionJob) *model.IngestionJob {
	out := *j
	if j.TotalUnits != nil {
		v := *j.TotalUnits
		out.TotalUnits = &v
	}
	if j.StartedAt != nil {
		v := *j.StartedAt
		out.StartedAt = &v
	}
	if j.CompletedAt != nil {
		v := *j.CompletedAt
		out.CompletedAt = &v
	}
	return &out
}

func (s *MemoryStore) MarkJobProcessing(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return eris.Errorf("job not found: %s", id)
	}
	if job.Status != model.JobStatusPending {
		return eris.Errorf("job %s is not pending", id)
	}
	now := time.Now().UTC()
	job.Status = model.JobStatusProcessing
	job.StartedAt = &now
	return nil
}

func (s *MemoryStore) UpdateJobProgress(ctx context.Context, id string, percent int, processed, skipped int64, total *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return eris.Errorf("job not found: %s", id)
	}
	if job.Status != model.JobStatusProcessing {
		return nil
	}
	if percent > job.ProgressPercent {
		job.ProgressPercent = percent
	}
	job.ProcessedUnits = processed
	job.SkippedUnits = skipped
	if total != nil {
		v := *total
		job.TotalUnits = &v
	}
	return nil
}

func (s *MemoryStore) CompleteJob(ctx context.Context, id string, metadata map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return eris.Errorf("job not found: %s", id)
	}
	if job.Status != model.JobStatusProcessing {
		return eris.Errorf("job %s is not processing", id)
	}
	now := time.Now().UTC()
	job.Status = model.JobStatusCompleted
	job.ProgressPercent = 100
	job.CompletedAt = &now
	job.Metadata = metadata
	return nil
}

func (s *MemoryStore) FailJob(ctx context.Context, id string, errDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return eris.Errorf("job not found: %s", id)
	}
	if job.Status.Terminal() {
		return eris.Errorf("job %s is already terminal", id)
	}
	now := time.Now().UTC()
	job.Status = model.JobStatusFailed
	job.CompletedAt = &now
	job.ErrorDetail = errDetail
	return nil
}

func (s *MemoryStore) RequestJobCancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return eris.Errorf("job not found: %s", id)
	}
	if job.Status.Terminal() {
		return eris.Errorf("job %s is already terminal", id)
	}
	job.CancelRequested = true
	return nil
}

func (s *MemoryStore) JobCancelRequested(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, eris.Errorf("job not found: %s", id)
	}
	return job.CancelRequested, nil
}

func (s *MemoryStore) AppendAudit(ctx context.Context, jobID string, payloads []map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit[jobID] = append(s.audit[jobID], payloads...)
	return nil
}

// AuditCount reports archived payloads for a job. Test helper.
func (s *MemoryStore) AuditCount(jobID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.audit[jobID])
}

func (s *MemoryStore) GetPreference(ctx context.Context, userID string) (*model.SourcePreference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pref, ok := s.prefs[userID]
	if !ok {
		return nil, nil
	}
	out := pref
	return &out, nil
}

func (s *MemoryStore) PutPreference(ctx context.Context, pref model.SourcePreference) error {
	if !pref.Policy.Valid() {
		return eris.Errorf("memory: unknown conflict policy %q", pref.Policy)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prefs[pref.UserID] = pref
	return nil
}

func (s *MemoryStore) ConnectedSources(ctx context.Context, userID string) ([]string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sources []string
	for src, connected := range s.connections[userID] {
		if connected {
			sources = append(sources, src)
		}
	}
	sort.Strings(sources)
	return sources, len(s.connections[userID]) > 0, nil
}

func (s *MemoryStore) UpsertConnections(ctx context.Context, userID string, sources []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connections[userID] == nil {
		s.connections[userID] = make(map[string]bool)
	}
	for _, src := range sources {
		s.connections[userID][src] = true
	}
	return nil
}

func (s *MemoryStore) DisconnectSource(ctx context.Context, userID, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connections[userID] != nil {
		s.connections[userID][source] = false
	}
	return nil
}
