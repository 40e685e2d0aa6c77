// Package ingest decides whether freshly parsed candidate metrics are new
// information, restatements of stored records, or restatements carrying
// richer metadata worth merging.
package ingest

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/meridian-health/vitals-cli/internal/model"
	"github.com/meridian-health/vitals-cli/internal/resilience"
	"github.com/meridian-health/vitals-cli/internal/store"
)

// Outcome classifies what the reconciler did with one candidate.
type Outcome string

const (
	OutcomeInserted  Outcome = "inserted"
	OutcomeMerged    Outcome = "merged"
	OutcomeDiscarded Outcome = "discarded"
)

// Result reports the reconciliation decision for one candidate. RecordID is
// the inserted record for OutcomeInserted and the surviving existing record
// for OutcomeMerged and OutcomeDiscarded.
type Result struct {
	Outcome  Outcome
	RecordID string
	Bucket   time.Time
	Category model.Category
}

const (
	// MatchTolerance absorbs clock skew and sub-minute resampling between
	// a source re-reporting the same measurement. 59s apart merges, 61s
	// apart stays two records.
	MatchTolerance = time.Minute

	// valueEpsilon is the relative tolerance for value equality. Provider
	// jitter observed in practice stays well under one part in ten
	// thousand; genuinely distinct readings differ by far more.
	valueEpsilon    = 1e-4
	valueEpsilonAbs = 1e-9

	lockStripes = 64
)

// Reconciler is the dedup and merge engine. Safe for concurrent use; the
// lookup-then-insert sequence is serialized per (user, metric type) by a
// striped mutex, and the store's uniqueness constraint catches races with
// other processes.
type Reconciler struct {
	store   store.Store
	logger  *zap.Logger
	stripes [lockStripes]sync.Mutex
}

// NewReconciler creates a Reconciler over the given store.
func NewReconciler(st store.Store) *Reconciler {
	return &Reconciler{
		store:  st,
		logger: zap.L().Named("reconciler"),
	}
}

func (r *Reconciler) stripe(userID, metricType string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(metricType))
	return &r.stripes[h.Sum32()%lockStripes]
}

// valuesMatch reports whether two values are equal within the relative
// epsilon, with an absolute floor near zero.
func valuesMatch(a, b float64) bool {
	diff := math.Abs(a - b)
	if diff <= valueEpsilonAbs {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return diff <= scale*valueEpsilon
}

// Reconcile decides the fate of one candidate: insert, merge into an
// existing same-source record, or discard as an exact duplicate. Records
// from other sources in the window are left alone; they coexist as
// secondaries until the resolver ranks them.
func (r *Reconciler) Reconcile(ctx context.Context, cand model.CandidateMetric) (Result, error) {
	if cand.SourceName == model.SyntheticSource {
		return Result{}, eris.Errorf("ingest: candidate claims reserved source %q", model.SyntheticSource)
	}
	if !cand.Category.Valid() {
		return Result{}, eris.Errorf("ingest: unmapped category %q for metric %s", cand.Category, cand.MetricType)
	}

	mu := r.stripe(cand.UserID, cand.MetricType)
	mu.Lock()
	defer mu.Unlock()

	window := store.Window(cand.RecordedAt, MatchTolerance)
	matches, err := r.store.FindCandidateMatches(ctx, cand.UserID, cand.MetricType, window)
	if err != nil {
		return Result{}, resilience.NewStoreWrite(eris.Wrap(err, "ingest: candidate lookup"))
	}

	if existing, ok := r.sameSourceMatch(matches, cand); ok {
		return r.mergeOrDiscard(ctx, cand, existing)
	}

	rec := model.MetricRecord{
		UserID:       cand.UserID,
		MetricType:   cand.MetricType,
		Category:     cand.Category,
		Value:        cand.Value,
		Unit:         cand.Unit,
		RecordedAt:   cand.RecordedAt.UTC(),
		SourceName:   cand.SourceName,
		QualityScore: cand.QualityScore,
		Payload:      cand.Payload,
	}
	id, err := r.store.Insert(ctx, rec)
	if eris.Is(err, store.ErrDuplicate) {
		// Another writer landed the same (user, metric, source, timestamp)
		// between our lookup and insert. Re-read and treat as a merge.
		return r.retryAsMerge(ctx, cand, window)
	}
	if err != nil {
		return Result{}, resilience.NewStoreWrite(eris.Wrap(err, "ingest: insert record"))
	}

	r.logger.Debug("inserted candidate",
		zap.String("user_id", cand.UserID),
		zap.String("metric_type", cand.MetricType),
		zap.String("source", cand.SourceName),
		zap.Time("recorded_at", cand.RecordedAt))

	return Result{Outcome: OutcomeInserted, RecordID: id, Bucket: cand.Bucket(), Category: cand.Category}, nil
}

// sameSourceMatch finds the stored record the candidate restates: same
// source, recorded within the tolerance window, value equal within epsilon.
// Matching never crosses sources.
func (r *Reconciler) sameSourceMatch(matches []model.MetricRecord, cand model.CandidateMetric) (model.MetricRecord, bool) {
	for _, m := range matches {
		if m.SourceName != cand.SourceName {
			continue
		}
		if m.Synthetic() {
			continue
		}
		if valuesMatch(m.Value, cand.Value) {
			return m, true
		}
	}
	return model.MetricRecord{}, false
}

func (r *Reconciler) retryAsMerge(ctx context.Context, cand model.CandidateMetric, window store.TimeWindow) (Result, error) {
	matches, err := r.store.FindCandidateMatches(ctx, cand.UserID, cand.MetricType, window)
	if err != nil {
		return Result{}, resilience.NewStoreWrite(eris.Wrap(err, "ingest: re-lookup after duplicate insert"))
	}
	for _, m := range matches {
		if m.SourceName == cand.SourceName && m.RecordedAt.Equal(cand.RecordedAt.UTC()) {
			return r.mergeOrDiscard(ctx, cand, m)
		}
	}
	return Result{}, eris.Errorf("ingest: duplicate insert for %s/%s but no surviving record found", cand.UserID, cand.MetricType)
}

// mergeOrDiscard folds candidate metadata absent from the existing record
// into it, or discards the candidate when it adds nothing.
func (r *Reconciler) mergeOrDiscard(ctx context.Context, cand model.CandidateMetric, existing model.MetricRecord) (Result, error) {
	patch := make(map[string]any)
	for k, v := range cand.Payload {
		if _, present := existing.Payload[k]; !present {
			patch[k] = v
		}
	}

	res := Result{RecordID: existing.ID, Bucket: existing.Bucket(), Category: existing.Category}
	if len(patch) == 0 {
		res.Outcome = OutcomeDiscarded
		return res, nil
	}

	if err := r.store.MergeMetadata(ctx, existing.ID, patch); err != nil {
		return Result{}, resilience.NewStoreWrite(eris.Wrapf(err, "ingest: merge metadata into %s", existing.ID))
	}

	r.logger.Debug("merged candidate metadata",
		zap.String("record_id", existing.ID),
		zap.Int("patched_keys", len(patch)))

	res.Outcome = OutcomeMerged
	return res, nil
}
