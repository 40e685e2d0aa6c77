// Package resolve picks the single authoritative record per (user, metric
// type, time bucket) according to the user's per-category source ranking
// and conflict policy.
package resolve

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/meridian-health/vitals-cli/internal/catalog"
	"github.com/meridian-health/vitals-cli/internal/model"
	"github.com/meridian-health/vitals-cli/internal/store"
)

// Resolver flags exactly one primary record per bucket. Resolution is
// idempotent and deterministic for a fixed store state, so re-running after
// a preference change or source disconnect is always safe.
type Resolver struct {
	store   store.Store
	catalog *catalog.Catalog
	logger  *zap.Logger
}

// New creates a Resolver over the given store and metric catalog.
func New(st store.Store, cat *catalog.Catalog) *Resolver {
	return &Resolver{
		store:   st,
		catalog: cat,
		logger:  zap.L().Named("resolver"),
	}
}

// ResolveBucket re-ranks every metric type present in one (user, category,
// bucket). An empty bucket resolves to nothing; that is not an error.
func (r *Resolver) ResolveBucket(ctx context.Context, userID string, cat model.Category, bucket time.Time) error {
	records, err := r.store.BucketRecords(ctx, userID, cat, bucket)
	if err != nil {
		return eris.Wrap(err, "resolve: load bucket")
	}
	if len(records) == 0 {
		return nil
	}

	pref, err := r.store.GetPreference(ctx, userID)
	if err != nil {
		return eris.Wrap(err, "resolve: load preference")
	}
	connected, configured, err := r.store.ConnectedSources(ctx, userID)
	if err != nil {
		return eris.Wrap(err, "resolve: load connections")
	}

	byType := make(map[string][]model.MetricRecord)
	for _, rec := range records {
		byType[rec.MetricType] = append(byType[rec.MetricType], rec)
	}

	for metricType, recs := range byType {
		if err := r.resolveOne(ctx, userID, cat, metricType, recs, pref, connected, configured); err != nil {
			return err
		}
	}
	return nil
}

// ResolveRange re-resolves every bucket a user has data in across a time
// range. Used after preference changes and source disconnects.
func (r *Resolver) ResolveRange(ctx context.Context, userID string, cat model.Category, from, to time.Time) error {
	records, err := r.store.Query(ctx, userID, cat, from, to)
	if err != nil {
		return eris.Wrap(err, "resolve: load range")
	}

	seen := make(map[time.Time]bool)
	for _, rec := range records {
		b := rec.Bucket()
		if seen[b] {
			continue
		}
		seen[b] = true
		if err := r.ResolveBucket(ctx, userID, cat, b); err != nil {
			return err
		}
	}
	return nil
}

// resolveOne picks the primary among one metric type's records in a bucket.
func (r *Resolver) resolveOne(ctx context.Context, userID string, cat model.Category, metricType string, recs []model.MetricRecord, pref *model.SourcePreference, connected []string, configured bool) error {
	real := make([]model.MetricRecord, 0, len(recs))
	var stale []model.MetricRecord
	for _, rec := range recs {
		if rec.Synthetic() {
			stale = append(stale, rec)
			continue
		}
		real = append(real, rec)
	}

	candidates := filterConnected(real, connected, configured)
	if len(candidates) == 0 {
		// Every source in the bucket is disconnected. Nothing is
		// authoritative; clear all flags.
		return r.applyPrimary(ctx, "", append(real, stale...))
	}

	policy := model.PolicyHighestQuality
	var ranking []string
	if pref != nil {
		policy = pref.Policy
		ranking = pref.RankingFor(cat)
	}

	if policy == model.PolicyAverage {
		if r.catalog.Additive(metricType) {
			return r.applyAverage(ctx, userID, cat, metricType, candidates, append(real, stale...))
		}
		// Averaging a point-in-time reading like heart rate is
		// meaningless; fall back to quality selection.
		policy = model.PolicyHighestQuality
	}

	var winner model.MetricRecord
	switch policy {
	case model.PolicyPreferPrimary:
		winner = pickByRanking(candidates, ranking)
	default:
		winner = pickByQuality(candidates, ranking)
	}

	return r.applyPrimary(ctx, winner.ID, append(real, stale...))
}

// filterConnected drops records from disconnected sources. A user with no
// connection registry at all (pure file-upload usage) keeps every source;
// a configured registry whose sources have all disconnected keeps none.
func filterConnected(recs []model.MetricRecord, connected []string, configured bool) []model.MetricRecord {
	if !configured {
		return recs
	}
	set := make(map[string]bool, len(connected))
	for _, s := range connected {
		set[s] = true
	}
	var out []model.MetricRecord
	for _, rec := range recs {
		if set[rec.SourceName] {
			out = append(out, rec)
		}
	}
	return out
}

// pickByRanking walks the ranked fallback chain and returns the best record
// of the first source that has data present. A ranked source with no data
// is skipped, and sources absent from the ranking entirely are the terminal
// fallback, ordered by quality.
func pickByRanking(candidates []model.MetricRecord, ranking []string) model.MetricRecord {
	bySource := make(map[string][]model.MetricRecord)
	for _, rec := range candidates {
		bySource[rec.SourceName] = append(bySource[rec.SourceName], rec)
	}
	for _, source := range ranking {
		if recs, ok := bySource[source]; ok {
			return bestOfSource(recs)
		}
	}
	return pickByQuality(candidates, ranking)
}

// pickByQuality returns the candidate with the highest quality score,
// breaking ties by ranking position and then by earliest recorded time.
func pickByQuality(candidates []model.MetricRecord, ranking []string) model.MetricRecord {
	rank := make(map[string]int, len(ranking))
	for i, s := range ranking {
		rank[s] = i
	}
	pos := func(rec model.MetricRecord) int {
		if p, ok := rank[rec.SourceName]; ok {
			return p
		}
		return len(ranking)
	}

	best := candidates[0]
	for _, rec := range candidates[1:] {
		switch {
		case rec.QualityScore > best.QualityScore:
			best = rec
		case rec.QualityScore == best.QualityScore && pos(rec) < pos(best):
			best = rec
		case rec.QualityScore == best.QualityScore && pos(rec) == pos(best) && rec.RecordedAt.Before(best.RecordedAt):
			best = rec
		}
	}
	return best
}

func bestOfSource(recs []model.MetricRecord) model.MetricRecord {
	best := recs[0]
	for _, rec := range recs[1:] {
		if rec.QualityScore > best.QualityScore ||
			(rec.QualityScore == best.QualityScore && rec.RecordedAt.Before(best.RecordedAt)) {
			best = rec
		}
	}
	return best
}

// applyPrimary clears every flag in the bucket except the winner's.
// Clearing before setting keeps the store's partial uniqueness constraint
// satisfied at every intermediate step.
func (r *Resolver) applyPrimary(ctx context.Context, winnerID string, all []model.MetricRecord) error {
	var clear []string
	for _, rec := range all {
		if rec.ID != winnerID && rec.IsPrimary {
			clear = append(clear, rec.ID)
		}
	}
	if err := r.store.SetPrimary(ctx, clear, false); err != nil {
		return eris.Wrap(err, "resolve: clear primaries")
	}
	if winnerID == "" {
		return nil
	}

	for _, rec := range all {
		if rec.ID == winnerID && rec.IsPrimary {
			return nil
		}
	}
	if err := r.store.SetPrimary(ctx, []string{winnerID}, true); err != nil {
		return eris.Wrap(err, "resolve: set primary")
	}
	return nil
}

// applyAverage produces the synthetic mean of one value per source and
// flags it primary. Only additive metric types reach here.
func (r *Resolver) applyAverage(ctx context.Context, userID string, cat model.Category, metricType string, candidates []model.MetricRecord, all []model.MetricRecord) error {
	bySource := make(map[string]model.MetricRecord)
	for _, rec := range candidates {
		if best, ok := bySource[rec.SourceName]; !ok || rec.QualityScore > best.QualityScore {
			bySource[rec.SourceName] = rec
		}
	}

	sources := make([]string, 0, len(bySource))
	for s := range bySource {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	var sum float64
	for _, s := range sources {
		sum += bySource[s].Value
	}
	mean := sum / float64(len(sources))

	bucket := model.Bucket(candidates[0].RecordedAt)
	synthetic := model.MetricRecord{
		UserID:     userID,
		MetricType: metricType,
		Category:   cat,
		Value:      mean,
		Unit:       candidates[0].Unit,
		RecordedAt: bucket,
		SourceName: model.SyntheticSource,
		Payload: map[string]any{
			"synthetic":    true,
			"source_count": len(sources),
			"sources":      sources,
		},
		IsPrimary: true,
	}

	if err := r.applyPrimary(ctx, "", all); err != nil {
		return err
	}
	id, err := r.store.UpsertSynthetic(ctx, synthetic)
	if err != nil {
		return eris.Wrapf(err, "resolve: synthetic average for %s/%s", userID, metricType)
	}
	if err := r.store.SetPrimary(ctx, []string{id}, true); err != nil {
		return eris.Wrap(err, "resolve: flag synthetic primary")
	}

	r.logger.Debug("synthetic average flagged primary",
		zap.String("user_id", userID),
		zap.String("metric_type", metricType),
		zap.Time("bucket", bucket),
		zap.Int("sources", len(sources)))
	return nil
}
