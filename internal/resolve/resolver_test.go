package resolve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-health/vitals-cli/internal/catalog"
	"github.com/meridian-health/vitals-cli/internal/model"
	"github.com/meridian-health/vitals-cli/internal/store"
)

var testBucket = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func insertRecord(t *testing.T, st *store.MemoryStore, metricType string, cat model.Category, source string, value, quality float64, offset time.Duration) string {
	t.Helper()
	id, err := st.Insert(context.Background(), model.MetricRecord{
		UserID:       "user-1",
		MetricType:   metricType,
		Category:     cat,
		Value:        value,
		Unit:         "count",
		RecordedAt:   testBucket.Add(offset),
		SourceName:   source,
		QualityScore: quality,
	})
	require.NoError(t, err)
	return id
}

func primaries(t *testing.T, st *store.MemoryStore, cat model.Category) []model.MetricRecord {
	t.Helper()
	records, err := st.BucketRecords(context.Background(), "user-1", cat, testBucket)
	require.NoError(t, err)
	var out []model.MetricRecord
	for _, rec := range records {
		if rec.IsPrimary {
			out = append(out, rec)
		}
	}
	return out
}

func TestResolver_EmptyBucketIsNoop(t *testing.T) {
	r := New(store.NewMemory(), catalog.Default())
	err := r.ResolveBucket(context.Background(), "user-1", model.CategoryActivity, testBucket)
	require.NoError(t, err)
}

func TestResolver_DefaultPolicyPicksHighestQuality(t *testing.T) {
	st := store.NewMemory()
	r := New(st, catalog.Default())
	ctx := context.Background()

	insertRecord(t, st, "activity_steps", model.CategoryActivity, "manual_entry", 9800, 0.7, 0)
	best := insertRecord(t, st, "activity_steps", model.CategoryActivity, "fitpulse", 10000, 1.0, 10*time.Second)

	require.NoError(t, r.ResolveBucket(ctx, "user-1", model.CategoryActivity, testBucket))

	got := primaries(t, st, model.CategoryActivity)
	require.Len(t, got, 1)
	assert.Equal(t, best, got[0].ID)
}

func TestResolver_PreferPrimaryFallbackChain(t *testing.T) {
	st := store.NewMemory()
	r := New(st, catalog.Default())
	ctx := context.Background()

	require.NoError(t, st.PutPreference(ctx, model.SourcePreference{
		UserID: "user-1",
		Rankings: map[model.Category][]string{
			model.CategoryActivity: {"source-a", "source-b", "source-c"},
		},
		Policy: model.PolicyPreferPrimary,
	}))
	// Ranked first but never connected: skipped, not treated as missing data.
	require.NoError(t, st.UpsertConnections(ctx, "user-1", []string{"source-b", "source-c"}))

	idB := insertRecord(t, st, "activity_steps", model.CategoryActivity, "source-b", 10000, 0.9, 0)
	idC := insertRecord(t, st, "activity_steps", model.CategoryActivity, "source-c", 10200, 0.95, 10*time.Second)

	require.NoError(t, r.ResolveBucket(ctx, "user-1", model.CategoryActivity, testBucket))
	got := primaries(t, st, model.CategoryActivity)
	require.Len(t, got, 1)
	assert.Equal(t, idB, got[0].ID)

	// B disconnects; rerunning hands the flag to C and clears B.
	require.NoError(t, st.DisconnectSource(ctx, "user-1", "source-b"))
	require.NoError(t, r.ResolveBucket(ctx, "user-1", model.CategoryActivity, testBucket))

	got = primaries(t, st, model.CategoryActivity)
	require.Len(t, got, 1)
	assert.Equal(t, idC, got[0].ID)
}

func TestResolver_AveragePolicyCreatesSynthetic(t *testing.T) {
	st := store.NewMemory()
	r := New(st, catalog.Default())
	ctx := context.Background()

	require.NoError(t, st.PutPreference(ctx, model.SourcePreference{
		UserID:   "user-1",
		Rankings: map[model.Category][]string{},
		Policy:   model.PolicyAverage,
	}))

	insertRecord(t, st, "activity_steps", model.CategoryActivity, "fitpulse", 10000, 1.0, 0)
	insertRecord(t, st, "activity_steps", model.CategoryActivity, "manual_entry", 11000, 0.7, 10*time.Second)

	require.NoError(t, r.ResolveBucket(ctx, "user-1", model.CategoryActivity, testBucket))

	got := primaries(t, st, model.CategoryActivity)
	require.Len(t, got, 1)
	assert.True(t, got[0].Synthetic())
	assert.Equal(t, 10500.0, got[0].Value)
	assert.Equal(t, true, got[0].Payload["synthetic"])

	// Re-resolution updates the same synthetic record rather than
	// stacking new ones.
	require.NoError(t, r.ResolveBucket(ctx, "user-1", model.CategoryActivity, testBucket))
	records, err := st.BucketRecords(ctx, "user-1", model.CategoryActivity, testBucket)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.Len(t, primaries(t, st, model.CategoryActivity), 1)
}

func TestResolver_AverageFallsBackForNonAdditive(t *testing.T) {
	st := store.NewMemory()
	r := New(st, catalog.Default())
	ctx := context.Background()

	require.NoError(t, st.PutPreference(ctx, model.SourcePreference{
		UserID:   "user-1",
		Rankings: map[model.Category][]string{},
		Policy:   model.PolicyAverage,
	}))

	// Heart rate is a point-in-time reading; averaging across sources is
	// refused in favor of quality selection.
	best := insertRecord(t, st, "heart_rate", model.CategoryHeartHealth, "fitpulse", 62, 1.0, 0)
	insertRecord(t, st, "heart_rate", model.CategoryHeartHealth, "manual_entry", 70, 0.7, 10*time.Second)

	require.NoError(t, r.ResolveBucket(ctx, "user-1", model.CategoryHeartHealth, testBucket))

	got := primaries(t, st, model.CategoryHeartHealth)
	require.Len(t, got, 1)
	assert.Equal(t, best, got[0].ID)
	assert.False(t, got[0].Synthetic())
}

func TestResolver_PrimaryUniquenessAcrossReruns(t *testing.T) {
	st := store.NewMemory()
	r := New(st, catalog.Default())
	ctx := context.Background()

	insertRecord(t, st, "activity_steps", model.CategoryActivity, "fitpulse", 10000, 1.0, 0)
	insertRecord(t, st, "activity_steps", model.CategoryActivity, "manual_entry", 9800, 0.7, 10*time.Second)
	insertRecord(t, st, "heart_rate", model.CategoryHeartHealth, "fitpulse", 62, 1.0, 0)

	for i := 0; i < 3; i++ {
		require.NoError(t, r.ResolveBucket(ctx, "user-1", model.CategoryActivity, testBucket))
		require.NoError(t, r.ResolveBucket(ctx, "user-1", model.CategoryHeartHealth, testBucket))
	}

	assert.Len(t, primaries(t, st, model.CategoryActivity), 1)
	assert.Len(t, primaries(t, st, model.CategoryHeartHealth), 1)
}

func TestResolver_AllSourcesDisconnectedClearsFlags(t *testing.T) {
	st := store.NewMemory()
	r := New(st, catalog.Default())
	ctx := context.Background()

	require.NoError(t, st.UpsertConnections(ctx, "user-1", []string{"fitpulse"}))
	id := insertRecord(t, st, "activity_steps", model.CategoryActivity, "fitpulse", 10000, 1.0, 0)

	require.NoError(t, r.ResolveBucket(ctx, "user-1", model.CategoryActivity, testBucket))
	require.Len(t, primaries(t, st, model.CategoryActivity), 1)

	require.NoError(t, st.DisconnectSource(ctx, "user-1", "fitpulse"))
	require.NoError(t, r.ResolveBucket(ctx, "user-1", model.CategoryActivity, testBucket))

	assert.Empty(t, primaries(t, st, model.CategoryActivity))

	// The record itself survives; only the flag is cleared.
	records, err := st.BucketRecords(ctx, "user-1", model.CategoryActivity, testBucket)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ID)
}

func TestResolver_ResolveRangeCoversEveryBucket(t *testing.T) {
	st := store.NewMemory()
	r := New(st, catalog.Default())
	ctx := context.Background()

	insertRecord(t, st, "activity_steps", model.CategoryActivity, "fitpulse", 10000, 1.0, 0)
	insertRecord(t, st, "activity_steps", model.CategoryActivity, "fitpulse", 4000, 1.0, 2*time.Hour)

	require.NoError(t, r.ResolveRange(ctx, "user-1", model.CategoryActivity,
		testBucket.Add(-time.Hour), testBucket.Add(3*time.Hour)))

	records, err := st.Query(ctx, "user-1", model.CategoryActivity,
		testBucket.Add(-time.Hour), testBucket.Add(3*time.Hour))
	require.NoError(t, err)

	count := 0
	for _, rec := range records {
		if rec.IsPrimary {
			count++
		}
	}
	assert.Equal(t, 2, count)
}
