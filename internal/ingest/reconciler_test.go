package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-health/vitals-cli/internal/model"
	"github.com/meridian-health/vitals-cli/internal/resilience"
	"github.com/meridian-health/vitals-cli/internal/store"
)

func testCandidate(recordedAt time.Time) model.CandidateMetric {
	return model.CandidateMetric{
		UserID:       "user-1",
		MetricType:   "heart_rate",
		Category:     model.CategoryHeartHealth,
		Value:        62,
		Unit:         "bpm",
		RecordedAt:   recordedAt,
		SourceName:   "fitpulse",
		QualityScore: 1.0,
	}
}

func TestReconciler_FirstCandidateInserts(t *testing.T) {
	r := NewReconciler(store.NewMemory())

	res, err := r.Reconcile(context.Background(), testCandidate(time.Date(2026, 3, 1, 9, 30, 12, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, res.Outcome)
	assert.NotEmpty(t, res.RecordID)
	assert.Equal(t, time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC), res.Bucket)
}

func TestReconciler_ExactDuplicateDiscarded(t *testing.T) {
	r := NewReconciler(store.NewMemory())
	ctx := context.Background()
	cand := testCandidate(time.Date(2026, 3, 1, 9, 30, 12, 0, time.UTC))

	first, err := r.Reconcile(ctx, cand)
	require.NoError(t, err)
	require.Equal(t, OutcomeInserted, first.Outcome)

	second, err := r.Reconcile(ctx, cand)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiscarded, second.Outcome)
	assert.Equal(t, first.RecordID, second.RecordID)
}

func TestReconciler_WindowBoundary(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name  string
		apart time.Duration
		want  Outcome
	}{
		{"59 seconds apart merges", 59 * time.Second, OutcomeDiscarded},
		{"exactly 60 seconds apart merges", 60 * time.Second, OutcomeDiscarded},
		{"61 seconds apart stays distinct", 61 * time.Second, OutcomeInserted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReconciler(store.NewMemory())
			ctx := context.Background()

			first, err := r.Reconcile(ctx, testCandidate(base))
			require.NoError(t, err)
			require.Equal(t, OutcomeInserted, first.Outcome)

			second, err := r.Reconcile(ctx, testCandidate(base.Add(tt.apart)))
			require.NoError(t, err)
			assert.Equal(t, tt.want, second.Outcome)
		})
	}
}

func TestReconciler_ValueEpsilon(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name   string
		first  float64
		second float64
		want   Outcome
	}{
		{"identical values merge", 10000, 10000, OutcomeDiscarded},
		{"jitter within epsilon merges", 10000, 10000.5, OutcomeDiscarded},
		{"distinct values both kept", 10000, 10100, OutcomeInserted},
		{"zero values merge", 0, 0, OutcomeDiscarded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReconciler(store.NewMemory())
			ctx := context.Background()

			a := testCandidate(base)
			a.MetricType = "activity_steps"
			a.Category = model.CategoryActivity
			a.Value = tt.first
			_, err := r.Reconcile(ctx, a)
			require.NoError(t, err)

			b := a
			b.Value = tt.second
			b.RecordedAt = base.Add(30 * time.Second)
			res, err := r.Reconcile(ctx, b)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Outcome)
		})
	}
}

func TestReconciler_DifferentSourcesCoexist(t *testing.T) {
	st := store.NewMemory()
	r := NewReconciler(st)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	a := testCandidate(base)
	_, err := r.Reconcile(ctx, a)
	require.NoError(t, err)

	b := testCandidate(base.Add(10 * time.Second))
	b.SourceName = "sleeptrack"
	res, err := r.Reconcile(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInserted, res.Outcome)

	records, err := st.FindCandidateMatches(ctx, "user-1", "heart_rate", store.Window(base, time.Minute))
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestReconciler_RicherMetadataMerges(t *testing.T) {
	st := store.NewMemory()
	r := NewReconciler(st)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	plain := testCandidate(base)
	first, err := r.Reconcile(ctx, plain)
	require.NoError(t, err)

	richer := testCandidate(base.Add(5 * time.Second))
	richer.Payload = map[string]any{"device_id": "watch-7", "firmware": "2.1"}
	res, err := r.Reconcile(ctx, richer)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, first.RecordID, res.RecordID)

	records, err := st.FindCandidateMatches(ctx, "user-1", "heart_rate", store.Window(base, time.Minute))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "watch-7", records[0].Payload["device_id"])
}

func TestReconciler_ExistingMetadataNotOverwritten(t *testing.T) {
	st := store.NewMemory()
	r := NewReconciler(st)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	original := testCandidate(base)
	original.Payload = map[string]any{"device_id": "watch-7"}
	_, err := r.Reconcile(ctx, original)
	require.NoError(t, err)

	conflicting := testCandidate(base.Add(5 * time.Second))
	conflicting.Payload = map[string]any{"device_id": "other-device"}
	res, err := r.Reconcile(ctx, conflicting)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDiscarded, res.Outcome)

	records, err := st.FindCandidateMatches(ctx, "user-1", "heart_rate", store.Window(base, time.Minute))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "watch-7", records[0].Payload["device_id"])
}

func TestReconciler_RejectsSyntheticSource(t *testing.T) {
	r := NewReconciler(store.NewMemory())

	cand := testCandidate(time.Now().UTC())
	cand.SourceName = model.SyntheticSource
	_, err := r.Reconcile(context.Background(), cand)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved source")
	assert.False(t, resilience.IsStoreWrite(err))
}

// brokenInserts fails every Insert so callers can classify the error.
type brokenInserts struct {
	store.Store
}

func (b *brokenInserts) Insert(ctx context.Context, rec model.MetricRecord) (string, error) {
	return "", errors.New("disk full")
}

func TestReconciler_ErrorClassification(t *testing.T) {
	ctx := context.Background()

	r := NewReconciler(&brokenInserts{Store: store.NewMemory()})
	_, err := r.Reconcile(ctx, testCandidate(time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)))
	require.Error(t, err)
	assert.True(t, resilience.IsStoreWrite(err))

	r = NewReconciler(store.NewMemory())
	bad := testCandidate(time.Now().UTC())
	bad.Category = model.Category("astral_projection")
	_, err = r.Reconcile(ctx, bad)
	require.Error(t, err)
	assert.False(t, resilience.IsStoreWrite(err))
}

func TestReconciler_Idempotence(t *testing.T) {
	st := store.NewMemory()
	r := NewReconciler(st)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	batch := make([]model.CandidateMetric, 0, 10)
	for i := 0; i < 10; i++ {
		c := testCandidate(base.Add(time.Duration(i) * 5 * time.Minute))
		batch = append(batch, c)
	}

	for _, c := range batch {
		res, err := r.Reconcile(ctx, c)
		require.NoError(t, err)
		require.Equal(t, OutcomeInserted, res.Outcome)
	}

	// Second pass over the same payload must not insert anything new.
	for _, c := range batch {
		res, err := r.Reconcile(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDiscarded, res.Outcome)
	}

	records, err := st.Query(ctx, "user-1", model.CategoryHeartHealth, base.Add(-time.Hour), base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Len(t, records, 10)
}

func TestReconciler_ConcurrentSameCandidate(t *testing.T) {
	st := store.NewMemory()
	r := NewReconciler(st)
	base := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	const writers = 8
	results := make([]Result, writers)
	errs := make([]error, writers)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Reconcile(context.Background(), testCandidate(base))
		}(i)
	}
	wg.Wait()

	inserted := 0
	for i := 0; i < writers; i++ {
		require.NoError(t, errs[i])
		if results[i].Outcome == OutcomeInserted {
			inserted++
		}
	}
	assert.Equal(t, 1, inserted, "exactly one writer may insert")

	records, err := st.FindCandidateMatches(context.Background(), "user-1", "heart_rate", store.Window(base, time.Minute))
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestValuesMatch(t *testing.T) {
	assert.True(t, valuesMatch(100, 100))
	assert.True(t, valuesMatch(100, 100.005))
	assert.True(t, valuesMatch(0, 0))
	assert.False(t, valuesMatch(100, 101))
	assert.False(t, valuesMatch(0, 0.5))
}
