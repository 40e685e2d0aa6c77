package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-health/vitals-cli/internal/model"
	"github.com/meridian-health/vitals-cli/internal/store"
)

func TestServeHealth(t *testing.T) {
	srv := httptest.NewServer(newRouter(store.NewMemory()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestServeJobStatus(t *testing.T) {
	ctx := t.Context()
	st := store.NewMemory()
	jb, err := st.CreateJob(ctx, "user-1", model.JobOriginFile, "export.xml")
	require.NoError(t, err)

	srv := httptest.NewServer(newRouter(st))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/jobs/" + jb.ID)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view model.JobStatusView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, jb.ID, view.ID)
	assert.Equal(t, model.JobStatusPending, view.Status)
}

func TestServeJobNotFound(t *testing.T) {
	srv := httptest.NewServer(newRouter(store.NewMemory()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/jobs/no-such-job")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServeJobCancel(t *testing.T) {
	ctx := t.Context()
	st := store.NewMemory()
	jb, err := st.CreateJob(ctx, "user-1", model.JobOriginProviderSync, "fitpulse")
	require.NoError(t, err)

	srv := httptest.NewServer(newRouter(st))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/jobs/"+jb.ID+"/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	cancelled, err := st.JobCancelRequested(ctx, jb.ID)
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestServeJobList(t *testing.T) {
	ctx := t.Context()
	st := store.NewMemory()
	_, err := st.CreateJob(ctx, "user-1", model.JobOriginFile, "a.xml")
	require.NoError(t, err)
	_, err = st.CreateJob(ctx, "user-2", model.JobOriginFile, "b.xml")
	require.NoError(t, err)

	srv := httptest.NewServer(newRouter(st))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/jobs?user=user-1")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var views []model.JobStatusView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	assert.Len(t, views, 1)
}

func TestServeTimelinePrimariesOnly(t *testing.T) {
	ctx := t.Context()
	st := store.NewMemory()
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	primaryID, err := st.Insert(ctx, model.MetricRecord{
		UserID:     "user-1",
		MetricType: "activity_steps",
		Category:   model.CategoryActivity,
		Value:      10000,
		Unit:       "count",
		RecordedAt: at,
		SourceName: "fitpulse",
	})
	require.NoError(t, err)
	_, err = st.Insert(ctx, model.MetricRecord{
		UserID:     "user-1",
		MetricType: "activity_steps",
		Category:   model.CategoryActivity,
		Value:      9800,
		Unit:       "count",
		RecordedAt: at.Add(10 * time.Second),
		SourceName: "stridely",
	})
	require.NoError(t, err)
	require.NoError(t, st.SetPrimary(ctx, []string{primaryID}, true))

	srv := httptest.NewServer(newRouter(st))
	defer srv.Close()

	base := srv.URL + "/timeline?user=user-1&category=activity" +
		"&from=2026-03-01T00:00:00Z&to=2026-03-02T00:00:00Z"

	resp, err := http.Get(base)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var records []model.MetricRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.Equal(t, primaryID, records[0].ID)

	// all=true exposes secondaries too
	resp2, err := http.Get(base + "&all=true")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var all []model.MetricRecord
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&all))
	assert.Len(t, all, 2)
}

func TestServeTimelineBadCategory(t *testing.T) {
	srv := httptest.NewServer(newRouter(store.NewMemory()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/timeline?user=user-1&category=astrology" +
		"&from=2026-03-01T00:00:00Z&to=2026-03-02T00:00:00Z")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
