package fetcher

import (
	"archive/zip"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestAdaptiveLimiterTuning(t *testing.T) {
	a := NewAdaptiveLimiter(10, 10)
	assert.Equal(t, rate.Limit(10), a.Limit())

	a.OnSuccess()
	assert.InDelta(t, 12, float64(a.Limit()), 1e-9)

	// Successes cap at 2x initial.
	for i := 0; i < 20; i++ {
		a.OnSuccess()
	}
	assert.Equal(t, rate.Limit(20), a.Limit())

	a.OnRateLimit()
	assert.Equal(t, rate.Limit(10), a.Limit())

	// 429s floor at initial/4.
	for i := 0; i < 20; i++ {
		a.OnRateLimit()
	}
	assert.Equal(t, rate.Limit(2.5), a.Limit())
}

func TestGetJSON(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte(`{"records":[{"type":"heart_rate"}]}`))
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{UserAgent: "vitals-test/1.0"})
	var out struct {
		Records []map[string]string `json:"records"`
	}
	require.NoError(t, f.GetJSON(t.Context(), srv.URL, &out))
	assert.Len(t, out.Records, 1)
	assert.Equal(t, "vitals-test/1.0", gotUA)
}

func TestGetJSONClientErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{MaxRetries: 3, Timeout: 5 * time.Second})
	var out map[string]any
	err := f.GetJSON(t.Context(), srv.URL, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http 401")
	assert.Equal(t, 1, calls)
}

func TestDownloadToFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("export body"))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "export.xml")
	f := NewHTTPFetcher(HTTPOptions{})
	n, err := f.DownloadToFile(t.Context(), srv.URL, path)
	require.NoError(t, err)
	assert.Equal(t, int64(11), n)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "export body", string(data))
}

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

func TestExtractZIPSingle(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "export.zip")
	writeZip(t, archive, map[string]string{"export.xml": "<Records></Records>"})

	out, err := ExtractZIPSingle(archive, dir)
	require.NoError(t, err)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "<Records></Records>", string(data))
}

func TestExtractZIPFileNamed(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "export.zip")
	writeZip(t, archive, map[string]string{
		"readme.txt": "ignore me",
		"export.xml": "<Records></Records>",
	})

	out, err := ExtractZIPFile(archive, "export.xml", dir)
	require.NoError(t, err)
	assert.Equal(t, "export.xml", filepath.Base(out))
}

func TestExtractZIPFileMissing(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "export.zip")
	writeZip(t, archive, map[string]string{"readme.txt": "x"})

	_, err := ExtractZIPFile(archive, "export.xml", dir)
	require.Error(t, err)
}
