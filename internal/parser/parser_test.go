package parser

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-health/vitals-cli/internal/catalog"
	"github.com/meridian-health/vitals-cli/internal/model"
	"github.com/meridian-health/vitals-cli/internal/resilience"
)

func testContext() Context {
	return Context{
		UserID:     "user-1",
		SourceName: "fitpulse",
		Catalog:    catalog.Default(),
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// drain collects everything a stream produces, then returns its terminal
// error (nil on a clean finish).
func drain(t *testing.T, s *Stream) ([]model.CandidateMetric, error) {
	t.Helper()
	var out []model.CandidateMetric
	for cand := range s.Metrics {
		out = append(out, cand)
	}
	return out, <-s.Errs
}

func TestParseXMLEmitsRecords(t *testing.T) {
	doc := `<?xml version="1.0"?>
<Export>
  <Records>
    <Record type="activity_steps" value="8254" unit="count" recordedAt="2026-01-02T08:00:00Z">
      <Meta key="device" value="Pulse 3"/>
    </Record>
    <Record type="heart_rate" value="62" recordedAt="2026-01-02T08:01:00Z" source="pulseband"/>
  </Records>
</Export>`

	stream := ParseXML(t.Context(), strings.NewReader(doc), testContext())
	cands, err := drain(t, stream)
	require.NoError(t, err)
	require.Len(t, cands, 2)

	steps := cands[0]
	assert.Equal(t, "activity_steps", steps.MetricType)
	assert.Equal(t, model.CategoryActivity, steps.Category)
	assert.Equal(t, 8254.0, steps.Value)
	assert.Equal(t, "fitpulse", steps.SourceName)
	assert.Equal(t, map[string]any{"device": "Pulse 3"}, steps.Payload)

	hr := cands[1]
	assert.Equal(t, "bpm", hr.Unit, "unit defaults from the catalog")
	assert.Equal(t, "pulseband", hr.SourceName, "record-level source attribute wins")
	assert.Equal(t, int64(2), stream.Stats.Emitted())
}

func TestParseXMLSkipsMalformedRecords(t *testing.T) {
	doc := `<Records>
  <Record type="activity_steps" value="not-a-number" recordedAt="2026-01-02T08:00:00Z"/>
  <Record type="activity_steps" value="100" recordedAt="yesterday-ish"/>
  <Record type="activity_steps" value="100" recordedAt="2026-01-02T08:00:00Z"/>
</Records>`

	stream := ParseXML(t.Context(), strings.NewReader(doc), testContext())
	cands, err := drain(t, stream)
	require.NoError(t, err)
	assert.Len(t, cands, 1)
	assert.Equal(t, int64(2), stream.Stats.Skipped())
}

func TestParseXMLDropsUnmappedTypesSilently(t *testing.T) {
	doc := `<Records>
  <Record type="proprietary_vibes_index" value="11" recordedAt="2026-01-02T08:00:00Z"/>
  <Record type="heart_rate" value="60" recordedAt="2026-01-02T08:00:00Z"/>
</Records>`

	stream := ParseXML(t.Context(), strings.NewReader(doc), testContext())
	cands, err := drain(t, stream)
	require.NoError(t, err)
	assert.Len(t, cands, 1)
	assert.Equal(t, int64(0), stream.Stats.Skipped(), "unmapped types do not count as skips")
}

func TestParseXMLMalformedDocumentIsStructural(t *testing.T) {
	doc := `<Records><Record type="heart_rate" value="60" recordedAt="2026-01-02T08:00:00Z">`

	stream := ParseXML(t.Context(), strings.NewReader(doc), testContext())
	_, err := drain(t, stream)
	require.Error(t, err)
	assert.True(t, resilience.IsStructural(err))
}

func TestParseXMLMissingRecordsSection(t *testing.T) {
	stream := ParseXML(t.Context(), strings.NewReader(`<Export></Export>`), testContext())
	_, err := drain(t, stream)
	require.Error(t, err)
	assert.True(t, resilience.IsStructural(err))
	assert.Contains(t, err.Error(), "missing Records section")
}

// trackingCloser records whether the parser released its input.
type trackingCloser struct {
	io.Reader
	closed bool
}

func (c *trackingCloser) Close() error {
	c.closed = true
	return nil
}

func TestParseXMLReleasesInputOnStructuralAbort(t *testing.T) {
	in := &trackingCloser{Reader: strings.NewReader(
		`<Records><Record type="heart_rate" value="60" recordedAt="2026-01-02T08:00:00Z"/><Record`)}

	stream := ParseXML(t.Context(), in, testContext())
	_, err := drain(t, stream)
	require.Error(t, err)
	assert.True(t, resilience.IsStructural(err))
	assert.True(t, in.closed)
}

func TestParseCSVReleasesInputWhenDone(t *testing.T) {
	in := &trackingCloser{Reader: strings.NewReader(
		"timestamp,metric,reading,unit\n2026-01-02T08:00:00Z,heart_rate,60,bpm\n")}

	pc := testContext()
	pc.Mapping = csvMapping()
	stream, err := ParseCSV(t.Context(), in, pc)
	require.NoError(t, err)

	cands, err := drain(t, stream)
	require.NoError(t, err)
	assert.Len(t, cands, 1)
	assert.True(t, in.closed)
}

func TestParseXMLCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stream := ParseXML(ctx, strings.NewReader(`<Records></Records>`), testContext())
	_, err := drain(t, stream)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func csvMapping() *ColumnMapping {
	return &ColumnMapping{
		Timestamp:  "timestamp",
		Value:      "reading",
		MetricType: "metric",
		Unit:       "unit",
	}
}

func TestParseCSVEmitsRows(t *testing.T) {
	input := `timestamp,metric,reading,unit
2026-01-02T08:00:00Z,activity_steps,8254,count
2026-01-02 08:05:00,heart_rate,62,`

	pc := testContext()
	pc.Mapping = csvMapping()
	stream, err := ParseCSV(t.Context(), strings.NewReader(input), pc)
	require.NoError(t, err)

	cands, err := drain(t, stream)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, 8254.0, cands[0].Value)
	assert.Equal(t, "bpm", cands[1].Unit, "empty unit cell defaults from the catalog")
	assert.Equal(t, time.Date(2026, 1, 2, 8, 5, 0, 0, time.UTC), cands[1].RecordedAt,
		"zoneless timestamps are taken as UTC")
}

func TestParseCSVSniffsDelimiter(t *testing.T) {
	for name, input := range map[string]string{
		"semicolon": "timestamp;metric;reading\n2026-01-02T08:00:00Z;heart_rate;62",
		"tab":       "timestamp\tmetric\treading\n2026-01-02T08:00:00Z\theart_rate\t62",
		"pipe":      "timestamp|metric|reading\n2026-01-02T08:00:00Z|heart_rate|62",
	} {
		t.Run(name, func(t *testing.T) {
			pc := testContext()
			pc.Mapping = csvMapping()
			stream, err := ParseCSV(t.Context(), strings.NewReader(input), pc)
			require.NoError(t, err)
			cands, err := drain(t, stream)
			require.NoError(t, err)
			require.Len(t, cands, 1)
			assert.Equal(t, 62.0, cands[0].Value)
		})
	}
}

func TestParseCSVSkipToleranceLargeFile(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("timestamp,metric,reading\n")
	base := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 1000; i++ {
		value := "70"
		if i == 100 || i == 500 || i == 900 {
			value = "not-a-number"
		}
		fmt.Fprintf(&sb, "%s,heart_rate,%s\n", base.Add(time.Duration(i)*time.Minute).Format(time.RFC3339), value)
	}

	pc := testContext()
	pc.Mapping = csvMapping()
	stream, err := ParseCSV(t.Context(), strings.NewReader(sb.String()), pc)
	require.NoError(t, err)

	cands, err := drain(t, stream)
	require.NoError(t, err)
	assert.Len(t, cands, 997)
	assert.Equal(t, int64(3), stream.Stats.Skipped())
}

func TestParseCSVCategoryMismatchSkipsRow(t *testing.T) {
	input := `timestamp,metric,reading,cat
2026-01-02T08:00:00Z,heart_rate,62,activity
2026-01-02T08:01:00Z,heart_rate,63,heart_health`

	pc := testContext()
	pc.Mapping = csvMapping()
	pc.Mapping.Category = "cat"
	stream, err := ParseCSV(t.Context(), strings.NewReader(input), pc)
	require.NoError(t, err)

	cands, err := drain(t, stream)
	require.NoError(t, err)
	assert.Len(t, cands, 1)
	assert.Equal(t, int64(1), stream.Stats.Skipped())
}

func TestParseCSVMissingMappedColumn(t *testing.T) {
	pc := testContext()
	pc.Mapping = csvMapping()
	_, err := ParseCSV(t.Context(), strings.NewReader("when,what,how_much\n"), pc)
	require.Error(t, err)
	assert.True(t, resilience.IsStructural(err))
}

func TestParseCSVNilMapping(t *testing.T) {
	pc := testContext()
	_, err := ParseCSV(t.Context(), strings.NewReader("a,b,c\n"), pc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "column mapping is required")
}

func TestParseTimestamp(t *testing.T) {
	cases := []struct {
		raw       string
		preferred string
		want      time.Time
		wantErr   bool
	}{
		{raw: "2026-01-02T08:00:00Z", want: time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)},
		{raw: "2026-01-02 08:00:00", want: time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)},
		{raw: "01/02/2026 08:00", want: time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)},
		{raw: "2026-01-02", want: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
		{raw: "1767340800", want: time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)},
		{raw: "02.01.2026 08:00", preferred: "02.01.2006 15:04", want: time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC)},
		{raw: "yesterday-ish", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := parseTimestamp(tc.raw, tc.preferred)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSniffDelimiterTieGoesToComma(t *testing.T) {
	assert.Equal(t, ',', sniffDelimiter([]byte("a,b;c,d;e")))
}

func TestBuildCandidateRejectsReservedSource(t *testing.T) {
	pc := testContext()
	pc.SourceName = model.SyntheticSource
	_, err := buildCandidate(pc, "heart_rate", "60", "", "2026-01-02T08:00:00Z", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved source name")
}

func TestLoadColumnMapping(t *testing.T) {
	path := t.TempDir() + "/mapping.yaml"
	writeFile(t, path, `
timestamp: Logged At
value: Amount
metric_type: Metric
time_format: "01/02/2006 15:04"
`)

	m, err := LoadColumnMapping(path)
	require.NoError(t, err)
	assert.Equal(t, "Logged At", m.Timestamp)
	assert.Equal(t, "01/02/2006 15:04", m.TimeFormat)
}

func TestLoadColumnMappingIncomplete(t *testing.T) {
	path := t.TempDir() + "/mapping.yaml"
	writeFile(t, path, "timestamp: ts\n")

	_, err := LoadColumnMapping(path)
	require.Error(t, err)
}
