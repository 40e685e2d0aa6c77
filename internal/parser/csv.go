package parser

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/meridian-health/vitals-cli/internal/model"
)

// sniffDelimiter samples up to the first kilobyte and picks the candidate
// delimiter that appears most often. Comma wins ties.
func sniffDelimiter(sample []byte) rune {
	counts := map[rune]int{',': 0, ';': 0, '\t': 0, '|': 0}
	for _, b := range sample {
		r := rune(b)
		if _, ok := counts[r]; ok {
			counts[r]++
		}
	}
	best := ','
	for _, r := range []rune{';', '\t', '|'} {
		if counts[r] > counts[best] {
			best = r
		}
	}
	return best
}

// headerIndex maps the column mapping's header names to column positions.
// Matching is case-insensitive on trimmed header cells.
func headerIndex(header []string, m *ColumnMapping) (map[string]int, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.ToLower(strings.TrimSpace(h))] = i
	}

	idx := make(map[string]int, 5)
	required := map[string]string{
		"timestamp":   m.Timestamp,
		"value":       m.Value,
		"metric_type": m.MetricType,
	}
	for field, col := range required {
		i, ok := pos[strings.ToLower(col)]
		if !ok {
			return nil, eris.Errorf("parser: mapped column %q for %s not found in header", col, field)
		}
		idx[field] = i
	}
	for field, col := range map[string]string{"category": m.Category, "unit": m.Unit} {
		if col == "" {
			continue
		}
		if i, ok := pos[strings.ToLower(col)]; ok {
			idx[field] = i
		}
	}
	return idx, nil
}

// ParseCSV streams a delimited-text export using a user-supplied column
// mapping. The delimiter is auto-detected from the first kilobyte. Rows
// missing a required mapped field are skipped and counted; an unreadable
// header is a structural failure.
func ParseCSV(ctx context.Context, r io.Reader, pc Context) (*Stream, error) {
	if err := pc.Mapping.Validate(); err != nil {
		return nil, structuralErr(err)
	}

	br := bufio.NewReaderSize(r, 64*1024)
	sample, _ := br.Peek(1024)
	delim := sniffDelimiter(sample)

	reader := csv.NewReader(br)
	reader.Comma = delim
	reader.FieldsPerRecord = -1 // tolerate ragged rows; they skip per field checks

	header, err := reader.Read()
	if err != nil {
		return nil, structuralErr(eris.Wrap(err, "parser: read csv header"))
	}
	idx, err := headerIndex(header, pc.Mapping)
	if err != nil {
		return nil, structuralErr(err)
	}

	metricCh := make(chan model.CandidateMetric, 64)
	errCh := make(chan error, 1)
	stats := NewStats()

	go func() {
		defer close(metricCh)
		defer close(errCh)
		defer closeInput(r)

		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "parser: csv context cancelled")
				return
			}

			row, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				// A row encoding/csv cannot tokenize at all (bare quote
				// mid-row) is a per-record problem, not a dead file.
				if _, ok := err.(*csv.ParseError); ok {
					stats.skipped.Add(1)
					continue
				}
				errCh <- structuralErr(eris.Wrap(err, "parser: read csv row"))
				return
			}

			cand, err := rowCandidate(pc, row, idx)
			if err != nil {
				if !eris.Is(err, errUnmapped) {
					stats.skipped.Add(1)
					zap.L().Debug("parser: skipping csv row", zap.Error(err))
				}
				continue
			}

			select {
			case metricCh <- cand:
				stats.emitted.Add(1)
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "parser: csv context cancelled")
				return
			}
		}
	}()

	return &Stream{Metrics: metricCh, Errs: errCh, Stats: stats}, nil
}

// rowCandidate builds a candidate from one tabular row using resolved
// column positions. Shared by the delimited-text and spreadsheet parsers.
func rowCandidate(pc Context, row []string, idx map[string]int) (model.CandidateMetric, error) {
	cell := func(field string) string {
		i, ok := idx[field]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	ts := cell("timestamp")
	value := cell("value")
	metricType := cell("metric_type")
	if ts == "" || value == "" || metricType == "" {
		return model.CandidateMetric{}, eris.New("parser: row missing required mapped field")
	}

	cand, err := buildCandidate(pc, metricType, value, cell("unit"), ts, pc.Mapping.TimeFormat, nil)
	if err != nil {
		return model.CandidateMetric{}, err
	}

	// A mapped category column may disagree with the catalog; the catalog
	// is authoritative, so a mismatch is a malformed row.
	if rawCat := cell("category"); rawCat != "" && model.Category(rawCat) != cand.Category {
		return model.CandidateMetric{}, eris.Errorf("parser: category %q does not match metric type %s", rawCat, metricType)
	}

	return cand, nil
}
