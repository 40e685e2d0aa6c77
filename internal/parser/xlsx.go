package parser

import (
	"context"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/meridian-health/vitals-cli/internal/model"
)

// ParseXLSX streams the first sheet of a spreadsheet export through the
// same column-mapped row pipeline as delimited text. The sheet's row count
// is known up front, so the stream reports a total.
func ParseXLSX(ctx context.Context, path string, pc Context) (*Stream, error) {
	if err := pc.Mapping.Validate(); err != nil {
		return nil, structuralErr(err)
	}

	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, structuralErr(eris.Wrap(err, "parser: open spreadsheet"))
	}
	if len(f.Sheets) == 0 {
		return nil, structuralErr(eris.New("parser: spreadsheet has no sheets"))
	}
	sheet := f.Sheets[0]
	if len(sheet.Rows) == 0 {
		return nil, structuralErr(eris.New("parser: spreadsheet sheet is empty"))
	}

	header := rowToStrings(sheet.Rows[0])
	idx, err := headerIndex(header, pc.Mapping)
	if err != nil {
		return nil, structuralErr(err)
	}

	metricCh := make(chan model.CandidateMetric, 64)
	errCh := make(chan error, 1)
	stats := NewStats()
	stats.SetTotal(int64(len(sheet.Rows) - 1))

	go func() {
		defer close(metricCh)
		defer close(errCh)

		for _, row := range sheet.Rows[1:] {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "parser: xlsx context cancelled")
				return
			}

			cand, err := rowCandidate(pc, rowToStrings(row), idx)
			if err != nil {
				if !eris.Is(err, errUnmapped) {
					stats.skipped.Add(1)
					zap.L().Debug("parser: skipping spreadsheet row", zap.Error(err))
				}
				continue
			}

			select {
			case metricCh <- cand:
				stats.emitted.Add(1)
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "parser: xlsx context cancelled")
				return
			}
		}
	}()

	return &Stream{Metrics: metricCh, Errs: errCh, Stats: stats}, nil
}

func rowToStrings(row *xlsx.Row) []string {
	out := make([]string, len(row.Cells))
	for i, cell := range row.Cells {
		out[i] = cell.String()
	}
	return out
}
