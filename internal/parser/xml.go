package parser

import (
	"context"
	"encoding/xml"
	"io"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/meridian-health/vitals-cli/internal/model"
)

// xmlRecord is one leaf record element of a structured-markup export:
//
//	<Records>
//	  <Record type="activity_steps" value="8254" unit="count"
//	          recordedAt="2026-01-02T08:00:00Z" source="fitpulse">
//	    <Meta key="device" value="Pulse 3"/>
//	  </Record>
//	</Records>
type xmlRecord struct {
	Type       string    `xml:"type,attr"`
	Value      string    `xml:"value,attr"`
	Unit       string    `xml:"unit,attr"`
	RecordedAt string    `xml:"recordedAt,attr"`
	Source     string    `xml:"source,attr"`
	Meta       []xmlMeta `xml:"Meta"`
}

type xmlMeta struct {
	Key   string `xml:"key,attr"`
	Value string `xml:"value,attr"`
}

// ParseXML streams a structured-markup export. The document is walked
// token by token; each completed Record element is emitted and discarded
// immediately, so memory use is bounded by nesting depth, not document
// size. Records with unmapped types are dropped silently; malformed values
// and timestamps are skipped and counted; a malformed document or a
// missing Records section aborts the stream as a structural failure.
func ParseXML(ctx context.Context, r io.Reader, pc Context) *Stream {
	metricCh := make(chan model.CandidateMetric, 64)
	errCh := make(chan error, 1)
	stats := NewStats()

	go func() {
		defer close(metricCh)
		defer close(errCh)
		defer closeInput(r)

		decoder := xml.NewDecoder(r)
		decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
			enc, err := htmlindex.Get(charset)
			if err != nil {
				return nil, eris.Wrapf(err, "parser: unsupported charset %q", charset)
			}
			return enc.NewDecoder().Reader(input), nil
		}

		sawRecords := false
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "parser: xml context cancelled")
				return
			}

			tok, err := decoder.Token()
			if err == io.EOF {
				if !sawRecords {
					errCh <- structuralErr(eris.New("parser: export missing Records section"))
				}
				return
			}
			if err != nil {
				errCh <- structuralErr(eris.Wrap(err, "parser: read xml token"))
				return
			}

			se, ok := tok.(xml.StartElement)
			if !ok {
				continue
			}

			switch se.Name.Local {
			case "Records":
				sawRecords = true
				continue
			case "Record":
			default:
				continue
			}

			var rec xmlRecord
			if err := decoder.DecodeElement(&rec, &se); err != nil {
				errCh <- structuralErr(eris.Wrap(err, "parser: decode record element"))
				return
			}

			recordCtx := pc
			if rec.Source != "" {
				recordCtx.SourceName = rec.Source
			}

			var payload map[string]any
			if len(rec.Meta) > 0 {
				payload = make(map[string]any, len(rec.Meta))
				for _, m := range rec.Meta {
					payload[m.Key] = m.Value
				}
			}

			cand, err := buildCandidate(recordCtx, rec.Type, rec.Value, rec.Unit, rec.RecordedAt, "", payload)
			if err != nil {
				if !eris.Is(err, errUnmapped) {
					stats.skipped.Add(1)
					zap.L().Debug("parser: skipping malformed record",
						zap.String("metric_type", rec.Type),
						zap.Error(err),
					)
				}
				continue
			}

			select {
			case metricCh <- cand:
				stats.emitted.Add(1)
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "parser: xml context cancelled")
				return
			}
		}
	}()

	return &Stream{Metrics: metricCh, Errs: errCh, Stats: stats}
}
