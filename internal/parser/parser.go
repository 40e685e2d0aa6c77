// Package parser turns raw provider payloads and uploaded files into
// ordered streams of candidate metrics. Parsers are lazy, finite, and not
// restartable mid-stream: a failed parse starts over from the beginning of
// the input. Per-record problems are skipped and counted; only structural
// failures abort a stream.
package parser

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/meridian-health/vitals-cli/internal/catalog"
	"github.com/meridian-health/vitals-cli/internal/fetcher"
	"github.com/meridian-health/vitals-cli/internal/model"
	"github.com/meridian-health/vitals-cli/internal/resilience"
)

// FileType declares the format of an uploaded file.
type FileType string

const (
	FileTypeXML  FileType = "structured-markup"
	FileTypeCSV  FileType = "delimited-text"
	FileTypeXLSX FileType = "spreadsheet"
)

// ParseFileType validates a file type string.
func ParseFileType(s string) (FileType, error) {
	switch FileType(s) {
	case FileTypeXML, FileTypeCSV, FileTypeXLSX:
		return FileType(s), nil
	}
	return "", eris.Errorf("parser: unknown file type %q", s)
}

// Stats tracks per-stream counters. Counters are atomic so the job
// controller can read progress while the parse goroutine is still running.
type Stats struct {
	emitted atomic.Int64
	skipped atomic.Int64
	total   atomic.Int64 // -1 when the total is unknown up front
}

// NewStats creates a Stats with an unknown total.
func NewStats() *Stats {
	s := &Stats{}
	s.total.Store(-1)
	return s
}

// Emitted returns the number of candidates emitted so far.
func (s *Stats) Emitted() int64 { return s.emitted.Load() }

// Skipped returns the number of records skipped so far.
func (s *Stats) Skipped() int64 { return s.skipped.Load() }

// MarkEmitted counts one emitted candidate.
func (s *Stats) MarkEmitted() { s.emitted.Add(1) }

// MarkSkipped counts one skipped record.
func (s *Stats) MarkSkipped() { s.skipped.Add(1) }

// Total returns the parser-reported total units, or nil when the stream
// never knows a total in advance.
func (s *Stats) Total() *int64 {
	t := s.total.Load()
	if t < 0 {
		return nil
	}
	return &t
}

// SetTotal records a known total unit count.
func (s *Stats) SetTotal(n int64) { s.total.Store(n) }

// Stream is one parser run: an ordered candidate sequence, a terminal error
// channel (at most one structural error), and live counters. Both channels
// are closed when the run finishes.
type Stream struct {
	Metrics <-chan model.CandidateMetric
	Errs    <-chan error
	Stats   *Stats
}

// Context carries the per-run inputs a parser needs.
type Context struct {
	UserID     string
	SourceName string
	Catalog    *catalog.Catalog
	// Mapping is required for delimited-text and spreadsheet inputs.
	Mapping *ColumnMapping
}

// ColumnMapping tells the tabular parsers which raw column supplies each
// candidate field. Columns are referenced by header name.
type ColumnMapping struct {
	Timestamp  string `yaml:"timestamp" json:"timestamp"`
	Value      string `yaml:"value" json:"value"`
	MetricType string `yaml:"metric_type" json:"metric_type"`
	// Category is optional; when omitted it is defaulted from the catalog.
	Category string `yaml:"category,omitempty" json:"category,omitempty"`
	// Unit is optional; when omitted it is defaulted from the catalog.
	Unit string `yaml:"unit,omitempty" json:"unit,omitempty"`
	// TimeFormat is tried first when parsing timestamps, before the
	// common-format fallback list.
	TimeFormat string `yaml:"time_format,omitempty" json:"time_format,omitempty"`
}

// Validate checks that the required column references are present.
func (m *ColumnMapping) Validate() error {
	if m == nil {
		return eris.New("parser: column mapping is required")
	}
	if m.Timestamp == "" || m.Value == "" || m.MetricType == "" {
		return eris.New("parser: column mapping must name timestamp, value, and metric_type columns")
	}
	return nil
}

// LoadColumnMapping reads a column mapping from a YAML file.
func LoadColumnMapping(path string) (*ColumnMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "parser: read mapping %s", path)
	}
	var m ColumnMapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, eris.Wrap(err, "parser: parse mapping")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func structuralErr(err error) error {
	return resilience.NewStructural(err)
}

// errUnmapped marks a record whose metric type is not in the catalog. Such
// records are dropped silently, without incrementing the skip count.
var errUnmapped = eris.New("parser: unmapped metric type")

// buildCandidate assembles and validates one candidate. It returns
// errUnmapped for unknown metric types and a descriptive error for
// malformed values; callers translate those into silent drop or counted
// skip respectively.
func buildCandidate(pc Context, metricType, rawValue, unit string, recordedAt string, preferredFormat string, payload map[string]any) (model.CandidateMetric, error) {
	metricType = strings.TrimSpace(metricType)
	info, ok := pc.Catalog.Lookup(metricType)
	if !ok {
		return model.CandidateMetric{}, errUnmapped
	}
	if pc.SourceName == model.SyntheticSource {
		return model.CandidateMetric{}, eris.Errorf("parser: reserved source name %q", pc.SourceName)
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(rawValue), 64)
	if err != nil {
		return model.CandidateMetric{}, eris.Wrapf(err, "parser: value %q", rawValue)
	}

	ts, err := parseTimestamp(recordedAt, preferredFormat)
	if err != nil {
		return model.CandidateMetric{}, err
	}

	if unit == "" {
		unit = info.Unit
	}

	return model.CandidateMetric{
		UserID:       pc.UserID,
		MetricType:   metricType,
		Category:     info.Category,
		Value:        value,
		Unit:         unit,
		RecordedAt:   ts,
		SourceName:   pc.SourceName,
		QualityScore: pc.Catalog.Quality(metricType, pc.SourceName),
		Payload:      payload,
	}, nil
}

// ParseFile dispatches an uploaded file to the parser for its declared
// type. A .zip structured-markup upload is unpacked first; an unreadable
// archive is a structural failure.
func ParseFile(ctx context.Context, path string, ft FileType, pc Context) (*Stream, error) {
	switch ft {
	case FileTypeXML:
		if strings.EqualFold(filepath.Ext(path), ".zip") {
			inner, err := fetcher.ExtractZIPSingle(path, filepath.Dir(path))
			if err != nil {
				return nil, structuralErr(eris.Wrap(err, "parser: unpack export archive"))
			}
			path = inner
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, structuralErr(eris.Wrapf(err, "parser: open %s", path))
		}
		return ParseXML(ctx, f, pc), nil
	case FileTypeCSV:
		f, err := os.Open(path)
		if err != nil {
			return nil, structuralErr(eris.Wrapf(err, "parser: open %s", path))
		}
		stream, err := ParseCSV(ctx, f, pc)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		return stream, nil
	case FileTypeXLSX:
		return ParseXLSX(ctx, path, pc)
	}
	return nil, eris.Errorf("parser: unknown file type %q", ft)
}

// closeInput releases a file-backed input when its parse goroutine exits.
// An abort mid-stream must not hold the descriptor open until EOF.
func closeInput(r io.Reader) {
	if c, ok := r.(io.Closer); ok {
		_ = c.Close()
	}
}
