package provider

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/meridian-health/vitals-cli/internal/catalog"
	"github.com/meridian-health/vitals-cli/internal/fetcher"
	"github.com/meridian-health/vitals-cli/internal/model"
	"github.com/meridian-health/vitals-cli/internal/parser"
	"github.com/meridian-health/vitals-cli/internal/resilience"
)

// restPage is the provider-native page envelope: an ordered record slice
// plus an opaque continuation cursor, empty on the last page.
type restPage struct {
	Records    []restRecord `json:"records"`
	NextCursor string       `json:"next_cursor"`
}

type restRecord struct {
	Type       string         `json:"type"`
	Value      string         `json:"value"`
	Unit       string         `json:"unit"`
	RecordedAt string         `json:"recorded_at"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// RESTAdapterConfig configures a paginated JSON REST adapter.
type RESTAdapterConfig struct {
	Name     string
	BaseURL  string
	PageSize int
	// Retry bounds transient fetch failures per page; exhaustion fails
	// the whole sync as a provider fetch error.
	Retry resilience.RetryPolicy
}

// RESTAdapter pages through a provider's JSON export endpoint and emits
// candidates. Transient failures retry with backoff behind the sync's
// circuit breaker; a page that still fails aborts the stream structurally.
type RESTAdapter struct {
	cfg     RESTAdapterConfig
	fetcher fetcher.Fetcher
	catalog *catalog.Catalog
	logger  *zap.Logger
}

// NewRESTAdapter creates a REST adapter over the given fetcher and catalog.
func NewRESTAdapter(cfg RESTAdapterConfig, f fetcher.Fetcher, cat *catalog.Catalog) *RESTAdapter {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	return &RESTAdapter{
		cfg:     cfg,
		fetcher: f,
		catalog: cat,
		logger:  zap.L().Named("provider." + cfg.Name),
	}
}

func (a *RESTAdapter) Name() string { return a.cfg.Name }

// Sync starts paging in a goroutine and returns the live stream.
func (a *RESTAdapter) Sync(ctx context.Context, sc *SyncContext) (*parser.Stream, error) {
	if sc.Token.Expired() {
		return nil, eris.Errorf("provider: %s token expired; refresh before syncing", a.cfg.Name)
	}

	metricCh := make(chan model.CandidateMetric)
	errCh := make(chan error, 1)
	stats := parser.NewStats()

	go func() {
		defer close(metricCh)
		defer close(errCh)

		cursor := ""
		for {
			page, err := a.fetchPage(ctx, sc, cursor)
			if err != nil {
				errCh <- &resilience.FetchError{Provider: a.cfg.Name, Err: err}
				return
			}

			for _, raw := range page.Records {
				cand, err := a.toCandidate(sc.UserID, raw)
				if err != nil {
					if !eris.Is(err, errUnmappedType) {
						stats.MarkSkipped()
						a.logger.Debug("skipped provider record", zap.Error(err))
					}
					continue
				}
				select {
				case metricCh <- cand:
					stats.MarkEmitted()
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				}
			}

			if page.NextCursor == "" {
				return
			}
			cursor = page.NextCursor
		}
	}()

	return &parser.Stream{Metrics: metricCh, Errs: errCh, Stats: stats}, nil
}

// fetchPage retrieves one page behind the sync's limiter, breaker, and
// retry policy.
func (a *RESTAdapter) fetchPage(ctx context.Context, sc *SyncContext, cursor string) (*restPage, error) {
	pageURL, err := a.pageURL(sc, cursor)
	if err != nil {
		return nil, err
	}

	return resilience.RetryVal(ctx, a.cfg.Retry, func(ctx context.Context) (*restPage, error) {
		if err := sc.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
		var page restPage
		err := sc.Breaker.Call(ctx, func(ctx context.Context) error {
			return a.fetcher.GetJSON(ctx, pageURL, &page)
		})
		if err != nil {
			if resilience.IsTransient(err) {
				sc.Limiter.OnRateLimit()
			}
			return nil, err
		}
		sc.Limiter.OnSuccess()
		return &page, nil
	})
}

func (a *RESTAdapter) pageURL(sc *SyncContext, cursor string) (string, error) {
	u, err := url.Parse(a.cfg.BaseURL)
	if err != nil {
		return "", eris.Wrapf(err, "provider: parse base url for %s", a.cfg.Name)
	}
	q := u.Query()
	q.Set("since", sc.Since.UTC().Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(a.cfg.PageSize))
	q.Set("access_token", sc.Token.AccessToken)
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

var errUnmappedType = eris.New("provider: unmapped metric type")

// toCandidate classifies one provider record via the catalog. Unmapped
// types are dropped without counting; malformed values and timestamps are
// skipped and counted.
func (a *RESTAdapter) toCandidate(userID string, raw restRecord) (model.CandidateMetric, error) {
	info, ok := a.catalog.Lookup(raw.Type)
	if !ok {
		return model.CandidateMetric{}, errUnmappedType
	}

	value, err := strconv.ParseFloat(raw.Value, 64)
	if err != nil {
		return model.CandidateMetric{}, eris.Wrapf(err, "provider: bad value %q for %s", raw.Value, raw.Type)
	}
	recordedAt, err := time.Parse(time.RFC3339, raw.RecordedAt)
	if err != nil {
		return model.CandidateMetric{}, eris.Wrapf(err, "provider: bad timestamp %q for %s", raw.RecordedAt, raw.Type)
	}

	unit := raw.Unit
	if unit == "" {
		unit = info.Unit
	}

	return model.CandidateMetric{
		UserID:       userID,
		MetricType:   raw.Type,
		Category:     info.Category,
		Value:        value,
		Unit:         unit,
		RecordedAt:   recordedAt.UTC(),
		SourceName:   a.cfg.Name,
		QualityScore: a.catalog.Quality(raw.Type, a.cfg.Name),
		Payload:      raw.Meta,
	}, nil
}
