package provider

import (
	"context"
	"os"
	"path"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/meridian-health/vitals-cli/internal/catalog"
	"github.com/meridian-health/vitals-cli/internal/fetcher"
	"github.com/meridian-health/vitals-cli/internal/model"
	"github.com/meridian-health/vitals-cli/internal/parser"
)

// FTPDropConfig configures a bulk-drop adapter for providers that publish
// nightly export archives on an FTP server instead of an API.
type FTPDropConfig struct {
	Name string
	// Dir is the remote directory holding export archives.
	Dir string
	// WorkDir receives downloaded archives; defaults to the OS temp dir.
	WorkDir string
}

// FTPDropAdapter downloads the newest export archive published after the
// sync watermark and feeds it to the streaming XML parser.
type FTPDropAdapter struct {
	cfg     FTPDropConfig
	drop    *fetcher.FTPDrop
	catalog *catalog.Catalog
	logger  *zap.Logger
}

// NewFTPDropAdapter creates a bulk-drop adapter.
func NewFTPDropAdapter(cfg FTPDropConfig, drop *fetcher.FTPDrop, cat *catalog.Catalog) *FTPDropAdapter {
	return &FTPDropAdapter{
		cfg:     cfg,
		drop:    drop,
		catalog: cat,
		logger:  zap.L().Named("provider." + cfg.Name),
	}
}

func (a *FTPDropAdapter) Name() string { return a.cfg.Name }

// Sync fetches the newest archive since the watermark. No new archive is a
// successful empty sync, not a failure.
func (a *FTPDropAdapter) Sync(ctx context.Context, sc *SyncContext) (*parser.Stream, error) {
	name, err := a.drop.NewestSince(ctx, a.cfg.Dir, sc.Since)
	if err != nil {
		return nil, eris.Wrapf(err, "provider: list %s drop", a.cfg.Name)
	}
	if name == "" {
		a.logger.Info("no new archive since watermark", zap.Time("since", sc.Since))
		return emptyStream(), nil
	}
	remotePath := path.Join(a.cfg.Dir, name)

	workDir := a.cfg.WorkDir
	if workDir == "" {
		workDir, err = os.MkdirTemp("", "vitals-"+a.cfg.Name+"-*")
		if err != nil {
			return nil, eris.Wrap(err, "provider: create work dir")
		}
	}

	localPath, err := a.drop.DownloadToFile(ctx, remotePath, workDir)
	if err != nil {
		return nil, eris.Wrapf(err, "provider: download %s archive", a.cfg.Name)
	}
	a.logger.Info("downloaded archive", zap.String("remote", remotePath), zap.String("local", localPath))

	return parser.ParseFile(ctx, localPath, parser.FileTypeXML, parser.Context{
		UserID:     sc.UserID,
		SourceName: a.cfg.Name,
		Catalog:    a.catalog,
	})
}

func emptyStream() *parser.Stream {
	metricCh := make(chan model.CandidateMetric)
	errCh := make(chan error)
	close(metricCh)
	close(errCh)
	return &parser.Stream{Metrics: metricCh, Errs: errCh, Stats: parser.NewStats()}
}
