package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/meridian-health/vitals-cli/internal/catalog"
	"github.com/meridian-health/vitals-cli/internal/fetcher"
	"github.com/meridian-health/vitals-cli/internal/ingest"
	"github.com/meridian-health/vitals-cli/internal/job"
	"github.com/meridian-health/vitals-cli/internal/provider"
	"github.com/meridian-health/vitals-cli/internal/resilience"
	"github.com/meridian-health/vitals-cli/internal/resolve"
	"github.com/meridian-health/vitals-cli/internal/store"
)

// pipelineEnv bundles the shared wiring behind the ingest-side commands.
type pipelineEnv struct {
	store      store.Store
	catalog    *catalog.Catalog
	reconciler *ingest.Reconciler
	resolver   *resolve.Resolver
	controller *job.Controller
	registry   *provider.Registry
	breakers   *resilience.ProviderBreakers
	logger     *zap.Logger
}

func (e *pipelineEnv) Close() {
	if err := e.store.Close(); err != nil {
		e.logger.Warn("store close failed", zap.Error(err))
	}
}

// initStore opens the configured backend and runs migrations.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	case "sqlite", "":
		st, err := store.NewSQLite(cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, err
		}
		return st, nil
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, eris.Errorf("cmd: unknown store driver %q", cfg.Store.Driver)
	}
}

func initCatalog() (*catalog.Catalog, error) {
	if cfg.Catalog.OverridePath == "" {
		return catalog.Default(), nil
	}
	return catalog.Load(cfg.Catalog.OverridePath)
}

// initPipeline wires store, reconciler, resolver, controller and the
// provider registry from configuration. Caller must Close.
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "cmd: open store")
	}

	cat, err := initCatalog()
	if err != nil {
		st.Close()
		return nil, eris.Wrap(err, "cmd: load catalog")
	}

	rec := ingest.NewReconciler(st)
	res := resolve.New(st, cat)
	ctrl := job.NewController(st, rec, res, job.Options{
		BatchSize:    cfg.Ingest.BatchSize,
		StallTimeout: cfg.Ingest.StallTimeout(),
	})

	env := &pipelineEnv{
		store:      st,
		catalog:    cat,
		reconciler: rec,
		resolver:   res,
		controller: ctrl,
		breakers:   resilience.NewProviderBreakers(resilience.BreakerConfig{}),
		logger:     zap.L().Named("cmd"),
	}

	env.registry, err = buildRegistry(cat)
	if err != nil {
		env.Close()
		return nil, err
	}
	return env, nil
}

// buildRegistry constructs one adapter per configured provider.
func buildRegistry(cat *catalog.Catalog) (*provider.Registry, error) {
	reg := provider.NewRegistry()

	httpFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  cfg.Fetch.UserAgent,
		Timeout:    cfg.Fetch.Timeout(),
		MaxRetries: cfg.Fetch.MaxRetries,
	})

	for name, pc := range cfg.Providers {
		var adapter provider.Adapter
		switch pc.Kind {
		case "rest":
			adapter = provider.NewRESTAdapter(provider.RESTAdapterConfig{
				Name:     name,
				BaseURL:  pc.BaseURL,
				PageSize: pc.PageSize,
				Retry:    resilience.RetryPolicy{MaxAttempts: cfg.Fetch.MaxRetries},
			}, httpFetcher, cat)
		case "ftp":
			drop := fetcher.NewFTPDrop(fetcher.FTPOptions{
				Host:     pc.FTPHost,
				User:     pc.FTPUser,
				Password: pc.FTPPassword,
				Timeout:  cfg.Fetch.Timeout(),
			})
			adapter = provider.NewFTPDropAdapter(provider.FTPDropConfig{
				Name: name,
				Dir:  pc.FTPDir,
			}, drop, cat)
		default:
			return nil, eris.Errorf("cmd: provider %s: unknown kind %q", name, pc.Kind)
		}
		if err := reg.Register(adapter); err != nil {
			return nil, eris.Wrapf(err, "cmd: register provider %s", name)
		}
	}
	return reg, nil
}
