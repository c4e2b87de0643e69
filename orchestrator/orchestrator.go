// Package orchestrator runs complete store scrapes: endpoint discovery,
// crawling with persistence, and the backup export.
package orchestrator

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/aluiziolira/storefront-scraper/config"
	"github.com/aluiziolira/storefront-scraper/models"
	"github.com/aluiziolira/storefront-scraper/pipeline"
	"github.com/aluiziolira/storefront-scraper/scraper"
	"github.com/aluiziolira/storefront-scraper/storage"
)

// Orchestrator runs stores one after another against a shared store.
type Orchestrator struct {
	store    storage.Store
	metrics  *scraper.Metrics
	exporter *pipeline.Exporter

	workers      int
	discover     bool
	probeTimeout time.Duration

	// transport is handed to every HTTP client; nil means the default.
	transport http.RoundTripper
}

// New builds an orchestrator from the run configuration. metrics may be nil.
func New(cfg *config.Config, store storage.Store, metrics *scraper.Metrics) *Orchestrator {
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = scraper.DefaultProbeTimeout
	}
	var exporter *pipeline.Exporter
	if cfg.ExportDir != "" {
		exporter = pipeline.NewExporter(cfg.ExportDir, cfg.ExportFormat)
	}
	return &Orchestrator{
		store:        store,
		metrics:      metrics,
		exporter:     exporter,
		workers:      config.WorkerCount(cfg.Workers),
		discover:     cfg.Discover,
		probeTimeout: probeTimeout,
	}
}

// RunAll scrapes profiles in order. A cancelled context stops the run
// before the next store starts; the store in progress always completes.
func (o *Orchestrator) RunAll(ctx context.Context, profiles []*config.StoreProfile) map[string]models.RunSummary {
	results := make(map[string]models.RunSummary, len(profiles))
	for _, profile := range profiles {
		if err := ctx.Err(); err != nil {
			slog.Warn("run interrupted, skipping remaining stores",
				slog.String("next_store", profile.StoreName),
				slog.Any("error", err),
			)
			break
		}
		results[profile.StoreName] = o.Run(ctx, profile)
	}
	return results
}

// Run scrapes one store and returns its counters. Failures are counted and
// logged; Run itself never fails.
func (o *Orchestrator) Run(ctx context.Context, profile *config.StoreProfile) models.RunSummary {
	stats := models.NewRunStatistics(profile.StoreName)
	logger := slog.With(
		slog.String("store", profile.StoreName),
		slog.String("run_id", stats.Snapshot().RunID.String()),
	)

	logger.Info("starting store scrape",
		slog.Int("categories", len(profile.Categories)),
		slog.Int("workers", o.workers),
		slog.Bool("tax_included", profile.TaxIncluded),
		slog.String("tax_rate", profile.TaxRate.String()),
		slog.Int("max_retries", profile.MaxRetries),
		slog.Duration("timeout", profile.Timeout),
	)

	engine, err := pipeline.NewUpsertEngine(o.store, stats, o.metrics)
	if err != nil {
		logger.Error("cannot start upsert engine", slog.Any("error", err))
		stats.IncErrors()
		stats.Finish()
		return stats.Snapshot()
	}

	if o.discover && profile.AutoDiscover {
		resolver := scraper.NewEndpointResolver(scraper.NewClient(o.probeTimeout, o.transport), o.metrics)
		if _, ok := resolver.Resolve(profile); !ok {
			logger.Warn("endpoint discovery failed, using configured endpoint",
				slog.String("endpoint", profile.Endpoint),
			)
		}
	}

	client := scraper.NewClient(profile.Timeout, o.transport)
	fetcher := scraper.NewPageFetcher(client, engine, stats, o.metrics)
	crawler := scraper.NewStoreCrawler(scraper.NewCategoryCrawler(fetcher), o.workers)

	records := crawler.CrawlAll(ctx, profile)
	stats.Finish()

	if len(records) > 0 && o.exporter != nil {
		paths, err := o.exporter.Export(profile.StoreName, records)
		if err != nil {
			logger.Error("backup export failed", slog.Any("error", err))
		} else {
			logger.Info("backup export written", slog.Any("files", paths))
		}
	}

	summary := stats.Snapshot()
	logger.Info("store scrape complete",
		slog.Int("fetched", summary.TotalFetched),
		slog.Int("created", summary.Created),
		slog.Int("updated", summary.Updated),
		slog.Int("persisted", summary.Persisted()),
		slog.Int("errors", summary.Errors),
		slog.Int("skipped", summary.Skipped),
		slog.Int("pages_retried", summary.PagesRetried),
		slog.Int("pages_failed", summary.PagesFailed),
		slog.Duration("elapsed", summary.Elapsed),
	)
	return summary
}
