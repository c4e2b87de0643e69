package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/storefront-scraper/config"
	"github.com/aluiziolira/storefront-scraper/models"
	"github.com/aluiziolira/storefront-scraper/orchestrator"
	"github.com/aluiziolira/storefront-scraper/scraper"
	"github.com/aluiziolira/storefront-scraper/storage"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run executes the command with args and returns the process exit code.
// Deferred cleanup always runs before the caller exits.
func run(args []string) int {
	defaultCfg := config.DefaultConfig()
	if err := applyEnv(defaultCfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	fs := flag.NewFlagSet("scraper", flag.ContinueOnError)
	store := fs.String("store", defaultCfg.Store, "Scrape only this store (default: all stores)")
	profilesFile := fs.String("profiles", defaultCfg.ProfilesFile, "YAML file with store profiles (default: built-in stores)")
	dsn := fs.String("db", defaultCfg.DBDSN, "Database file (sqlite) or connection string (postgres)")
	driver := fs.String("driver", defaultCfg.DBDriver, "Database driver: sqlite or postgres")
	exportDir := fs.String("export-dir", defaultCfg.ExportDir, "Directory for backup exports")
	exportFormat := fs.String("format", defaultCfg.ExportFormat, "Export format: csv, json, or dual")
	workers := fs.String("workers", defaultCfg.Workers, "Categories scraped concurrently per store: a number or auto")
	discover := fs.Bool("discover", defaultCfg.Discover, "Probe for the product API endpoint before scraping")
	metricsAddr := fs.String("metrics-addr", defaultCfg.MetricsAddr, "Prometheus metrics listen address (e.g. :9090)")
	pruneDays := fs.Int("prune-history", 0, "Delete price history older than this many days and exit")
	verbose := fs.Bool("v", false, "Enable verbose logging")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	cfg := defaultCfg
	cfg.Store = *store
	cfg.ProfilesFile = *profilesFile
	cfg.DBDSN = *dsn
	cfg.DBDriver = strings.ToLower(*driver)
	cfg.ExportDir = *exportDir
	cfg.ExportFormat = strings.ToLower(*exportFormat)
	cfg.Workers = strings.ToLower(*workers)
	cfg.Discover = *discover
	cfg.MetricsAddr = *metricsAddr
	cfg.HistoryRetention = time.Duration(*pruneDays) * 24 * time.Hour
	cfg.Verbose = *verbose
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received, finishing the current store")
	}()

	db, err := storage.Open(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		slog.Error("opening storage", slog.String("driver", cfg.DBDriver), slog.Any("error", err))
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("close storage", slog.Any("error", err))
		}
	}()

	if cfg.HistoryRetention > 0 {
		cutoff := time.Now().Add(-cfg.HistoryRetention)
		deleted, err := db.PrunePriceHistory(ctx, cutoff)
		if err != nil {
			slog.Error("pruning price history", slog.Any("error", err))
			return 1
		}
		slog.Info("pruned price history",
			slog.Int64("deleted", deleted),
			slog.Time("cutoff", cutoff),
		)
		return 0
	}

	profiles, err := loadProfiles(cfg)
	if err != nil {
		slog.Error("loading store profiles", slog.Any("error", err))
		return 1
	}

	metrics := scraper.NewMetrics()
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	slog.Info("starting scrape",
		slog.Int("stores", len(profiles)),
		slog.String("driver", cfg.DBDriver),
		slog.String("workers", cfg.Workers),
	)

	results := orchestrator.New(cfg, db, metrics).RunAll(ctx, profiles)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}

	printSummary(results)
	return 0
}

func applyEnv(cfg *config.Config) error {
	for key, target := range map[string]*string{
		"SCRAPER_DB":           &cfg.DBDSN,
		"SCRAPER_DRIVER":       &cfg.DBDriver,
		"SCRAPER_EXPORT_DIR":   &cfg.ExportDir,
		"SCRAPER_PROFILES":     &cfg.ProfilesFile,
		"SCRAPER_METRICS_ADDR": &cfg.MetricsAddr,
		"SCRAPER_USER_AGENT":   &cfg.UserAgent,
	} {
		if value, ok := config.EnvString(key); ok {
			*target = value
		}
	}
	if value, ok := config.EnvString("SCRAPER_WORKERS"); ok {
		if value != "auto" {
			if _, _, err := config.EnvInt("SCRAPER_WORKERS"); err != nil {
				return fmt.Errorf("invalid SCRAPER_WORKERS: %w", err)
			}
		}
		cfg.Workers = value
	}
	return nil
}

func loadProfiles(cfg *config.Config) ([]*config.StoreProfile, error) {
	var (
		profiles []*config.StoreProfile
		err      error
	)
	if cfg.ProfilesFile != "" {
		profiles, err = config.LoadProfiles(cfg.ProfilesFile, cfg.UserAgent)
		if err != nil {
			return nil, err
		}
	} else {
		profiles = config.DefaultProfiles(cfg.UserAgent)
	}

	if cfg.Store == "" {
		return profiles, nil
	}
	profile, err := config.FindProfile(profiles, cfg.Store)
	if err != nil {
		return nil, err
	}
	return []*config.StoreProfile{profile}, nil
}

func printSummary(results map[string]models.RunSummary) {
	stores := make([]string, 0, len(results))
	for name := range results {
		stores = append(stores, name)
	}
	sort.Strings(stores)

	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Scrape complete")
	for _, name := range stores {
		s := results[name]
		fmt.Println(separator)
		fmt.Printf("  Store:          %s\n", name)
		fmt.Printf("  Run:            %s\n", s.RunID)
		fmt.Printf("  Fetched:        %d\n", s.TotalFetched)
		fmt.Printf("  Pages retried:  %d\n", s.PagesRetried)
		fmt.Printf("  Pages failed:   %d\n", s.PagesFailed)
		fmt.Printf("  Created:        %d\n", s.Created)
		fmt.Printf("  Updated:        %d\n", s.Updated)
		fmt.Printf("  Errors:         %d\n", s.Errors)
		fmt.Printf("  Skipped:        %d\n", s.Skipped)
		fmt.Printf("  Total in DB:    %d\n", s.Persisted())
		fmt.Printf("  Duration:       %v\n", s.Elapsed.Round(time.Millisecond))
	}
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
