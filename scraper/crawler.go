package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aluiziolira/storefront-scraper/config"
	"github.com/aluiziolira/storefront-scraper/models"
	"golang.org/x/sync/errgroup"
)

// PageCeiling is the first page number that is never requested.
const PageCeiling = 500

// Fetcher is the page source a CategoryCrawler drives.
type Fetcher interface {
	Fetch(ctx context.Context, profile *config.StoreProfile, category string, page int) ([]models.ProductRecord, error)
}

// CategoryCrawler paginates one category with a bounded window of pages in
// flight.
type CategoryCrawler struct {
	fetcher Fetcher
	ceiling int
}

// NewCategoryCrawler returns a crawler over fetcher.
func NewCategoryCrawler(fetcher Fetcher) *CategoryCrawler {
	return &CategoryCrawler{fetcher: fetcher, ceiling: PageCeiling}
}

type pageResult struct {
	page    int
	records []models.ProductRecord
	err     error
}

// Crawl fetches page 1 alone, then keeps up to 2*concurrency pages in flight
// until a page ends the category or the ceiling is reached. Records are
// returned in completion order.
func (c *CategoryCrawler) Crawl(ctx context.Context, profile *config.StoreProfile, category string, concurrency int) []models.ProductRecord {
	if concurrency < 1 {
		concurrency = 1
	}

	first, err := c.fetch(ctx, profile, category, 1)
	if err != nil {
		slog.Info("no products found",
			slog.String("store", profile.StoreName),
			slog.String("category", category),
		)
		return nil
	}
	records := append([]models.ProductRecord(nil), first...)

	window := 2 * concurrency
	jobs := make(chan int, window)
	results := make(chan pageResult)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for page := range jobs {
				recs, err := c.fetch(ctx, profile, category, page)
				results <- pageResult{page: page, records: recs, err: err}
			}
		}()
	}

	next := 2
	inFlight := 0
	stopped := false
	for {
		for !stopped && inFlight < window && next < c.ceiling {
			jobs <- next
			next++
			inFlight++
		}
		if inFlight == 0 {
			break
		}

		res := <-results
		inFlight--
		if IsEndOfCategory(res.err) {
			stopped = true
			slog.Debug("category ended",
				slog.String("store", profile.StoreName),
				slog.String("category", category),
				slog.Int("page", res.page),
				slog.Any("reason", res.err),
			)
			continue
		}
		records = append(records, res.records...)
	}
	close(jobs)
	wg.Wait()

	slog.Info("category finished",
		slog.String("store", profile.StoreName),
		slog.String("category", category),
		slog.Int("records", len(records)),
	)
	return records
}

// fetch converts a panicking fetch into an error so the window still drains.
func (c *CategoryCrawler) fetch(ctx context.Context, profile *config.StoreProfile, category string, page int) (recs []models.ProductRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fetch page %d panicked: %v", page, r)
		}
	}()
	return c.fetcher.Fetch(ctx, profile, category, page)
}

// StoreCrawler runs every category of a store, a bounded number at a time.
type StoreCrawler struct {
	categories *CategoryCrawler
	workers    int
}

// NewStoreCrawler returns a crawler running up to workers categories at once.
func NewStoreCrawler(categories *CategoryCrawler, workers int) *StoreCrawler {
	if workers < 1 {
		workers = 1
	}
	return &StoreCrawler{categories: categories, workers: workers}
}

// CrawlAll returns the concatenated records of all categories. A failing
// category is logged and does not stop its siblings.
func (s *StoreCrawler) CrawlAll(ctx context.Context, profile *config.StoreProfile) []models.ProductRecord {
	var (
		mu  sync.Mutex
		all []models.ProductRecord
	)

	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, category := range profile.Categories {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("category crawl panicked",
						slog.String("store", profile.StoreName),
						slog.String("category", category),
						slog.Any("panic", r),
					)
				}
			}()
			recs := s.categories.Crawl(ctx, profile, category, 1)
			mu.Lock()
			all = append(all, recs...)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return all
}
