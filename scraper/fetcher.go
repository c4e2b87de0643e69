package scraper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/storefront-scraper/config"
	"github.com/aluiziolira/storefront-scraper/models"
	"github.com/aluiziolira/storefront-scraper/parser"
	"golang.org/x/time/rate"
)

// RecordSink persists records as they are fetched.
type RecordSink interface {
	Upsert(ctx context.Context, record models.ProductRecord) (*models.Product, bool, error)
}

// apiItem is the subset of a WooCommerce product the scraper reads.
type apiItem struct {
	ID               json.RawMessage `json:"id"`
	Name             string          `json:"name"`
	SKU              json.RawMessage `json:"sku"`
	PriceHTML        string          `json:"price_html"`
	IsInStock        bool            `json:"is_in_stock"`
	Permalink        string          `json:"permalink"`
	ShortDescription string          `json:"short_description"`
	Images           []struct {
		Src string `json:"src"`
	} `json:"images"`
}

// PageFetcher retrieves one page of one category and hands every record to
// the sink before returning.
type PageFetcher struct {
	client  *Client
	sink    RecordSink
	stats   *models.RunStatistics
	metrics *Metrics

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPageFetcher wires a fetcher. sink, stats and metrics may be nil.
func NewPageFetcher(client *Client, sink RecordSink, stats *models.RunStatistics, metrics *Metrics) *PageFetcher {
	return &PageFetcher{
		client:   client,
		sink:     sink,
		stats:    stats,
		metrics:  metrics,
		limiters: make(map[string]*rate.Limiter),
	}
}

// PageURL appends the category and page parameters to endpoint.
func PageURL(endpoint, category string, page int) string {
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + "category=" + url.QueryEscape(category) + "&page=" + strconv.Itoa(page)
}

// Fetch returns the records of one page. Any error ends the category;
// errors.Is(err, ErrEmptyPage) marks the normal end.
func (f *PageFetcher) Fetch(ctx context.Context, profile *config.StoreProfile, category string, page int) ([]models.ProductRecord, error) {
	target := PageURL(profile.Endpoint, category, page)
	fail := func(kind ErrorKind, attempts int, err error) error {
		if kind != KindEmpty {
			f.stats.IncPagesFailed()
			f.metrics.IncPage(profile.StoreName, "failed")
			f.metrics.IncError(errorTypeLabel(err))
		} else {
			f.metrics.IncPage(profile.StoreName, "empty")
		}
		return &FetchError{
			Store:    profile.StoreName,
			Category: category,
			Page:     page,
			Kind:     kind,
			Attempts: attempts,
			Err:      err,
		}
	}

	maxRetries := profile.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}

	var resp *Response
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if err := f.wait(ctx, profile); err != nil {
			return nil, fail(KindFatal, attempt, err)
		}

		f.metrics.IncRequest(profile.StoreName, "page")
		start := time.Now()
		r, err := f.client.Get(target, profile.Headers)
		f.metrics.ObserveDuration(time.Since(start))
		if err == nil {
			resp = r
			break
		}

		classified := classifyError(err, 0)
		if !IsTransient(classified) {
			slog.Error("page request failed",
				slog.String("store", profile.StoreName),
				slog.String("category", category),
				slog.Int("page", page),
				slog.Any("error", err),
			)
			return nil, fail(KindFatal, attempt, classified)
		}

		f.stats.IncPagesRetried()
		f.metrics.IncRetries()
		slog.Warn("transient page error",
			slog.String("store", profile.StoreName),
			slog.String("category", category),
			slog.Int("page", page),
			slog.Int("attempt", attempt),
			slog.String("error_type", errorTypeLabel(classified)),
		)
		if attempt == maxRetries {
			slog.Error("page abandoned after retries",
				slog.String("store", profile.StoreName),
				slog.String("category", category),
				slog.Int("page", page),
				slog.Int("attempts", attempt),
			)
			return nil, fail(KindExhausted, attempt, classified)
		}
		if err := sleepContext(ctx, profile.RetryDelay*time.Duration(attempt)); err != nil {
			return nil, fail(KindFatal, attempt, err)
		}
	}

	if err := classifyError(nil, resp.StatusCode); err != nil {
		slog.Error("non-200 response",
			slog.String("store", profile.StoreName),
			slog.String("category", category),
			slog.Int("page", page),
			slog.Int("status", resp.StatusCode),
		)
		return nil, fail(KindFatal, 1, err)
	}

	items, err := decodeItems(resp.Body)
	if err != nil {
		slog.Error("invalid JSON payload",
			slog.String("store", profile.StoreName),
			slog.String("category", category),
			slog.Int("page", page),
			slog.Any("error", err),
		)
		return nil, fail(KindFatal, 1, err)
	}
	if len(items) == 0 {
		return nil, fail(KindEmpty, 1, ErrEmptyPage)
	}

	records := make([]models.ProductRecord, 0, len(items))
	for _, item := range items {
		records = append(records, toRecord(item, profile, category))
	}

	for _, record := range records {
		if f.sink == nil {
			break
		}
		if _, _, err := f.sink.Upsert(ctx, record); err != nil {
			slog.Debug("record not persisted",
				slog.String("store", profile.StoreName),
				slog.String("product_id", record.ProductID),
				slog.Any("error", err),
			)
		}
	}

	f.stats.AddFetched(len(records))
	f.metrics.AddRecords(len(records))
	f.metrics.IncPage(profile.StoreName, "ok")
	slog.Debug("page fetched",
		slog.String("store", profile.StoreName),
		slog.String("category", category),
		slog.Int("page", page),
		slog.Int("records", len(records)),
	)
	return records, nil
}

func (f *PageFetcher) wait(ctx context.Context, profile *config.StoreProfile) error {
	if profile.RequestsPerSecond <= 0 {
		return nil
	}
	f.mu.Lock()
	limiter, ok := f.limiters[profile.StoreName]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(profile.RequestsPerSecond), 1)
		f.limiters[profile.StoreName] = limiter
	}
	f.mu.Unlock()
	return limiter.Wait(ctx)
}

func decodeItems(body []byte) ([]apiItem, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: expected a JSON array", ErrMalformedPayload)
	}
	var items []apiItem
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return items, nil
}

func toRecord(item apiItem, profile *config.StoreProfile, category string) models.ProductRecord {
	price := parser.ExtractPrice(item.PriceHTML)
	before, after := parser.ApplyTax(price, item.Name, profile)

	record := models.ProductRecord{
		StoreName:          profile.StoreName,
		StoreType:          profile.StoreType,
		Category:           category,
		ProductID:          rawString(item.ID),
		SKU:                rawString(item.SKU),
		ProductName:        item.Name,
		Description:        parser.CleanHTML(item.ShortDescription),
		Price:              price,
		PriceBeforeTax:     before,
		FinalPriceAfterTax: after,
		Currency:           profile.Currency,
		StockStatus:        models.StockStatusFromBool(item.IsInStock),
		ProductURL:         item.Permalink,
	}
	if len(item.Images) > 0 {
		record.ImageURL = item.Images[0].Src
	}
	if record.Currency == "" {
		record.Currency = models.DefaultCurrency
	}
	return record
}

// rawString accepts a JSON string or number and returns its text.
func rawString(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return ""
		}
		return s
	}
	return string(trimmed)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
