package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aluiziolira/storefront-scraper/config"
	"github.com/aluiziolira/storefront-scraper/pipeline"
	"github.com/aluiziolira/storefront-scraper/storage"
	"github.com/jarcoal/httpmock"
	"github.com/shopspring/decimal"
)

const testBase = "https://shop.test"

var anyEndpointRx = regexp.MustCompile(`^https://shop\.test/`)

func testProfile() *config.StoreProfile {
	return &config.StoreProfile{
		StoreName:  "PC and Parts",
		StoreType:  "tech",
		BaseURL:    testBase,
		Endpoint:   testBase + "/wp-json/wc/store/products",
		Categories: []string{"cpu", "ram"},
		Headers:    map[string]string{"User-Agent": "test-agent"},
		Currency:   "USD",
		TaxRate:    decimal.RequireFromString("0.11"),
		MaxRetries: 2,
		Timeout:    time.Second,
		RetryDelay: time.Millisecond,
	}
}

func productsJSON(category string, count int, price string) string {
	items := make([]string, 0, count)
	for i := 1; i <= count; i++ {
		items = append(items, fmt.Sprintf(
			`{"id":"%s-%d","name":"%s part %d","sku":"SKU-%d","price_html":"<span>$%s</span>","is_in_stock":true,"permalink":"%s/p/%s-%d","images":[]}`,
			category, i, category, i, i, price, testBase, category, i,
		))
	}
	return "[" + strings.Join(items, ",") + "]"
}

// catalog serves count products on page 1 of every category and an empty
// page afterwards.
func catalog(count int, price *string) httpmock.Responder {
	return func(req *http.Request) (*http.Response, error) {
		q := req.URL.Query()
		if q.Get("page") != "1" {
			return httpmock.NewStringResponse(http.StatusOK, "[]"), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, productsJSON(q.Get("category"), count, *price)), nil
	}
}

func newTestOrchestrator(t *testing.T, transport http.RoundTripper) (*Orchestrator, *storage.SQLiteStore, string) {
	t.Helper()
	store, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "products.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	exportDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.ExportDir = exportDir
	cfg.ExportFormat = "dual"
	cfg.Workers = "2"
	cfg.ProbeTimeout = time.Second

	o := New(cfg, store, nil)
	o.transport = transport
	return o, store, exportDir
}

func TestRunPersistsAndExports(t *testing.T) {
	transport := httpmock.NewMockTransport()
	price := "100.00"
	transport.RegisterRegexpResponder("GET", anyEndpointRx, catalog(3, &price))

	o, store, exportDir := newTestOrchestrator(t, transport)
	ctx := context.Background()

	summary := o.Run(ctx, testProfile())
	if summary.TotalFetched != 6 || summary.Created != 6 || summary.Updated != 0 {
		t.Fatalf("first summary = %+v, want 6 fetched and created", summary)
	}
	if summary.Errors != 0 || summary.PagesFailed != 0 {
		t.Fatalf("first summary has failures: %+v", summary)
	}
	if summary.Elapsed <= 0 {
		t.Fatalf("elapsed not recorded: %v", summary.Elapsed)
	}

	for _, name := range []string{"pc_and_parts_products_latest.csv", "pc_and_parts_products_latest.jsonl"} {
		if info, err := os.Stat(filepath.Join(exportDir, name)); err != nil || info.Size() == 0 {
			t.Fatalf("%s missing or empty", name)
		}
	}

	price = "90.00"
	summary = o.Run(ctx, testProfile())
	if summary.Created != 0 || summary.Updated != 6 {
		t.Fatalf("second summary = %+v, want 6 updated", summary)
	}

	n, err := store.CountProducts(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 6 {
		t.Fatalf("products = %d, want 6", n)
	}

	products, err := store.Products(ctx, "PC and Parts")
	if err != nil {
		t.Fatalf("products: %v", err)
	}
	for _, p := range products {
		history, err := store.PriceHistory(ctx, p.ID)
		if err != nil {
			t.Fatalf("history: %v", err)
		}
		if len(history) != 1 || !history[0].Price.Equal(decimal.RequireFromString("100")) {
			t.Fatalf("product %s history = %+v, want one entry at 100.00", p.ProductID, history)
		}
	}
}

func TestRunExportFailureIsNotFatal(t *testing.T) {
	transport := httpmock.NewMockTransport()
	price := "25.00"
	transport.RegisterRegexpResponder("GET", anyEndpointRx, catalog(2, &price))

	o, store, _ := newTestOrchestrator(t, transport)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	o.exporter = pipeline.NewExporter(filepath.Join(blocker, "sub"), pipeline.FormatCSV)

	summary := o.Run(context.Background(), testProfile())
	if summary.TotalFetched != 4 || summary.Created != 4 {
		t.Fatalf("summary = %+v, want 4 fetched and created", summary)
	}
	if summary.Errors != 0 {
		t.Fatalf("errors = %d, want 0", summary.Errors)
	}

	n, err := store.CountProducts(context.Background())
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 4 {
		t.Fatalf("products = %d, want 4", n)
	}
}

func TestRunEmptyStoreSkipsExport(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterRegexpResponder("GET", anyEndpointRx, httpmock.NewStringResponder(http.StatusOK, "[]"))

	o, _, exportDir := newTestOrchestrator(t, transport)
	summary := o.Run(context.Background(), testProfile())
	if summary.TotalFetched != 0 || summary.Persisted() != 0 {
		t.Fatalf("summary = %+v, want nothing fetched", summary)
	}

	entries, err := os.ReadDir(exportDir)
	if err != nil {
		t.Fatalf("read export dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("export files = %d, want 0", len(entries))
	}
}

func TestRunDiscoversEndpoint(t *testing.T) {
	transport := httpmock.NewMockTransport()
	var storeAPICalls atomic.Int32
	transport.RegisterRegexpResponder("GET", regexp.MustCompile(`^https://shop\.test/wp-json/wc/store/products`),
		func(req *http.Request) (*http.Response, error) {
			storeAPICalls.Add(1)
			return httpmock.NewStringResponse(http.StatusNotFound, "not found"), nil
		})
	price := "10.00"
	transport.RegisterRegexpResponder("GET", regexp.MustCompile(`^https://shop\.test/wp-json/wc/v3/products`), catalog(2, &price))
	transport.RegisterNoResponder(httpmock.NewStringResponder(http.StatusNotFound, ""))

	o, _, _ := newTestOrchestrator(t, transport)
	profile := testProfile()
	profile.AutoDiscover = true

	summary := o.Run(context.Background(), profile)
	if profile.Endpoint != testBase+"/wp-json/wc/v3/products" || !profile.Discovered {
		t.Fatalf("endpoint = %q discovered=%v", profile.Endpoint, profile.Discovered)
	}
	if summary.Created != 4 {
		t.Fatalf("created = %d, want 4", summary.Created)
	}
	if got := storeAPICalls.Load(); got != 1 {
		t.Fatalf("store api calls = %d, want only the probe", got)
	}
}

func TestRunAllIsolatesStores(t *testing.T) {
	transport := httpmock.NewMockTransport()
	price := "10.00"
	transport.RegisterRegexpResponder("GET", anyEndpointRx, catalog(1, &price))
	transport.RegisterRegexpResponder("GET", regexp.MustCompile(`^https://down\.test/`),
		httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))

	o, _, _ := newTestOrchestrator(t, transport)
	down := testProfile()
	down.StoreName = "Expert Zone"
	down.BaseURL = "https://down.test"
	down.Endpoint = "https://down.test/wp-json/wc/store/products"

	results := o.RunAll(context.Background(), []*config.StoreProfile{down, testProfile()})
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if got := results["Expert Zone"]; got.PagesFailed != 2 || got.Persisted() != 0 {
		t.Fatalf("failing store summary = %+v", got)
	}
	if got := results["PC and Parts"]; got.Created != 2 {
		t.Fatalf("healthy store summary = %+v", got)
	}
}

func TestRunAllStopsOnCancelledContext(t *testing.T) {
	transport := httpmock.NewMockTransport()
	o, _, _ := newTestOrchestrator(t, transport)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := o.RunAll(ctx, []*config.StoreProfile{testProfile()})
	if len(results) != 0 {
		t.Fatalf("results = %v, want none", results)
	}
	if got := transport.GetTotalCallCount(); got != 0 {
		t.Fatalf("requests = %d, want 0", got)
	}
}
