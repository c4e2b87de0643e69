package scraper

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"

	"github.com/aluiziolira/storefront-scraper/models"
	"github.com/jarcoal/httpmock"
	"github.com/shopspring/decimal"
)

func TestFetchMapsItems(t *testing.T) {
	client, transport := newMockClient()
	transport.RegisterRegexpResponder("GET", storeEndpointRx, jsonResponder(`[
		{"id": 101, "name": "Ryzen 7", "sku": "R7-7700X",
		 "price_html": "<span class=\"amount\"><bdi>$1,299.50</bdi></span>",
		 "is_in_stock": true, "permalink": "https://shop.test/p/101",
		 "short_description": "<p>Eight   cores</p>",
		 "images": [{"src": "https://shop.test/a.jpg"}, {"src": "https://shop.test/b.jpg"}]},
		{"id": "abc", "name": "Gift Card 50", "price_html": "", "is_in_stock": false, "images": []}
	]`))

	profile := testProfile()
	profile.TaxExemptPhrases = []string{"gift card"}
	sink := &recordingSink{}
	stats := models.NewRunStatistics(profile.StoreName)
	f := NewPageFetcher(client, sink, stats, NewMetrics())

	records, err := f.Fetch(context.Background(), profile, "cpu", 1)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}

	r := records[0]
	if r.ProductID != "101" || r.SKU != "R7-7700X" || r.ProductName != "Ryzen 7" {
		t.Fatalf("unexpected identity fields: %+v", r)
	}
	if r.StoreName != "Test Store" || r.StoreType != "tech" || r.Category != "cpu" {
		t.Fatalf("unexpected store fields: %+v", r)
	}
	if !r.Price.Valid || !r.Price.Decimal.Equal(decimal.RequireFromString("1299.50")) {
		t.Fatalf("price = %v, want 1299.50", r.Price)
	}
	if r.FinalPriceAfterTax.Decimal.StringFixed(2) != "1442.45" {
		t.Fatalf("after tax = %s, want 1442.45", r.FinalPriceAfterTax.Decimal.StringFixed(2))
	}
	if r.StockStatus != models.InStock {
		t.Fatalf("stock = %s, want in_stock", r.StockStatus)
	}
	if r.ImageURL != "https://shop.test/a.jpg" {
		t.Fatalf("image = %q, want the first image", r.ImageURL)
	}
	if r.Description != "Eight cores" {
		t.Fatalf("description = %q", r.Description)
	}
	if r.Currency != "USD" {
		t.Fatalf("currency = %q", r.Currency)
	}

	gift := records[1]
	if gift.ProductID != "abc" || gift.Price.Valid || gift.StockStatus != models.OutOfStock || gift.ImageURL != "" {
		t.Fatalf("unexpected second record: %+v", gift)
	}

	if sink.Count() != 2 {
		t.Fatalf("sink received %d records, want 2", sink.Count())
	}
	if got := stats.Snapshot().TotalFetched; got != 2 {
		t.Fatalf("total fetched = %d, want 2", got)
	}
}

func TestFetchEmptyPageEndsWithoutFailure(t *testing.T) {
	client, transport := newMockClient()
	transport.RegisterRegexpResponder("GET", storeEndpointRx, jsonResponder(`[]`))

	profile := testProfile()
	stats := models.NewRunStatistics(profile.StoreName)
	f := NewPageFetcher(client, nil, stats, nil)

	records, err := f.Fetch(context.Background(), profile, "cpu", 1)
	if !errors.Is(err, ErrEmptyPage) {
		t.Fatalf("err = %v, want ErrEmptyPage", err)
	}
	if records != nil {
		t.Fatalf("records = %v, want none", records)
	}
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Kind != KindEmpty {
		t.Fatalf("expected KindEmpty fetch error, got %v", err)
	}
	if snap := stats.Snapshot(); snap.PagesFailed != 0 || snap.PagesRetried != 0 {
		t.Fatalf("empty page should not count as failure: %+v", snap)
	}
}

func TestFetchRetryBound(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "timeout", err: &net.DNSError{Err: "i/o timeout", IsTimeout: true}},
		{name: "connection", err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, transport := newMockClient()
			transport.RegisterRegexpResponder("GET", storeEndpointRx, httpmock.NewErrorResponder(tt.err))

			profile := testProfile()
			profile.MaxRetries = 3
			stats := models.NewRunStatistics(profile.StoreName)
			f := NewPageFetcher(client, nil, stats, NewMetrics())

			_, err := f.Fetch(context.Background(), profile, "cpu", 4)
			var fe *FetchError
			if !errors.As(err, &fe) {
				t.Fatalf("expected FetchError, got %v", err)
			}
			if fe.Kind != KindExhausted || fe.Attempts != 3 || fe.Page != 4 {
				t.Fatalf("unexpected fetch error: %+v", fe)
			}
			if got := transport.GetTotalCallCount(); got != 3 {
				t.Fatalf("requests = %d, want 3", got)
			}
			snap := stats.Snapshot()
			if snap.PagesRetried != 3 || snap.PagesFailed != 1 {
				t.Fatalf("retried/failed = %d/%d, want 3/1", snap.PagesRetried, snap.PagesFailed)
			}
		})
	}
}

func TestFetchRecoversAfterTransientError(t *testing.T) {
	client, transport := newMockClient()
	transport.RegisterRegexpResponder("GET", storeEndpointRx,
		httpmock.NewErrorResponder(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection reset")}).
			Then(jsonResponder(buildProductsPage(1, 3))),
	)

	profile := testProfile()
	stats := models.NewRunStatistics(profile.StoreName)
	f := NewPageFetcher(client, nil, stats, nil)

	records, err := f.Fetch(context.Background(), profile, "cpu", 1)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	if got := transport.GetTotalCallCount(); got != 2 {
		t.Fatalf("requests = %d, want 2", got)
	}
	snap := stats.Snapshot()
	if snap.PagesRetried != 1 || snap.PagesFailed != 0 || snap.TotalFetched != 3 {
		t.Fatalf("unexpected stats: %+v", snap)
	}
}

func TestFetchPermanentFailuresAreNotRetried(t *testing.T) {
	tests := []struct {
		name      string
		responder httpmock.Responder
		wantErr   error
	}{
		{name: "server error", responder: httpmock.NewStringResponder(http.StatusInternalServerError, "boom")},
		{name: "forbidden", responder: httpmock.NewStringResponder(http.StatusForbidden, "")},
		{name: "invalid json", responder: jsonResponder(`[{"id": 1,`), wantErr: ErrMalformedPayload},
		{name: "object payload", responder: jsonResponder(`{"code":"rest_no_route"}`), wantErr: ErrMalformedPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, transport := newMockClient()
			transport.RegisterRegexpResponder("GET", storeEndpointRx, tt.responder)

			profile := testProfile()
			stats := models.NewRunStatistics(profile.StoreName)
			f := NewPageFetcher(client, nil, stats, nil)

			_, err := f.Fetch(context.Background(), profile, "cpu", 2)
			var fe *FetchError
			if !errors.As(err, &fe) || fe.Kind != KindFatal {
				t.Fatalf("expected fatal fetch error, got %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got := transport.GetTotalCallCount(); got != 1 {
				t.Fatalf("requests = %d, want 1", got)
			}
			snap := stats.Snapshot()
			if snap.PagesFailed != 1 || snap.PagesRetried != 0 {
				t.Fatalf("failed/retried = %d/%d, want 1/0", snap.PagesFailed, snap.PagesRetried)
			}
		})
	}
}

func TestFetchAppliesRateLimit(t *testing.T) {
	client, transport := newMockClient()
	transport.RegisterRegexpResponder("GET", storeEndpointRx, jsonResponder(buildProductsPage(1, 1)))

	profile := testProfile()
	profile.RequestsPerSecond = 1000
	f := NewPageFetcher(client, nil, nil, nil)

	for page := 1; page <= 3; page++ {
		if _, err := f.Fetch(context.Background(), profile, "cpu", page); err != nil {
			t.Fatalf("fetch page %d: %v", page, err)
		}
	}
	if len(f.limiters) != 1 {
		t.Fatalf("limiters = %d, want one per store", len(f.limiters))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stats := models.NewRunStatistics(profile.StoreName)
	limited := NewPageFetcher(client, nil, stats, nil)
	_, err := limited.Fetch(ctx, profile, "cpu", 1)
	var fe *FetchError
	if !errors.As(err, &fe) || fe.Kind != KindFatal || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled limiter wait to fail the page, got %v", err)
	}
	if got := transport.GetTotalCallCount(); got != 3 {
		t.Fatalf("requests = %d, want 3", got)
	}
}
