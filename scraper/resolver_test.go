package scraper

import (
	"net/http"
	"regexp"
	"testing"

	"github.com/jarcoal/httpmock"
)

func TestCandidatesTrimTrailingSlash(t *testing.T) {
	got := Candidates(testBase + "/")
	want := []string{
		testBase + "/wp-json/wc/store/products",
		testBase + "/wp-json/wc/v3/products",
		testBase + "/wp-json/wc/v2/products",
		testBase + "/?wc-ajax=get_products",
	}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestResolvePicksFirstNonEmptyCandidate(t *testing.T) {
	client, transport := newMockClient()
	transport.RegisterRegexpResponder("GET", regexp.MustCompile(`^https://shop\.test/wp-json/wc/store/products`),
		httpmock.NewStringResponder(http.StatusNotFound, `{"code":"rest_no_route"}`))
	transport.RegisterRegexpResponder("GET", regexp.MustCompile(`^https://shop\.test/wp-json/wc/v3/products`),
		jsonResponder(`[]`))
	transport.RegisterRegexpResponder("GET", regexp.MustCompile(`^https://shop\.test/wp-json/wc/v2/products`),
		jsonResponder(buildProductsPage(1, 2)))
	transport.RegisterRegexpResponder("GET", regexp.MustCompile(`^https://shop\.test/\?wc-ajax`),
		jsonResponder(buildProductsPage(1, 2)))

	profile := testProfile()
	resolver := NewEndpointResolver(client, NewMetrics())

	endpoint, ok := resolver.Resolve(profile)
	if !ok {
		t.Fatalf("expected an endpoint to be discovered")
	}
	want := testBase + "/wp-json/wc/v2/products"
	if endpoint != want || profile.Endpoint != want || !profile.Discovered {
		t.Fatalf("endpoint = %q (profile %q, discovered %v), want %q", endpoint, profile.Endpoint, profile.Discovered, want)
	}
	if got := transport.GetTotalCallCount(); got != 3 {
		t.Fatalf("probes = %d, want 3", got)
	}
}

func TestResolveProbesWithFirstCategory(t *testing.T) {
	client, transport := newMockClient()
	var gotCategory, gotPage string
	transport.RegisterRegexpResponder("GET", storeEndpointRx, func(req *http.Request) (*http.Response, error) {
		gotCategory = req.URL.Query().Get("category")
		gotPage = req.URL.Query().Get("page")
		return httpmock.NewStringResponse(http.StatusOK, buildProductsPage(1, 1)), nil
	})

	profile := testProfile()
	profile.Categories = []string{"ssd", "cpu"}
	if _, ok := NewEndpointResolver(client, nil).Resolve(profile); !ok {
		t.Fatalf("expected discovery to succeed")
	}
	if gotCategory != "ssd" || gotPage != "1" {
		t.Fatalf("probe used category=%q page=%q, want ssd/1", gotCategory, gotPage)
	}
}

func TestResolveKeepsEndpointWhenAllFail(t *testing.T) {
	client, transport := newMockClient()
	probes := 0
	transport.RegisterNoResponder(func(*http.Request) (*http.Response, error) {
		probes++
		return httpmock.NewStringResponse(http.StatusServiceUnavailable, ""), nil
	})

	profile := testProfile()
	profile.Endpoint = testBase + "/custom"

	endpoint, ok := NewEndpointResolver(client, nil).Resolve(profile)
	if ok || endpoint != "" {
		t.Fatalf("Resolve() = %q, %v; want failure", endpoint, ok)
	}
	if profile.Endpoint != testBase+"/custom" || profile.Discovered {
		t.Fatalf("profile modified on failure: %q discovered=%v", profile.Endpoint, profile.Discovered)
	}
	if probes != 4 {
		t.Fatalf("probes = %d, want 4", probes)
	}
}
