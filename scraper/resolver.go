package scraper

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aluiziolira/storefront-scraper/config"
)

// DefaultProbeTimeout bounds each discovery request.
const DefaultProbeTimeout = 10 * time.Second

var candidatePaths = []string{
	"/wp-json/wc/store/products",
	"/wp-json/wc/v3/products",
	"/wp-json/wc/v2/products",
	"/?wc-ajax=get_products",
}

// EndpointResolver discovers which product API a store answers on.
type EndpointResolver struct {
	client  *Client
	metrics *Metrics
}

// NewEndpointResolver returns a resolver probing through client. The client
// should carry the probe timeout.
func NewEndpointResolver(client *Client, metrics *Metrics) *EndpointResolver {
	return &EndpointResolver{client: client, metrics: metrics}
}

// Candidates lists the probe endpoints for baseURL in order.
func Candidates(baseURL string) []string {
	base := strings.TrimRight(baseURL, "/")
	out := make([]string, 0, len(candidatePaths))
	for _, path := range candidatePaths {
		out = append(out, base+path)
	}
	return out
}

// Resolve probes each candidate with the first category and page 1. The
// first one answering 200 with a non-empty JSON array becomes the profile's
// endpoint. On failure the profile is left untouched.
func (r *EndpointResolver) Resolve(profile *config.StoreProfile) (string, bool) {
	category := ""
	if len(profile.Categories) > 0 {
		category = profile.Categories[0]
	}

	for _, candidate := range Candidates(profile.BaseURL) {
		r.metrics.IncRequest(profile.StoreName, "probe")
		resp, err := r.client.Get(PageURL(candidate, category, 1), profile.Headers)
		if err != nil {
			slog.Debug("endpoint probe failed",
				slog.String("store", profile.StoreName),
				slog.String("endpoint", candidate),
				slog.Any("error", err),
			)
			continue
		}
		if resp.StatusCode != http.StatusOK {
			slog.Debug("endpoint probe rejected",
				slog.String("store", profile.StoreName),
				slog.String("endpoint", candidate),
				slog.Int("status", resp.StatusCode),
			)
			continue
		}
		items, err := decodeItems(resp.Body)
		if err != nil || len(items) == 0 {
			continue
		}

		profile.Endpoint = candidate
		profile.Discovered = true
		slog.Info("endpoint discovered",
			slog.String("store", profile.StoreName),
			slog.String("endpoint", candidate),
		)
		return candidate, true
	}

	slog.Warn("no working endpoint found, keeping configured endpoint",
		slog.String("store", profile.StoreName),
		slog.String("endpoint", profile.Endpoint),
	)
	return "", false
}
