package scraper

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

const responseKey = "response"

var errNoResponse = errors.New("collector returned no response")

// Response is the raw result of one GET.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Client issues synchronous GETs through a colly collector. It is safe for
// concurrent use.
type Client struct {
	collector *colly.Collector
}

// NewClient builds a client whose requests time out after timeout. A nil
// transport selects a pooled default transport.
func NewClient(timeout time.Duration, transport http.RoundTripper) *Client {
	collector := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
		colly.IgnoreRobotsTxt(),
	)
	collector.SetRequestTimeout(timeout)
	if transport == nil {
		transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}
	}
	collector.WithTransport(transport)

	collector.OnResponse(func(r *colly.Response) {
		var header http.Header
		if r.Headers != nil {
			header = r.Headers.Clone()
		}
		r.Ctx.Put(responseKey, &Response{
			StatusCode: r.StatusCode,
			Body:       r.Body,
			Header:     header,
		})
	})

	return &Client{collector: collector}
}

// Get performs one GET with the given headers. Non-200 statuses are
// returned as responses, not errors.
func (c *Client) Get(rawURL string, headers map[string]string) (*Response, error) {
	hdr := make(http.Header, len(headers))
	for k, v := range headers {
		hdr.Set(k, v)
	}

	ctx := colly.NewContext()
	if err := c.collector.Request(http.MethodGet, rawURL, nil, ctx, hdr); err != nil {
		return nil, err
	}
	resp, ok := ctx.GetAny(responseKey).(*Response)
	if !ok {
		return nil, errNoResponse
	}
	return resp, nil
}
