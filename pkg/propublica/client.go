// Package propublica provides a client for the ProPublica Nonprofit
// Explorer API (v2).
package propublica

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

// Client defines the Nonprofit Explorer operations used by the pipeline.
type Client interface {
	// Organization fetches the organization record and filing history for an EIN.
	Organization(ctx context.Context, ein string) (*OrgResponse, error)
	// Search queries nonprofits by name.
	Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error)
}

// OrgResponse is the parsed organization endpoint response.
type OrgResponse struct {
	Organization Organization `json:"organization"`
	Filings      []Filing     `json:"filings_with_data"`
}

// Organization holds the registry record for one nonprofit.
type Organization struct {
	EIN        int    `json:"ein"`
	Name       string `json:"name"`
	City       string `json:"city"`
	State      string `json:"state"`
	NTEECode   string `json:"ntee_code"`
	Subsection int    `json:"subsection_code"`
}

// Filing is one year of Form 990 data as indexed by ProPublica.
type Filing struct {
	TaxPeriod     int    `json:"tax_prd"`
	TaxPeriodYear int    `json:"tax_prd_yr"`
	FormType      int    `json:"formtype"`
	TotalRevenue  int64  `json:"totrevenue"`
	TotalExpenses int64  `json:"totfuncexpns"`
	TotalAssets   int64  `json:"totassetsend"`
	PDFURL        string `json:"pdf_url"`
}

// SearchResponse is the parsed search endpoint response.
type SearchResponse struct {
	TotalResults  int            `json:"total_results"`
	Organizations []SearchResult `json:"organizations"`
}

// SearchResult is a single search hit.
type SearchResult struct {
	EIN      int    `json:"ein"`
	Name     string `json:"name"`
	City     string `json:"city"`
	State    string `json:"state"`
	NTEECode string `json:"ntee_code"`
}

// SearchOption configures a search request.
type SearchOption func(*searchOpts)

type searchOpts struct {
	state string
	ntee  int
}

// WithState restricts search results to one state.
func WithState(state string) SearchOption {
	return func(o *searchOpts) {
		o.state = state
	}
}

// WithNTEECategory restricts search results to an NTEE major category (1-10).
func WithNTEECategory(category int) SearchOption {
	return func(o *searchOpts) {
		o.ntee = category
	}
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit overrides the default request rate.
func WithRateLimit(rps rate.Limit, burst int) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rps, burst)
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a new Nonprofit Explorer client. The API needs no key
// but asks integrators to keep request rates modest.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL: "https://projects.propublica.org/nonprofits/api/v2",
		limiter: rate.NewLimiter(3, 3),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func retryableStatusCode(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusInternalServerError ||
		code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable
}

// retryDo executes a GET with exponential backoff retries on transient
// failures. Returns the response body on success, or the last error after
// exhausting retries.
func (c *httpClient) retryDo(ctx context.Context, rawURL string) ([]byte, int, error) {
	const maxAttempts = 3
	backoff := 1 * time.Second

	var lastErr error
	var lastStatus int
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, 0, eris.Wrap(err, "propublica: rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, 0, eris.Wrap(err, "propublica: create request")
		}
		req.Header.Set("User-Agent", "good-measure-giving/1.0")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, readErr := io.ReadAll(resp.Body)
			resp.Body.Close() //nolint:errcheck
			lastStatus = resp.StatusCode
			if readErr != nil {
				lastErr = readErr
			} else if !retryableStatusCode(resp.StatusCode) {
				return body, resp.StatusCode, nil
			} else {
				lastErr = eris.Errorf("propublica: http %d", resp.StatusCode)
			}
		}

		if attempt < maxAttempts {
			t := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, lastStatus, eris.Wrap(ctx.Err(), "propublica: cancelled during backoff")
			case <-t.C:
			}
			backoff *= 2
		}
	}

	return nil, lastStatus, eris.Wrap(lastErr, "propublica: retries exhausted")
}

// Organization fetches the record for one EIN. The API accepts only digits,
// so hyphens are stripped before the call.
func (c *httpClient) Organization(ctx context.Context, ein string) (*OrgResponse, error) {
	digits := strings.ReplaceAll(ein, "-", "")
	endpoint := fmt.Sprintf("%s/organizations/%s.json", c.baseURL, url.PathEscape(digits))

	body, status, err := c.retryDo(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, eris.Errorf("propublica: no organization for ein %s", ein)
	}
	if status != http.StatusOK {
		return nil, eris.Errorf("propublica: unexpected status %d for ein %s", status, ein)
	}

	var out OrgResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "propublica: decode organization")
	}
	return &out, nil
}

// Search queries nonprofits by name.
func (c *httpClient) Search(ctx context.Context, query string, opts ...SearchOption) (*SearchResponse, error) {
	var so searchOpts
	for _, opt := range opts {
		opt(&so)
	}

	params := url.Values{}
	params.Set("q", query)
	if so.state != "" {
		params.Set("state[id]", so.state)
	}
	if so.ntee != 0 {
		params.Set("ntee[id]", fmt.Sprintf("%d", so.ntee))
	}
	endpoint := fmt.Sprintf("%s/search.json?%s", c.baseURL, params.Encode())

	body, status, err := c.retryDo(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, eris.Errorf("propublica: unexpected status %d for search %q", status, query)
	}

	var out SearchResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "propublica: decode search")
	}
	return &out, nil
}
