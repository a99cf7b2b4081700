// Package client provides the Google Search Console Search Analytics HTTP
// client with error classification and retry support.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/seolens/gsc-importer/pkg/logging"
)

// DefaultBaseURL is the production Search Console API endpoint.
const DefaultBaseURL = "https://searchconsole.googleapis.com"

const dateLayout = "2006-01-02"

// Prometheus metrics for API operations.
var (
	gscRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gsc_requests_total",
		Help: "Total Search Console API requests by operation and status",
	}, []string{"operation", "status"})

	gscRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gsc_request_duration_seconds",
		Help:    "Search Console API request duration in seconds by operation",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"operation"})

	gscErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gsc_errors_total",
		Help: "Total Search Console API errors by class",
	}, []string{"class"})
)

// Config holds the client configuration.
type Config struct {
	// TokenSource supplies OAuth access tokens. The interactive consent
	// flow lives outside this module; the client only requires that Token()
	// returns a usable token or fails.
	TokenSource oauth2.TokenSource

	// BaseURL overrides the API endpoint (tests point it at a mock server).
	BaseURL string

	// UserAgent header sent with every request.
	UserAgent string

	// Timeout per HTTP request.
	Timeout time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(ts oauth2.TokenSource) Config {
	return Config{
		TokenSource: ts,
		BaseURL:     DefaultBaseURL,
		UserAgent:   "gsc-importer/0.1.0",
		Timeout:     30 * time.Second,
	}
}

// Client is the Search Console API client.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new Search Console client.
func New(cfg Config) (*Client, error) {
	if cfg.TokenSource == nil {
		return nil, fmt.Errorf("token source is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config: cfg,
		logger: logging.NewLogger("gsc-client"),
	}, nil
}

// Query executes one searchAnalytics.query call for the given site.
// The date range is validated locally before any request is issued:
// a malformed or inverted range surfaces as a validation error.
func (c *Client) Query(ctx context.Context, site string, req QueryRequest) (*QueryResponse, error) {
	if err := validateRange(req.StartDate, req.EndDate); err != nil {
		return nil, err
	}
	if req.RowLimit <= 0 || req.RowLimit > MaxRowsPerRequest {
		req.RowLimit = MaxRowsPerRequest
	}

	endpoint := fmt.Sprintf("%s/webmasters/v3/sites/%s/searchAnalytics/query",
		c.config.BaseURL, url.PathEscape(site))

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode query request: %w", err)
	}

	var resp apiQueryResponse
	if err := c.do(ctx, "query", http.MethodPost, endpoint, body, &resp); err != nil {
		return nil, err
	}

	c.logger.Debug().
		Str("site", site).
		Int("start_row", req.StartRow).
		Int("rows", len(resp.Rows)).
		Msg("Query page fetched")

	return &QueryResponse{Rows: mapRows(req.Dimensions, resp.Rows)}, nil
}

// siteEntry is one property in the sites.list response.
type siteEntry struct {
	SiteURL         string `json:"siteUrl"`
	PermissionLevel string `json:"permissionLevel"`
}

// ListSites returns the URLs of all properties the credential can access.
func (c *Client) ListSites(ctx context.Context) ([]string, error) {
	endpoint := c.config.BaseURL + "/webmasters/v3/sites"

	var resp struct {
		SiteEntry []siteEntry `json:"siteEntry"`
	}
	if err := c.do(ctx, "sites", http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}

	sites := make([]string, 0, len(resp.SiteEntry))
	for _, e := range resp.SiteEntry {
		sites = append(sites, e.SiteURL)
	}
	return sites, nil
}

// do performs one authenticated HTTP round trip and decodes the response.
func (c *Client) do(ctx context.Context, operation, method, endpoint string, body []byte, out any) error {
	startTime := time.Now()
	defer func() {
		gscRequestDuration.WithLabelValues(operation).Observe(time.Since(startTime).Seconds())
	}()

	token, err := c.config.TokenSource.Token()
	if err != nil {
		gscErrorsTotal.WithLabelValues(string(ClassAuth)).Inc()
		return &APIError{Class: ClassAuth, Message: "acquire access token", Err: err}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	token.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error().Err(err).Str("operation", operation).Msg("HTTP request failed")
		gscErrorsTotal.WithLabelValues(string(ClassNetwork)).Inc()
		gscRequestsTotal.WithLabelValues(operation, "network_error").Inc()
		return &APIError{Class: ClassNetwork, Message: "transport failure", Err: err}
	}
	defer resp.Body.Close()

	gscRequestsTotal.WithLabelValues(operation, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		class := classifyStatus(resp.StatusCode)
		gscErrorsTotal.WithLabelValues(string(class)).Inc()

		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn().
			Str("operation", operation).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Search Console API error")

		return &APIError{
			StatusCode: resp.StatusCode,
			Class:      class,
			Message:    string(bytes.TrimSpace(snippet)),
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		gscErrorsTotal.WithLabelValues(string(ClassNetwork)).Inc()
		return &APIError{Class: ClassNetwork, Message: "decode response", Err: err}
	}
	return nil
}

// validateRange checks that both dates parse and start does not follow end.
func validateRange(start, end string) error {
	s, err := time.Parse(dateLayout, start)
	if err != nil {
		return &APIError{Class: ClassValidation, Message: fmt.Sprintf("invalid start date %q", start), Err: err}
	}
	e, err := time.Parse(dateLayout, end)
	if err != nil {
		return &APIError{Class: ClassValidation, Message: fmt.Sprintf("invalid end date %q", end), Err: err}
	}
	if s.After(e) {
		return &APIError{Class: ClassValidation, Message: fmt.Sprintf("start date %s after end date %s", start, end)}
	}
	return nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
