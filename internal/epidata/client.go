// Package epidata fetches FluView ILI data from the Delphi Epidata API.
package epidata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/TobiSchelling/ilicrawler/internal/database"
	"github.com/TobiSchelling/ilicrawler/internal/epiweek"
	"github.com/TobiSchelling/ilicrawler/internal/observability"
)

// DefaultEndpoint is the public Epidata API.
const DefaultEndpoint = "https://delphi.cmu.edu/epidata/api.php"

// ErrUpstream is returned when the API answers with a non-2xx status.
var ErrUpstream = errors.New("upstream error")

const redacted = "REDACTED"

// Options configures a Client.
type Options struct {
	Endpoint   string
	APIKey     string
	DataSource string
	Metrics    string
	Regions    []string
	Timeout    time.Duration
}

// Response is the decoded result of one yearly request.
type Response struct {
	Observations []database.Observation
	// Skipped counts records without a region or epiweek.
	Skipped int
	// Message is the API's status message when it sends an envelope.
	Message string
}

// Client requests one year of data per call.
type Client struct {
	endpoint   string
	apiKey     string
	dataSource string
	metrics    string
	regions    string
	timeout    time.Duration
	client     *http.Client
	logger     *zap.Logger
}

// NewClient creates a new Epidata client.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.Endpoint == "" {
		opts.Endpoint = DefaultEndpoint
	}
	if opts.DataSource == "" {
		opts.DataSource = "fluview"
	}
	if opts.Metrics == "" {
		opts.Metrics = "ili"
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint:   opts.Endpoint,
		apiKey:     opts.APIKey,
		dataSource: opts.DataSource,
		metrics:    opts.Metrics,
		regions:    strings.Join(opts.Regions, ","),
		timeout:    opts.Timeout,
		client:     &http.Client{Timeout: opts.Timeout},
		logger:     logger,
	}
}

// YearURL returns the request URL for a year, including the credential.
func (c *Client) YearURL(year int) string {
	return c.buildURL(year, c.apiKey)
}

// RedactedURL returns the request URL for a year with the credential masked.
// Use it for anything that is logged or printed.
func (c *Client) RedactedURL(year int) string {
	return c.buildURL(year, redacted)
}

func (c *Client) buildURL(year int, key string) string {
	start, end := epiweek.YearRange(year)
	params := url.Values{
		"api_key":  {key},
		"source":   {c.dataSource},
		"regions":  {c.regions},
		"metrics":  {c.metrics},
		"epiweeks": {epiweek.FormatRange(start, end)},
		"format":   {"json"},
	}
	return c.endpoint + "?" + params.Encode()
}

// FetchYear requests weeks 01 through 53 of year for every configured region.
// Transport failures, non-2xx statuses, and undecodable bodies are returned as
// errors. A well-formed body that is not a non-empty list of records yields a
// Response with no observations and a nil error.
func (c *Client) FetchYear(ctx context.Context, year int) (*Response, error) {
	resp := &Response{}

	began := time.Now()
	body, err := c.get(ctx, year)
	if err != nil {
		observe("error", began)
		return nil, err
	}

	records, message, err := parseBody(body)
	if err != nil {
		observe("error", began)
		return nil, fmt.Errorf("decoding response for %d: %w", year, err)
	}
	resp.Message = message

	for _, rec := range records {
		o, ok := toObservation(rec)
		if !ok {
			resp.Skipped++
			continue
		}
		resp.Observations = append(resp.Observations, o)
	}

	if len(resp.Observations) == 0 {
		observe("empty", began)
	} else {
		observe("ok", began)
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, year int) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.YearURL(year), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", c.redact(err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "ilicrawler/1.0 (fluview ingest)")

	c.logger.Debug("requesting epidata", zap.Int("year", year), zap.String("url", c.RedactedURL(year)))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", c.redact(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: HTTP %d", ErrUpstream, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", c.redact(err))
	}
	return body, nil
}

// redact strips the credential from URLs embedded in transport errors.
func (c *Client) redact(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) && c.apiKey != "" {
		ue.URL = strings.ReplaceAll(ue.URL, url.QueryEscape(c.apiKey), redacted)
	}
	return err
}

func observe(status string, began time.Time) {
	observability.EpidataRequestsTotal.WithLabelValues(status).Inc()
	observability.EpidataRequestDuration.WithLabelValues(status).Observe(time.Since(began).Seconds())
}
