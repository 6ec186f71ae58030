package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/turfline/racedata-cli/internal/model"
	"github.com/turfline/racedata-cli/internal/resilience"
)

// Options configures the HTTP gateway client.
type Options struct {
	BaseURL    string
	APIKey     string
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int

	// Per-endpoint request ceilings. Each worker process holds its own
	// conservative share of the provider's account-wide budget.
	BulkRPS   float64
	DetailRPS float64
}

// HTTPClient implements Client over net/http with per-endpoint rate
// limiting and retry-with-backoff on transient failures.
type HTTPClient struct {
	client    *http.Client
	opts      Options
	bulkLim   *rate.Limiter
	detailLim *rate.Limiter
	retry     resilience.RetryConfig
}

// NewHTTPClient creates a gateway client with the given options.
func NewHTTPClient(opts Options) *HTTPClient {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "racedata-cli/1.0"
	}
	if opts.BulkRPS <= 0 {
		opts.BulkRPS = 1
	}
	if opts.DetailRPS <= 0 {
		opts.DetailRPS = 0.5
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = opts.MaxRetries
	retry.OnRetry = resilience.RetryLogger("provider", "request")

	return &HTTPClient{
		client: &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		opts:      opts,
		bulkLim:   rate.NewLimiter(rate.Limit(opts.BulkRPS), 1),
		detailLim: rate.NewLimiter(rate.Limit(opts.DetailRPS), 1),
		retry:     retry,
	}
}

// Meetings fetches one page of the bulk listing for an inclusive date window.
func (c *HTTPClient) Meetings(ctx context.Context, start, end time.Time, page int) (*MeetingsPage, error) {
	q := url.Values{}
	q.Set("start", start.Format("2006-01-02"))
	q.Set("end", end.Format("2006-01-02"))
	q.Set("page", fmt.Sprintf("%d", page))
	rawURL := fmt.Sprintf("%s/v1/meetings?%s", c.opts.BaseURL, q.Encode())

	body, err := c.get(ctx, rawURL, c.bulkLim)
	if err != nil {
		return nil, err
	}

	var resp MeetingsPage
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrapf(err, "provider: decode meetings page %d", page)
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EntityDetail fetches extended attributes and pedigree for one entity.
func (c *HTTPClient) EntityDetail(ctx context.Context, kind model.EntityKind, externalID string) (*EntityDetail, error) {
	if !kind.Valid() {
		return nil, eris.Errorf("provider: unknown entity kind %q", kind)
	}
	rawURL := fmt.Sprintf("%s/v1/%ss/%s", c.opts.BaseURL, kind, url.PathEscape(externalID))

	body, err := c.get(ctx, rawURL, c.detailLim)
	if err != nil {
		return nil, err
	}

	var resp EntityDetail
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrapf(err, "provider: decode %s %s", kind, externalID)
	}
	if resp.Kind == "" {
		resp.Kind = kind
	}
	if err := resp.Validate(); err != nil {
		return nil, err
	}
	return &resp, nil
}

// get issues one rate-limited GET with retry on transient failures. The
// limiter wait runs inside the retry loop so backed-off attempts still pay
// the inter-request delay.
func (c *HTTPClient) get(ctx context.Context, rawURL string, lim *rate.Limiter) ([]byte, error) {
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) ([]byte, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "provider: rate limiter wait")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, eris.Wrap(err, "provider: create request")
		}
		req.Header.Set("User-Agent", c.opts.UserAgent)
		if c.opts.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, resilience.NewTransientError(err, 0)
		}
		defer resp.Body.Close() //nolint:errcheck

		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			zap.L().Warn("provider transient status",
				zap.String("url", rawURL),
				zap.Int("status", resp.StatusCode),
			)
			return nil, resilience.NewTransientError(
				eris.Errorf("provider: http %d from %s", resp.StatusCode, rawURL),
				resp.StatusCode,
			)
		}

		if resp.StatusCode != http.StatusOK {
			return nil, &StatusError{Code: resp.StatusCode, URL: rawURL}
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, resilience.NewTransientError(eris.Wrap(err, "provider: read body"), 0)
		}
		return body, nil
	})
}
