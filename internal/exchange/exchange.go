// Package exchange downloads spot price bars from public exchange REST APIs.
//
// Each fetcher pages through the requested window, waits on a rate limiter before
// every request, and retries transient HTTP failures with exponential backoff.
// Rate limited responses honor Retry-After; other 4xx responses fail immediately.
package exchange

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/johnayoung/cme-gap-analyzer/internal/config"
	"github.com/johnayoung/cme-gap-analyzer/internal/metrics"
	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

const (
	userAgent       = "cme-gap-analyzer/1.0"
	maxErrorBody    = 512
	defaultTimeout  = 30 * time.Second
	defaultRateRPS  = 10
	defaultAttempts = 4
)

// BarFetcher retrieves OHLCV bars for a symbol and time window.
type BarFetcher interface {
	// FetchBars returns every bar opening in [Start, End], oldest first.
	FetchBars(ctx context.Context, req FetchRequest) (*FetchResponse, error)
	// Name is the exchange identifier, e.g. "binance".
	Name() string
	// HealthCheck performs a lightweight reachability check.
	HealthCheck(ctx context.Context) error
}

// FetchRequest describes a download window.
type FetchRequest struct {
	Symbol   string    `json:"symbol"` // Empty uses the exchange default
	Interval string    `json:"interval"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

// FetchResponse carries the downloaded bars.
type FetchResponse struct {
	Exchange string            `json:"exchange"`
	Symbol   string            `json:"symbol"`
	Interval string            `json:"interval"`
	Bars     []models.PriceBar `json:"bars"`
	Requests int               `json:"requests"`
}

// Validate checks the request window and interval.
func (r *FetchRequest) Validate() error {
	if _, err := IntervalDuration(r.Interval); err != nil {
		return err
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return &ValidationError{Field: "start/end", Message: "time window is required"}
	}
	if !r.Start.Before(r.End) {
		return &ValidationError{Field: "start", Message: "start must be before end"}
	}
	return nil
}

// ValidationError represents an invalid fetch request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid fetch request %s: %s", e.Field, e.Message)
}

// APIError is a non-success HTTP response from an exchange.
type APIError struct {
	Exchange   string
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: HTTP %d: %s", e.Exchange, e.Status, e.Body)
}

// StatusCode exposes the HTTP status for error classification.
func (e *APIError) StatusCode() int {
	return e.Status
}

// IntervalDuration maps a supported interval name to its bar length.
func IntervalDuration(interval string) (time.Duration, error) {
	switch strings.ToLower(interval) {
	case "1h":
		return time.Hour, nil
	case "4h":
		return 4 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	default:
		return 0, &ValidationError{Field: "interval", Message: fmt.Sprintf("unsupported interval %q (want 1h, 4h or 1d)", interval)}
	}
}

// Option customizes a fetcher.
type Option func(*requester)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(r *requester) { r.client = c }
}

// WithMetrics records request counts and latencies.
func WithMetrics(mc *metrics.MetricsCollector) Option {
	return func(r *requester) { r.metrics = mc }
}

// NewFetcher builds the fetcher named by cfg.Type.
func NewFetcher(cfg config.ExchangeConfig, logger *slog.Logger, opts ...Option) (BarFetcher, error) {
	switch strings.ToLower(cfg.Type) {
	case "binance", "":
		return NewBinanceFetcher(cfg, logger, opts...), nil
	case "coinbase":
		return NewCoinbaseFetcher(cfg, logger, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", cfg.Type)
	}
}

// requester performs rate limited GETs with retries. It is shared by the fetchers.
type requester struct {
	exchange     string
	baseURL      string
	client       *http.Client
	limiter      *rate.Limiter
	logger       *slog.Logger
	metrics      *metrics.MetricsCollector
	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
}

func newRequester(exchange, defaultBaseURL string, cfg config.ExchangeConfig, logger *slog.Logger, opts []Option) *requester {
	if logger == nil {
		logger = slog.Default()
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	timeout := cfg.HTTPTimeout()
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	rps := cfg.RateLimit
	if rps <= 0 {
		rps = defaultRateRPS
	}

	attempts := cfg.RetryPolicy.MaxAttempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	initial := parseDurationOr(cfg.RetryPolicy.InitialDelay, 500*time.Millisecond)
	maxDelay := parseDurationOr(cfg.RetryPolicy.MaxDelay, 30*time.Second)

	r := &requester{
		exchange: exchange,
		baseURL:  baseURL,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:      rate.NewLimiter(rate.Limit(rps), 1),
		logger:       logger.With("component", "exchange", "exchange", exchange),
		maxAttempts:  attempts,
		initialDelay: initial,
		maxDelay:     maxDelay,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d
	}
	return fallback
}

// get returns the body of a successful response to baseURL+path.
func (r *requester) get(ctx context.Context, path string) ([]byte, error) {
	url := r.baseURL + path
	labels := map[string]string{"exchange": r.exchange}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initialDelay
	b.MaxInterval = r.maxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.maxAttempts-1)), ctx)

	var body []byte
	attempt := 0

	operation := func() error {
		attempt++
		if err := r.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)

		start := time.Now()
		resp, err := r.client.Do(req)
		r.metrics.RecordCounter("exchange_requests_total", "HTTP requests sent to the exchange", labels)
		r.metrics.RecordDuration("exchange_request_duration_ms", time.Since(start), "exchange request latency", labels)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			r.logger.Warn("request failed", "attempt", attempt, "error", err)
			return fmt.Errorf("%s request failed: %w", r.exchange, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("%s: failed to read response body: %w", r.exchange, err)
		}

		if resp.StatusCode < 400 {
			body = data
			return nil
		}

		apiErr := &APIError{
			Exchange:   r.exchange,
			Status:     resp.StatusCode,
			Body:       truncate(string(data), maxErrorBody),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
		r.metrics.RecordError("exchange_errors_total", "non-success exchange responses", labels)

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			r.logger.Warn("rate limited", "attempt", attempt, "retry_after", apiErr.RetryAfter)
			if apiErr.RetryAfter > 0 {
				if err := sleepContext(ctx, apiErr.RetryAfter); err != nil {
					return backoff.Permanent(err)
				}
			}
			return apiErr
		case resp.StatusCode >= 500:
			r.logger.Warn("server error", "attempt", attempt, "status", resp.StatusCode)
			return apiErr
		default:
			return backoff.Permanent(apiErr)
		}
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return nil, err
	}
	return body, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// jsonDecimal reads a number that may be encoded as a JSON string or a JSON number.
func jsonDecimal(r gjson.Result) (decimal.Decimal, error) {
	switch r.Type {
	case gjson.String:
		return decimal.NewFromString(r.Str)
	case gjson.Number:
		return decimal.NewFromString(r.Raw)
	default:
		return decimal.Zero, fmt.Errorf("expected number, got %s", r.Type)
	}
}
