package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"github.com/johnayoung/cme-gap-analyzer/internal/config"
	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

const (
	coinbaseBaseURL   = "https://api.exchange.coinbase.com"
	candlesPath       = "/products/%s/candles"
	coinbaseTimePath  = "/time"
	maxCandlesPerCall = 300

	// DefaultCoinbaseProduct is the BTC spot product used when none is configured.
	DefaultCoinbaseProduct = "BTC-USD"
)

// CoinbaseFetcher downloads candles from the Coinbase Exchange public API.
type CoinbaseFetcher struct {
	http    *requester
	product string
}

// NewCoinbaseFetcher creates a Coinbase fetcher.
func NewCoinbaseFetcher(cfg config.ExchangeConfig, logger *slog.Logger, opts ...Option) *CoinbaseFetcher {
	product := cfg.Symbol
	if product == "" {
		product = DefaultCoinbaseProduct
	}
	return &CoinbaseFetcher{
		http:    newRequester("coinbase", coinbaseBaseURL, cfg, logger, opts),
		product: product,
	}
}

// Name returns "coinbase".
func (c *CoinbaseFetcher) Name() string { return "coinbase" }

// HealthCheck queries the server time endpoint.
func (c *CoinbaseFetcher) HealthCheck(ctx context.Context) error {
	if _, err := c.http.get(ctx, coinbaseTimePath); err != nil {
		return fmt.Errorf("coinbase health check failed: %w", err)
	}
	return nil
}

type timeChunk struct {
	start time.Time
	end   time.Time
}

// chunkWindow splits [start, end) into windows of at most 300 candles.
func chunkWindow(start, end time.Time, granularity time.Duration) []timeChunk {
	span := time.Duration(maxCandlesPerCall) * granularity
	var chunks []timeChunk
	for cur := start; cur.Before(end); cur = cur.Add(span) {
		chunkEnd := cur.Add(span)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		chunks = append(chunks, timeChunk{start: cur, end: chunkEnd})
	}
	return chunks
}

// FetchBars downloads the window in 300 candle chunks and returns bars oldest first.
func (c *CoinbaseFetcher) FetchBars(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	granularity, _ := IntervalDuration(req.Interval)

	product := req.Symbol
	if product == "" {
		product = c.product
	}

	resp := &FetchResponse{Exchange: c.Name(), Symbol: product, Interval: req.Interval}
	chunks := chunkWindow(req.Start, req.End, granularity)

	c.http.logger.Info("downloading candles",
		"product", product,
		"granularity", int(granularity.Seconds()),
		"chunks", len(chunks))

	seen := make(map[int64]bool)
	for i, chunk := range chunks {
		params := url.Values{}
		params.Set("start", chunk.start.UTC().Format(time.RFC3339))
		params.Set("end", chunk.end.UTC().Format(time.RFC3339))
		params.Set("granularity", strconv.Itoa(int(granularity.Seconds())))

		body, err := c.http.get(ctx, fmt.Sprintf(candlesPath, url.PathEscape(product))+"?"+params.Encode())
		resp.Requests++
		if err != nil {
			return nil, fmt.Errorf("coinbase candles chunk %d/%d: %w", i+1, len(chunks), err)
		}

		page, err := parseCandles(body)
		if err != nil {
			return nil, fmt.Errorf("coinbase candles chunk %d/%d: %w", i+1, len(chunks), err)
		}

		for _, bar := range page {
			key := bar.Timestamp.Unix()
			if seen[key] {
				continue
			}
			seen[key] = true
			resp.Bars = append(resp.Bars, bar)
		}
		c.http.metrics.AddCounter("bars_fetched_total", float64(len(page)), "bars downloaded", map[string]string{"exchange": c.Name()})
	}

	if len(resp.Bars) == 0 {
		return nil, fmt.Errorf("coinbase %s %s: %w", product, req.Interval, models.ErrNoData)
	}

	sort.Slice(resp.Bars, func(i, j int) bool {
		return resp.Bars[i].Timestamp.Before(resp.Bars[j].Timestamp)
	})

	c.http.logger.Info("download finished", "bars", len(resp.Bars), "requests", resp.Requests)
	return resp, nil
}

// parseCandles decodes rows of [time, low, high, open, close, volume], newest first.
func parseCandles(body []byte) ([]models.PriceBar, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid JSON response")
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		if msg := root.Get("message"); msg.Exists() {
			return nil, fmt.Errorf("unexpected response: %s", msg.String())
		}
		return nil, fmt.Errorf("unexpected response: expected array of candles")
	}

	rows := root.Array()
	bars := make([]models.PriceBar, 0, len(rows))

	for i, row := range rows {
		fields := row.Array()
		if len(fields) < 6 {
			return nil, fmt.Errorf("candle %d: expected 6 fields, got %d", i, len(fields))
		}

		bar := models.PriceBar{Timestamp: time.Unix(fields[0].Int(), 0).UTC()}

		var err error
		if bar.Low, err = jsonDecimal(fields[1]); err != nil {
			return nil, fmt.Errorf("candle %d low: %w", i, err)
		}
		if bar.High, err = jsonDecimal(fields[2]); err != nil {
			return nil, fmt.Errorf("candle %d high: %w", i, err)
		}
		if bar.Open, err = jsonDecimal(fields[3]); err != nil {
			return nil, fmt.Errorf("candle %d open: %w", i, err)
		}
		if bar.Close, err = jsonDecimal(fields[4]); err != nil {
			return nil, fmt.Errorf("candle %d close: %w", i, err)
		}
		if bar.Volume, err = jsonDecimal(fields[5]); err != nil {
			return nil, fmt.Errorf("candle %d volume: %w", i, err)
		}

		bars = append(bars, bar)
	}
	return bars, nil
}
