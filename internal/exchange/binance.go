package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/johnayoung/cme-gap-analyzer/internal/config"
	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

const (
	binanceBaseURL = "https://api.binance.com"
	klinesPath     = "/api/v3/klines"
	binancePing    = "/api/v3/ping"
	binanceLimit   = 1000

	// DefaultBinanceSymbol is the BTC spot pair used when none is configured.
	DefaultBinanceSymbol = "BTCUSDT"
)

// BinanceFetcher downloads klines from the Binance spot REST API.
type BinanceFetcher struct {
	http   *requester
	symbol string
}

// NewBinanceFetcher creates a Binance fetcher.
func NewBinanceFetcher(cfg config.ExchangeConfig, logger *slog.Logger, opts ...Option) *BinanceFetcher {
	symbol := cfg.Symbol
	if symbol == "" {
		symbol = DefaultBinanceSymbol
	}
	return &BinanceFetcher{
		http:   newRequester("binance", binanceBaseURL, cfg, logger, opts),
		symbol: symbol,
	}
}

// Name returns "binance".
func (b *BinanceFetcher) Name() string { return "binance" }

// HealthCheck pings the API.
func (b *BinanceFetcher) HealthCheck(ctx context.Context) error {
	if _, err := b.http.get(ctx, binancePing); err != nil {
		return fmt.Errorf("binance health check failed: %w", err)
	}
	return nil
}

// FetchBars pages through klines 1000 at a time, starting each page one
// millisecond after the last open time received.
func (b *BinanceFetcher) FetchBars(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	symbol := req.Symbol
	if symbol == "" {
		symbol = b.symbol
	}
	interval := strings.ToLower(req.Interval)

	resp := &FetchResponse{Exchange: b.Name(), Symbol: symbol, Interval: interval}

	current := req.Start.UnixMilli()
	end := req.End.UnixMilli()

	b.http.logger.Info("downloading klines",
		"symbol", symbol,
		"interval", interval,
		"start", req.Start.UTC().Format(time.RFC3339),
		"end", req.End.UTC().Format(time.RFC3339))

	for current < end {
		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("interval", interval)
		params.Set("startTime", strconv.FormatInt(current, 10))
		params.Set("endTime", strconv.FormatInt(end, 10))
		params.Set("limit", strconv.Itoa(binanceLimit))

		body, err := b.http.get(ctx, klinesPath+"?"+params.Encode())
		resp.Requests++
		if err != nil {
			return nil, fmt.Errorf("binance klines page starting %d: %w", current, err)
		}

		page, lastOpen, err := parseKlines(body)
		if err != nil {
			return nil, fmt.Errorf("binance klines page starting %d: %w", current, err)
		}
		if len(page) == 0 {
			break
		}

		resp.Bars = append(resp.Bars, page...)
		b.http.metrics.AddCounter("bars_fetched_total", float64(len(page)), "bars downloaded", map[string]string{"exchange": b.Name()})

		b.http.logger.Debug("fetched kline page", "bars", len(page), "total", len(resp.Bars))

		if len(page) < binanceLimit {
			break
		}
		current = lastOpen + 1
	}

	if len(resp.Bars) == 0 {
		return nil, fmt.Errorf("binance %s %s: %w", symbol, interval, models.ErrNoData)
	}

	b.http.logger.Info("download finished", "bars", len(resp.Bars), "requests", resp.Requests)
	return resp, nil
}

// parseKlines decodes rows of [openTime, open, high, low, close, volume, ...].
func parseKlines(body []byte) ([]models.PriceBar, int64, error) {
	if !gjson.ValidBytes(body) {
		return nil, 0, fmt.Errorf("invalid JSON response")
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		if msg := root.Get("msg"); msg.Exists() {
			return nil, 0, fmt.Errorf("unexpected response: %s", msg.String())
		}
		return nil, 0, fmt.Errorf("unexpected response: expected array of klines")
	}

	rows := root.Array()
	bars := make([]models.PriceBar, 0, len(rows))
	var lastOpen int64

	for i, row := range rows {
		fields := row.Array()
		if len(fields) < 6 {
			return nil, 0, fmt.Errorf("kline %d: expected at least 6 fields, got %d", i, len(fields))
		}

		openTime := fields[0].Int()
		bar := models.PriceBar{Timestamp: time.UnixMilli(openTime).UTC()}

		var err error
		if bar.Open, err = jsonDecimal(fields[1]); err != nil {
			return nil, 0, fmt.Errorf("kline %d open: %w", i, err)
		}
		if bar.High, err = jsonDecimal(fields[2]); err != nil {
			return nil, 0, fmt.Errorf("kline %d high: %w", i, err)
		}
		if bar.Low, err = jsonDecimal(fields[3]); err != nil {
			return nil, 0, fmt.Errorf("kline %d low: %w", i, err)
		}
		if bar.Close, err = jsonDecimal(fields[4]); err != nil {
			return nil, 0, fmt.Errorf("kline %d close: %w", i, err)
		}
		if bar.Volume, err = jsonDecimal(fields[5]); err != nil {
			return nil, 0, fmt.Errorf("kline %d volume: %w", i, err)
		}

		bars = append(bars, bar)
		lastOpen = openTime
	}

	return bars, lastOpen, nil
}
