package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/cme-gap-analyzer/internal/config"
	"github.com/johnayoung/cme-gap-analyzer/internal/logger"
	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

func testExchangeConfig(exchange, baseURL string) config.ExchangeConfig {
	return config.ExchangeConfig{
		Type:      exchange,
		Interval:  "1h",
		BaseURL:   baseURL,
		RateLimit: 1000,
		Timeout:   "5s",
		RetryPolicy: config.RetryPolicyConfig{
			MaxAttempts:  3,
			InitialDelay: "1ms",
			MaxDelay:     "2ms",
		},
	}
}

func klineRows(startMs int64, n int) string {
	rows := make([]string, n)
	for i := 0; i < n; i++ {
		open := startMs + int64(i)*time.Hour.Milliseconds()
		rows[i] = fmt.Sprintf(`[%d,"100.0","101.5","99.5","100.5","12.3",%d,"0",10,"0","0","0"]`, open, open+time.Hour.Milliseconds()-1)
	}
	return "[" + strings.Join(rows, ",") + "]"
}

var window = FetchRequest{
	Interval: "1h",
	Start:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	End:      time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
}

func TestBinanceFetcher_PagesByLastOpenTime(t *testing.T) {
	var starts []int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, klinesPath, r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "BTCUSDT", q.Get("symbol"))
		assert.Equal(t, "1h", q.Get("interval"))
		assert.Equal(t, "1000", q.Get("limit"))

		start, err := strconv.ParseInt(q.Get("startTime"), 10, 64)
		require.NoError(t, err)
		starts = append(starts, start)

		if len(starts) == 1 {
			fmt.Fprint(w, klineRows(start, binanceLimit))
			return
		}
		fmt.Fprint(w, klineRows(start+time.Hour.Milliseconds()-1, 2))
	}))
	defer srv.Close()

	f := NewBinanceFetcher(testExchangeConfig("binance", srv.URL), logger.Discard())
	resp, err := f.FetchBars(context.Background(), window)
	require.NoError(t, err)

	require.Len(t, starts, 2)
	assert.Equal(t, window.Start.UnixMilli(), starts[0])
	lastOpen := window.Start.UnixMilli() + int64(binanceLimit-1)*time.Hour.Milliseconds()
	assert.Equal(t, lastOpen+1, starts[1])

	assert.Equal(t, 2, resp.Requests)
	assert.Equal(t, "binance", resp.Exchange)
	require.Len(t, resp.Bars, binanceLimit+2)
	first := resp.Bars[0]
	assert.Equal(t, window.Start, first.Timestamp)
	assert.Equal(t, "101.5", first.High.String())
	assert.Equal(t, "12.3", first.Volume.String())
	assert.NoError(t, first.Validate())
}

func TestBinanceFetcher_RetriesRateLimitAndServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			fmt.Fprint(w, klineRows(window.Start.UnixMilli(), 3))
		}
	}))
	defer srv.Close()

	f := NewBinanceFetcher(testExchangeConfig("binance", srv.URL), logger.Discard())
	resp, err := f.FetchBars(context.Background(), window)
	require.NoError(t, err)
	assert.Len(t, resp.Bars, 3)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestBinanceFetcher_ClientErrorIsPermanent(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-1121,"msg":"Invalid symbol."}`)
	}))
	defer srv.Close()

	f := NewBinanceFetcher(testExchangeConfig("binance", srv.URL), logger.Discard())
	_, err := f.FetchBars(context.Background(), window)
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode())
	assert.Contains(t, apiErr.Body, "Invalid symbol")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBinanceFetcher_ServerErrorsExhaustRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	f := NewBinanceFetcher(testExchangeConfig("binance", srv.URL), logger.Discard())
	_, err := f.FetchBars(context.Background(), window)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestBinanceFetcher_EmptyWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	}))
	defer srv.Close()

	f := NewBinanceFetcher(testExchangeConfig("binance", srv.URL), logger.Discard())
	_, err := f.FetchBars(context.Background(), window)
	assert.ErrorIs(t, err, models.ErrNoData)
}

func TestBinanceFetcher_MalformedRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[[1704067200000,"abc","1","1","1","1"]]`)
	}))
	defer srv.Close()

	f := NewBinanceFetcher(testExchangeConfig("binance", srv.URL), logger.Discard())
	_, err := f.FetchBars(context.Background(), window)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kline 0 open")
}

func TestBinanceFetcher_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := NewBinanceFetcher(testExchangeConfig("binance", srv.URL), logger.Discard())
	_, err := f.FetchBars(ctx, window)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBinanceFetcher_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == binancePing {
			fmt.Fprint(w, `{}`)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewBinanceFetcher(testExchangeConfig("binance", srv.URL), logger.Discard())
	assert.NoError(t, f.HealthCheck(context.Background()))
	assert.Equal(t, "binance", f.Name())
}

func TestFetchRequest_Validate(t *testing.T) {
	valid := window
	assert.NoError(t, valid.Validate())

	badInterval := window
	badInterval.Interval = "5m"
	assert.Error(t, badInterval.Validate())

	reversed := window
	reversed.Start, reversed.End = window.End, window.Start
	var vErr *ValidationError
	assert.ErrorAs(t, reversed.Validate(), &vErr)

	missing := FetchRequest{Interval: "1d"}
	assert.Error(t, missing.Validate())
}

func TestNewFetcher(t *testing.T) {
	f, err := NewFetcher(config.ExchangeConfig{Type: "Coinbase"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "coinbase", f.Name())

	f, err = NewFetcher(config.ExchangeConfig{Type: "binance"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "binance", f.Name())

	_, err = NewFetcher(config.ExchangeConfig{Type: "kraken"}, nil)
	assert.Error(t, err)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Zero(t, parseRetryAfter(""))
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter("soon"))
}
