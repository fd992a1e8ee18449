package exchange

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/cme-gap-analyzer/internal/logger"
)

// candleServer answers like Coinbase: hourly rows for [start, end), newest first.
func candleServer(t *testing.T, calls *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == coinbaseTimePath {
			fmt.Fprint(w, `{"iso":"2024-01-01T00:00:00Z","epoch":1704067200}`)
			return
		}
		require.Equal(t, "/products/BTC-USD/candles", r.URL.Path)
		atomic.AddInt32(calls, 1)

		q := r.URL.Query()
		assert.Equal(t, "3600", q.Get("granularity"))
		start, err := time.Parse(time.RFC3339, q.Get("start"))
		require.NoError(t, err)
		end, err := time.Parse(time.RFC3339, q.Get("end"))
		require.NoError(t, err)

		var rows []string
		for ts := end.Add(-time.Hour); !ts.Before(start); ts = ts.Add(-time.Hour) {
			rows = append(rows, fmt.Sprintf("[%d,99.5,101.5,100,100.5,3.25]", ts.Unix()))
		}
		fmt.Fprint(w, "["+strings.Join(rows, ",")+"]")
	}))
}

func TestCoinbaseFetcher_ChunksAndSorts(t *testing.T) {
	var calls int32
	srv := candleServer(t, &calls)
	defer srv.Close()

	req := FetchRequest{
		Interval: "1h",
		Start:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	req.End = req.Start.Add(500 * time.Hour)

	f := NewCoinbaseFetcher(testExchangeConfig("coinbase", srv.URL), logger.Discard())
	resp, err := f.FetchBars(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 2, resp.Requests)
	require.Len(t, resp.Bars, 500)
	for i := 1; i < len(resp.Bars); i++ {
		assert.True(t, resp.Bars[i].Timestamp.After(resp.Bars[i-1].Timestamp))
	}

	first := resp.Bars[0]
	assert.Equal(t, req.Start, first.Timestamp)
	assert.Equal(t, "100", first.Open.String())
	assert.Equal(t, "99.5", first.Low.String())
	assert.Equal(t, "101.5", first.High.String())
	assert.NoError(t, first.Validate())
}

func TestCoinbaseFetcher_ErrorMessageBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"message":"granularity too small for the requested time range"}`)
	}))
	defer srv.Close()

	f := NewCoinbaseFetcher(testExchangeConfig("coinbase", srv.URL), logger.Discard())
	_, err := f.FetchBars(context.Background(), window)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "granularity too small")
}

func TestCoinbaseFetcher_HealthCheck(t *testing.T) {
	var calls int32
	srv := candleServer(t, &calls)
	defer srv.Close()

	f := NewCoinbaseFetcher(testExchangeConfig("coinbase", srv.URL), logger.Discard())
	assert.NoError(t, f.HealthCheck(context.Background()))
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestChunkWindow(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	chunks := chunkWindow(start, start.Add(300*time.Hour), time.Hour)
	require.Len(t, chunks, 1)

	chunks = chunkWindow(start, start.Add(301*24*time.Hour), 24*time.Hour)
	require.Len(t, chunks, 2)
	assert.Equal(t, start.Add(300*24*time.Hour), chunks[0].end)
	assert.Equal(t, chunks[0].end, chunks[1].start)
	assert.Equal(t, start.Add(301*24*time.Hour), chunks[1].end)
}
