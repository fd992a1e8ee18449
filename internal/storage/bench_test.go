package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/cme-gap-analyzer/internal/logger"
	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

func generateBenchBars(count int) []models.PriceBar {
	start := time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]models.PriceBar, count)
	for i := range bars {
		price := decimal.NewFromInt(int64(30000 + i%500))
		bars[i] = models.PriceBar{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Open:      price,
			High:      price.Add(decimal.NewFromInt(25)),
			Low:       price.Sub(decimal.NewFromInt(25)),
			Close:     price,
			Volume:    decimal.NewFromInt(100),
		}
	}
	return bars
}

func benchmarkStoreBars(b *testing.B, store FullStorage) {
	ctx := context.Background()
	if err := store.Initialize(ctx); err != nil {
		b.Fatalf("Initialize failed: %v", err)
	}
	defer store.Close()

	bars := generateBenchBars(1000)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := store.StoreBars(ctx, testSeries, bars); err != nil {
			b.Fatalf("StoreBars failed: %v", err)
		}
	}

	b.ReportMetric(float64(b.N*len(bars))/b.Elapsed().Seconds(), "bars/sec")
}

func BenchmarkMemoryStoreBars(b *testing.B) {
	benchmarkStoreBars(b, NewMemoryStorage())
}

func BenchmarkDuckDBStoreBars(b *testing.B) {
	store, err := NewDuckDBStorage(filepath.Join(b.TempDir(), "bench.duckdb"), logger.Discard())
	if err != nil {
		b.Fatalf("open DuckDB: %v", err)
	}
	benchmarkStoreBars(b, store)
}

func BenchmarkSQLiteStoreBars(b *testing.B) {
	store, err := NewSQLiteStorage(filepath.Join(b.TempDir(), "bench.db"), logger.Discard())
	if err != nil {
		b.Fatalf("open SQLite: %v", err)
	}
	benchmarkStoreBars(b, store)
}

// BenchmarkMemoryQueryBars reads a month out of a year of hourly bars
func BenchmarkMemoryQueryBars(b *testing.B) {
	ctx := context.Background()
	store := NewMemoryStorage()
	bars := generateBenchBars(365 * 24)
	if err := store.StoreBars(ctx, testSeries, bars); err != nil {
		b.Fatalf("StoreBars failed: %v", err)
	}

	query := BarQuery{
		Series: testSeries,
		Start:  bars[180*24].Timestamp,
		End:    bars[210*24].Timestamp,
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		got, err := store.QueryBars(ctx, query)
		if err != nil {
			b.Fatalf("QueryBars failed: %v", err)
		}
		if len(got) != 30*24 {
			b.Fatalf("expected %d bars, got %d", 30*24, len(got))
		}
	}
}
