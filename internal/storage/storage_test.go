package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/johnayoung/cme-gap-analyzer/internal/config"
	"github.com/johnayoung/cme-gap-analyzer/internal/logger"
	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

var testSeries = Series{Exchange: "binance", Symbol: "BTCUSDT", Interval: "1h"}

func bar(ts time.Time, open, high, low, close string) models.PriceBar {
	return models.PriceBar{
		Timestamp: ts,
		Open:      decimal.RequireFromString(open),
		High:      decimal.RequireFromString(high),
		Low:       decimal.RequireFromString(low),
		Close:     decimal.RequireFromString(close),
		Volume:    decimal.RequireFromString("12.5"),
	}
}

func chicago(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	return loc
}

// weekendGap builds an up gap across the weekend of 2024-01-05.
func weekendGap(t *testing.T, id string) *models.Gap {
	t.Helper()
	loc := chicago(t)
	prev := bar(time.Date(2024, 1, 5, 15, 0, 0, 0, loc), "43000", "43100", "42900", "43050.5")
	next := bar(time.Date(2024, 1, 7, 17, 0, 0, 0, loc), "43800.25", "43900", "43700", "43850")
	g, err := models.NewGap(id, prev, next, loc)
	require.NoError(t, err)
	return g
}

// StorageTestSuite runs the same contract against every backend.
type StorageTestSuite struct {
	suite.Suite
	newStore func(t *testing.T) FullStorage
	store    FullStorage
	ctx      context.Context
}

func (suite *StorageTestSuite) SetupTest() {
	suite.ctx = context.Background()
	suite.store = suite.newStore(suite.T())
	require.NoError(suite.T(), suite.store.Initialize(suite.ctx))
}

func (suite *StorageTestSuite) TearDownTest() {
	if suite.store != nil {
		suite.store.Close()
	}
}

func (suite *StorageTestSuite) TestInitializeIsIdempotent() {
	assert.NoError(suite.T(), suite.store.Initialize(suite.ctx))
	assert.NoError(suite.T(), suite.store.HealthCheck(suite.ctx))
}

func (suite *StorageTestSuite) TestBarsUpsertAndQuery() {
	t := suite.T()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []models.PriceBar{
		bar(base, "100", "101", "99", "100.5"),
		bar(base.Add(time.Hour), "100.5", "102", "100", "101.75"),
		bar(base.Add(2*time.Hour), "101.75", "103", "101", "102"),
	}
	require.NoError(t, suite.store.StoreBars(suite.ctx, testSeries, bars))

	// Overlapping re-fetch replaces the stored row.
	refetch := []models.PriceBar{
		bar(base.Add(2*time.Hour), "101.75", "104", "101", "103.25"),
		bar(base.Add(3*time.Hour), "103.25", "104", "102", "103"),
	}
	require.NoError(t, suite.store.StoreBars(suite.ctx, testSeries, refetch))

	got, err := suite.store.QueryBars(suite.ctx, BarQuery{Series: testSeries})
	require.NoError(t, err)
	require.Len(t, got, 4)
	for i, b := range got {
		assert.True(t, b.Timestamp.Equal(base.Add(time.Duration(i)*time.Hour)), "bar %d out of order", i)
	}
	assert.Equal(t, "103.25", got[2].Close.String())
	assert.Equal(t, "12.5", got[0].Volume.String())

	window, err := suite.store.QueryBars(suite.ctx, BarQuery{
		Series: testSeries,
		Start:  base.Add(time.Hour),
		End:    base.Add(3 * time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.True(t, window[0].Timestamp.Equal(base.Add(time.Hour)))

	limited, err := suite.store.QueryBars(suite.ctx, BarQuery{Series: testSeries, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	other, err := suite.store.QueryBars(suite.ctx, BarQuery{Series: Series{Exchange: "coinbase", Symbol: "BTC-USD", Interval: "1h"}})
	require.NoError(t, err)
	assert.Empty(t, other)
}

func (suite *StorageTestSuite) TestGapsRoundTrip() {
	t := suite.T()
	open := weekendGap(t, "gap-open")

	closed := weekendGap(t, "gap-closed")
	closed.CloseTimestamp = closed.CloseTimestamp.AddDate(0, 0, 7)
	closed.ReopenTimestamp = closed.ReopenTimestamp.AddDate(0, 0, 7)
	require.NoError(t, closed.MarkClosed(closed.ReopenTimestamp.Add(15*time.Hour), 15))
	ratio := 1.75
	closed.ATRRatio = &ratio

	require.NoError(t, suite.store.StoreGaps(suite.ctx, testSeries, []*models.Gap{closed, open}))

	gaps, err := suite.store.GetGaps(suite.ctx, testSeries)
	require.NoError(t, err)
	require.Len(t, gaps, 2)

	first := gaps[0]
	assert.Equal(t, "gap-open", first.ID)
	assert.Equal(t, models.GapStatusOpen, first.Status)
	assert.Equal(t, models.GapUp, first.Direction)
	assert.True(t, first.ClosePrice.Equal(open.ClosePrice))
	assert.True(t, first.ReopenPrice.Equal(open.ReopenPrice))
	assert.True(t, first.GapSize.Equal(decimal.RequireFromString("749.75")))
	assert.InDelta(t, open.GapSizePct, first.GapSizePct, 1e-9)
	assert.True(t, first.CloseTimestamp.Equal(open.CloseTimestamp))
	assert.Equal(t, "America/Chicago", first.CloseTimestamp.Location().String())
	assert.Equal(t, "2024-01-05", first.CloseDate)
	assert.Equal(t, "2024-01-07", first.ReopenDate)
	assert.Nil(t, first.ClosureTimestamp)
	assert.Nil(t, first.ATRRatio)
	assert.NoError(t, first.Validate())

	second := gaps[1]
	assert.Equal(t, "gap-closed", second.ID)
	require.True(t, second.IsClosed())
	require.NotNil(t, second.ClosureTimestamp)
	assert.True(t, second.ClosureTimestamp.Equal(*closed.ClosureTimestamp))
	assert.Equal(t, 15, *second.BarsToClosure)
	assert.Equal(t, 15*time.Hour, *second.TimeToClosure)
	require.NotNil(t, second.ATRRatio)
	assert.InDelta(t, 1.75, *second.ATRRatio, 1e-9)
	assert.NoError(t, second.Validate())

	openOnly, err := suite.store.GetGapsByStatus(suite.ctx, testSeries, models.GapStatusOpen)
	require.NoError(t, err)
	require.Len(t, openOnly, 1)
	assert.Equal(t, "gap-open", openOnly[0].ID)
}

func (suite *StorageTestSuite) TestGapUpsertKeepsFirstID() {
	t := suite.T()
	first := weekendGap(t, "first-run")
	require.NoError(t, suite.store.StoreGaps(suite.ctx, testSeries, []*models.Gap{first}))

	again := weekendGap(t, "second-run")
	require.NoError(t, again.MarkClosed(again.ReopenTimestamp.Add(2*time.Hour), 2))
	require.NoError(t, suite.store.StoreGaps(suite.ctx, testSeries, []*models.Gap{again}))

	gaps, err := suite.store.GetGaps(suite.ctx, testSeries)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	assert.Equal(t, "first-run", gaps[0].ID)
	assert.True(t, gaps[0].IsClosed())
}

func (suite *StorageTestSuite) TestGapUpsertKeepsClosure() {
	t := suite.T()
	closed := weekendGap(t, "full-history")
	closedAt := closed.ReopenTimestamp.Add(5 * time.Hour)
	require.NoError(t, closed.MarkClosed(closedAt, 5))
	require.NoError(t, suite.store.StoreGaps(suite.ctx, testSeries, []*models.Gap{closed}))

	// A run whose window ends before the fill sees the same gap as open.
	reopened := weekendGap(t, "short-window")
	require.NoError(t, suite.store.StoreGaps(suite.ctx, testSeries, []*models.Gap{reopened}))

	gaps, err := suite.store.GetGaps(suite.ctx, testSeries)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	got := gaps[0]
	assert.True(t, got.IsClosed())
	require.NotNil(t, got.ClosureTimestamp)
	assert.True(t, got.ClosureTimestamp.Equal(closedAt))
	require.NotNil(t, got.BarsToClosure)
	assert.Equal(t, 5, *got.BarsToClosure)
	require.NotNil(t, got.TimeToClosure)
	assert.Equal(t, 5*time.Hour, *got.TimeToClosure)

	open, err := suite.store.GetGapsByStatus(suite.ctx, testSeries, models.GapStatusOpen)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func (suite *StorageTestSuite) TestInvalidGapRejected() {
	g := weekendGap(suite.T(), "bad")
	g.GapSize = decimal.NewFromInt(1)
	err := suite.store.StoreGaps(suite.ctx, testSeries, []*models.Gap{g})

	var storageErr *StorageError
	require.ErrorAs(suite.T(), err, &storageErr)
	assert.Equal(suite.T(), "gaps", storageErr.Table)
}

func (suite *StorageTestSuite) TestRunsLifecycle() {
	t := suite.T()
	start := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	older := models.NewAnalysisRun("run-1", "binance", "BTCUSDT", "1h", start, end)
	older.CreatedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, suite.store.StoreRun(suite.ctx, older))

	newer := models.NewAnalysisRun("run-2", "coinbase", "BTC-USD", "1d", start, end)
	newer.CreatedAt = older.CreatedAt.Add(time.Hour)
	require.NoError(t, newer.Begin())
	require.NoError(t, newer.Complete(26280, 150, 140))
	require.NoError(t, suite.store.StoreRun(suite.ctx, newer))

	require.NoError(t, older.Begin())
	require.NoError(t, older.Fail(errors.New("download failed")))
	require.NoError(t, suite.store.StoreRun(suite.ctx, older))

	got, err := suite.store.GetRun(suite.ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, got.Status)
	assert.Equal(t, "download failed", got.Error)
	assert.True(t, got.Start.Equal(start))
	require.NotNil(t, got.CompletedAt)

	done, err := suite.store.GetRun(suite.ctx, "run-2")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, done.Status)
	assert.Equal(t, 26280, done.BarsAnalyzed)
	assert.Equal(t, 150, done.GapsDetected)
	assert.Equal(t, 140, done.GapsClosed)

	runs, err := suite.store.ListRuns(suite.ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-2", runs[0].ID)

	limited, err := suite.store.ListRuns(suite.ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = suite.store.GetRun(suite.ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func (suite *StorageTestSuite) TestStats() {
	t := suite.T()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, suite.store.StoreBars(suite.ctx, testSeries, []models.PriceBar{
		bar(base, "100", "101", "99", "100"),
		bar(base.Add(time.Hour), "100", "101", "99", "100"),
	}))
	require.NoError(t, suite.store.StoreGaps(suite.ctx, testSeries, []*models.Gap{weekendGap(t, "g1")}))

	stats, err := suite.store.GetStats(suite.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalBars)
	assert.Equal(t, int64(1), stats.TotalGaps)
	assert.Equal(t, int64(1), stats.OpenGaps)
	assert.Equal(t, int64(0), stats.TotalRuns)
	assert.True(t, stats.EarliestBar.Equal(base))
	assert.True(t, stats.LatestBar.Equal(base.Add(time.Hour)))
	assert.NotEmpty(t, stats.Backend)
}

func (suite *StorageTestSuite) TestClose() {
	t := suite.T()
	require.NoError(t, suite.store.Close())
	assert.NoError(t, suite.store.Close())
	assert.Error(t, suite.store.HealthCheck(suite.ctx))

	_, err := suite.store.QueryBars(suite.ctx, BarQuery{Series: testSeries})
	assert.Error(t, err)
}

func TestMemoryStorageSuite(t *testing.T) {
	suite.Run(t, &StorageTestSuite{newStore: func(t *testing.T) FullStorage {
		return NewMemoryStorage()
	}})
}

func TestSQLiteStorageSuite(t *testing.T) {
	suite.Run(t, &StorageTestSuite{newStore: func(t *testing.T) FullStorage {
		store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "cmegap.db"), logger.Discard())
		require.NoError(t, err)
		return store
	}})
}

func TestDuckDBStorageSuite(t *testing.T) {
	suite.Run(t, &StorageTestSuite{newStore: func(t *testing.T) FullStorage {
		store, err := NewDuckDBStorage(":memory:", logger.Discard())
		require.NoError(t, err)
		return store
	}})
}

// Set CMEGAP_TEST_DATABASE_URL to run the suite against a disposable PostgreSQL database.
func TestPostgresStorageSuite(t *testing.T) {
	dsn := os.Getenv("CMEGAP_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CMEGAP_TEST_DATABASE_URL not set")
	}
	suite.Run(t, &StorageTestSuite{newStore: func(t *testing.T) FullStorage {
		ctx := context.Background()
		store, err := NewPostgresStorage(ctx, dsn, 2, logger.Discard())
		require.NoError(t, err)
		require.NoError(t, store.Initialize(ctx))
		_, err = store.pool.Exec(ctx, "TRUNCATE bars, gaps, analysis_runs")
		require.NoError(t, err)
		return store
	}})
}

func TestMigrationStatus(t *testing.T) {
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "status.db"), logger.Discard())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	manager := NewMigrationManager(sqlTarget{db: store.db}, logger.Discard())

	status, err := manager.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.CurrentVersion)
	assert.Equal(t, []int{1, 2, 3, 4}, status.Pending)

	require.NoError(t, manager.Migrate(ctx, 2))
	status, err = manager.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.CurrentVersion)
	assert.Equal(t, []int{3, 4}, status.Pending)

	require.NoError(t, manager.MigrateToLatest(ctx))
	status, err = manager.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, status.CurrentVersion)
	assert.Equal(t, 4, status.LatestVersion)
	assert.Empty(t, status.Pending)
}

func TestNew(t *testing.T) {
	ctx := context.Background()

	store, err := New(ctx, config.StorageConfig{Type: "none"}, nil)
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = New(ctx, config.StorageConfig{Type: "memory"}, nil)
	require.NoError(t, err)
	assert.NoError(t, store.HealthCheck(ctx))
	store.Close()

	store, err = New(ctx, config.StorageConfig{Type: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "new.db")}, logger.Discard())
	require.NoError(t, err)
	assert.NoError(t, store.HealthCheck(ctx))
	store.Close()

	_, err = New(ctx, config.StorageConfig{Type: "mongo"}, nil)
	assert.Error(t, err)
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT a FROM t WHERE b = $1 AND c < $2", rebind("SELECT a FROM t WHERE b = ? AND c < ?"))
	assert.Equal(t, "SELECT 1", rebind("SELECT 1"))
}

func TestStorageError(t *testing.T) {
	err := NewQueryError("bars", "SELECT 1", ErrNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "query on table bars")

	err = NewStorageError("close", "", "", errClosed)
	assert.Equal(t, "storage operation close failed: storage is closed", err.Error())
}
