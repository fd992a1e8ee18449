package collector

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/johnayoung/cme-gap-analyzer/internal/exchange"
	"github.com/johnayoung/cme-gap-analyzer/internal/models"
	"github.com/johnayoung/cme-gap-analyzer/internal/storage"
)

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) FetchBars(ctx context.Context, req exchange.FetchRequest) (*exchange.FetchResponse, error) {
	args := m.Called(ctx, req)
	resp, _ := args.Get(0).(*exchange.FetchResponse)
	return resp, args.Error(1)
}

func (m *mockFetcher) Name() string {
	return "binance"
}

func (m *mockFetcher) HealthCheck(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) StoreBars(ctx context.Context, series storage.Series, bars []models.PriceBar) error {
	return m.Called(ctx, series, bars).Error(0)
}

func (m *mockStore) QueryBars(ctx context.Context, req storage.BarQuery) ([]models.PriceBar, error) {
	args := m.Called(ctx, req)
	bars, _ := args.Get(0).([]models.PriceBar)
	return bars, args.Error(1)
}

func (m *mockStore) StoreGaps(ctx context.Context, series storage.Series, gaps []*models.Gap) error {
	return m.Called(ctx, series, gaps).Error(0)
}

func (m *mockStore) GetGapsByStatus(ctx context.Context, series storage.Series, status models.GapStatus) ([]*models.Gap, error) {
	args := m.Called(ctx, series, status)
	gaps, _ := args.Get(0).([]*models.Gap)
	return gaps, args.Error(1)
}

func (m *mockStore) StoreRun(ctx context.Context, run *models.AnalysisRun) error {
	return m.Called(ctx, run).Error(0)
}

func (m *mockStore) HealthCheck(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type mockPlotter struct {
	mock.Mock
}

func (m *mockPlotter) RenderAll(dir string, bars []models.PriceBar, gaps []*models.Gap, stats models.GapStatistics) ([]string, error) {
	args := m.Called(dir, bars, gaps, stats)
	files, _ := args.Get(0).([]string)
	return files, args.Error(1)
}

var (
	_ exchange.BarFetcher = (*mockFetcher)(nil)
	_ Store               = (*mockStore)(nil)
	_ Plotter             = (*mockPlotter)(nil)
)
