package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

// gapKey matches the SQL primary key of the gaps table.
type gapKey struct {
	series  Series
	closeTS int64
}

// MemoryStorage keeps everything in maps. It backs tests and `--storage memory`.
// Stored values are copies, so callers can keep mutating their gaps and runs.
type MemoryStorage struct {
	mu sync.RWMutex

	// bars: series -> unix millis -> bar
	bars map[Series]map[int64]models.PriceBar
	gaps map[gapKey]*models.Gap
	runs map[string]*models.AnalysisRun

	initialized bool
	closed      bool
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		bars: make(map[Series]map[int64]models.PriceBar),
		gaps: make(map[gapKey]*models.Gap),
		runs: make(map[string]*models.AnalysisRun),
	}
}

// Initialize marks the store ready.
func (m *MemoryStorage) Initialize(ctx context.Context) error {
	if ctx.Err() != nil {
		return NewStorageError("initialize", "", "", ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewStorageError("initialize", "", "", errClosed)
	}
	m.initialized = true
	return nil
}

// StoreBars upserts bars keyed by timestamp.
func (m *MemoryStorage) StoreBars(ctx context.Context, series Series, bars []models.PriceBar) error {
	if ctx.Err() != nil {
		return NewInsertError("bars", ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewInsertError("bars", errClosed)
	}

	byTime, ok := m.bars[series]
	if !ok {
		byTime = make(map[int64]models.PriceBar, len(bars))
		m.bars[series] = byTime
	}
	for _, bar := range bars {
		bar.Timestamp = time.UnixMilli(bar.Timestamp.UnixMilli()).UTC()
		byTime[bar.Timestamp.UnixMilli()] = bar
	}
	return nil
}

// QueryBars returns bars oldest first.
func (m *MemoryStorage) QueryBars(ctx context.Context, req BarQuery) ([]models.PriceBar, error) {
	if ctx.Err() != nil {
		return nil, NewQueryError("bars", "", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError("bars", "", errClosed)
	}

	bars := make([]models.PriceBar, 0)
	for ts, bar := range m.bars[req.Series] {
		if !req.Start.IsZero() && ts < req.Start.UnixMilli() {
			continue
		}
		if !req.End.IsZero() && ts >= req.End.UnixMilli() {
			continue
		}
		bars = append(bars, bar)
	}

	sort.Slice(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
	if req.Limit > 0 && len(bars) > req.Limit {
		bars = bars[:req.Limit]
	}
	return bars, nil
}

// StoreGaps upserts gaps by series and close timestamp. An existing gap keeps its ID.
func (m *MemoryStorage) StoreGaps(ctx context.Context, series Series, gaps []*models.Gap) error {
	if ctx.Err() != nil {
		return NewInsertError("gaps", ctx.Err())
	}
	for _, g := range gaps {
		if err := g.Validate(); err != nil {
			return NewInsertError("gaps", fmt.Errorf("invalid gap %s: %w", g.ID, err))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewInsertError("gaps", errClosed)
	}

	for _, g := range gaps {
		key := gapKey{series: series, closeTS: g.CloseTimestamp.UnixMilli()}
		stored := cloneGap(g)
		if existing, ok := m.gaps[key]; ok {
			stored.ID = existing.ID
			if existing.IsClosed() {
				stored.Status = existing.Status
				stored.ClosureTimestamp = existing.ClosureTimestamp
				stored.BarsToClosure = existing.BarsToClosure
				stored.TimeToClosure = existing.TimeToClosure
			}
		}
		m.gaps[key] = stored
	}
	return nil
}

// GetGaps returns the gaps of a series ordered by close timestamp.
func (m *MemoryStorage) GetGaps(ctx context.Context, series Series) ([]*models.Gap, error) {
	return m.filterGaps(ctx, series, func(*models.Gap) bool { return true })
}

// GetGapsByStatus returns the gaps of a series in the given status.
func (m *MemoryStorage) GetGapsByStatus(ctx context.Context, series Series, status models.GapStatus) ([]*models.Gap, error) {
	return m.filterGaps(ctx, series, func(g *models.Gap) bool { return g.Status == status })
}

func (m *MemoryStorage) filterGaps(ctx context.Context, series Series, keep func(*models.Gap) bool) ([]*models.Gap, error) {
	if ctx.Err() != nil {
		return nil, NewQueryError("gaps", "", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError("gaps", "", errClosed)
	}

	gaps := make([]*models.Gap, 0)
	for key, g := range m.gaps {
		if key.series == series && keep(g) {
			gaps = append(gaps, cloneGap(g))
		}
	}
	sort.Slice(gaps, func(i, j int) bool {
		return gaps[i].CloseTimestamp.Before(gaps[j].CloseTimestamp)
	})
	return gaps, nil
}

// StoreRun upserts a run.
func (m *MemoryStorage) StoreRun(ctx context.Context, run *models.AnalysisRun) error {
	if ctx.Err() != nil {
		return NewInsertError("analysis_runs", ctx.Err())
	}
	if err := run.Validate(); err != nil {
		return NewInsertError("analysis_runs", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return NewInsertError("analysis_runs", errClosed)
	}
	stored := *run
	m.runs[run.ID] = &stored
	return nil
}

// GetRun returns the run with the given ID or ErrNotFound.
func (m *MemoryStorage) GetRun(ctx context.Context, id string) (*models.AnalysisRun, error) {
	if ctx.Err() != nil {
		return nil, NewQueryError("analysis_runs", "", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError("analysis_runs", "", errClosed)
	}
	run, ok := m.runs[id]
	if !ok {
		return nil, NewQueryError("analysis_runs", "", fmt.Errorf("run %s: %w", id, ErrNotFound))
	}
	copied := *run
	return &copied, nil
}

// ListRuns returns runs newest first.
func (m *MemoryStorage) ListRuns(ctx context.Context, limit int) ([]*models.AnalysisRun, error) {
	if ctx.Err() != nil {
		return nil, NewQueryError("analysis_runs", "", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewQueryError("analysis_runs", "", errClosed)
	}

	runs := make([]*models.AnalysisRun, 0, len(m.runs))
	for _, run := range m.runs {
		copied := *run
		runs = append(runs, &copied)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// GetStats counts stored values.
func (m *MemoryStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	if ctx.Err() != nil {
		return nil, NewStorageError("stats", "", "", ctx.Err())
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, NewStorageError("stats", "", "", errClosed)
	}

	stats := &StorageStats{
		Backend:   "memory",
		TotalGaps: int64(len(m.gaps)),
		TotalRuns: int64(len(m.runs)),
	}
	for _, byTime := range m.bars {
		for _, bar := range byTime {
			stats.TotalBars++
			if stats.EarliestBar.IsZero() || bar.Timestamp.Before(stats.EarliestBar) {
				stats.EarliestBar = bar.Timestamp
			}
			if bar.Timestamp.After(stats.LatestBar) {
				stats.LatestBar = bar.Timestamp
			}
		}
	}
	for _, g := range m.gaps {
		if g.Status == models.GapStatusOpen {
			stats.OpenGaps++
		}
	}
	return stats, nil
}

// HealthCheck fails once the store is closed or before Initialize.
func (m *MemoryStorage) HealthCheck(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return NewStorageError("health_check", "", "", errClosed)
	}
	if !m.initialized {
		return NewStorageError("health_check", "", "", fmt.Errorf("storage is not initialized"))
	}
	return nil
}

// Close marks the store closed. Further calls are no-ops.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func cloneGap(g *models.Gap) *models.Gap {
	c := *g
	if g.ClosureTimestamp != nil {
		ts := *g.ClosureTimestamp
		c.ClosureTimestamp = &ts
	}
	if g.BarsToClosure != nil {
		n := *g.BarsToClosure
		c.BarsToClosure = &n
	}
	if g.TimeToClosure != nil {
		d := *g.TimeToClosure
		c.TimeToClosure = &d
	}
	if g.ATRRatio != nil {
		r := *g.ATRRatio
		c.ATRRatio = &r
	}
	return &c
}

var _ FullStorage = (*MemoryStorage)(nil)
