package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

// Statements shared by every SQL backend. They use ? placeholders; the
// PostgreSQL backend rebinds them to $n.
const (
	upsertBarSQL = `
	INSERT INTO bars (exchange, symbol, bar_interval, ts, open, high, low, close, volume)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (exchange, symbol, bar_interval, ts) DO UPDATE SET
		open = excluded.open,
		high = excluded.high,
		low = excluded.low,
		close = excluded.close,
		volume = excluded.volume`

	selectBarsSQL = `SELECT ts, open, high, low, close, volume FROM bars WHERE exchange = ? AND symbol = ? AND bar_interval = ?`

	gapColumns = `id, close_ts, close_price, reopen_ts, reopen_price, gap_size, gap_size_pct, direction, status,
		close_date, reopen_date, tz, closure_ts, bars_to_closure, time_to_closure_ns, atr_ratio`

	// A stored closure is final; a later run over a shorter window cannot reopen it.
	upsertGapSQL = `
	INSERT INTO gaps (exchange, symbol, bar_interval, ` + gapColumns + `, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (exchange, symbol, bar_interval, close_ts) DO UPDATE SET
		close_price = excluded.close_price,
		reopen_ts = excluded.reopen_ts,
		reopen_price = excluded.reopen_price,
		gap_size = excluded.gap_size,
		gap_size_pct = excluded.gap_size_pct,
		direction = excluded.direction,
		status = CASE WHEN gaps.status = 'closed' THEN gaps.status ELSE excluded.status END,
		close_date = excluded.close_date,
		reopen_date = excluded.reopen_date,
		tz = excluded.tz,
		closure_ts = CASE WHEN gaps.status = 'closed' THEN gaps.closure_ts ELSE excluded.closure_ts END,
		bars_to_closure = CASE WHEN gaps.status = 'closed' THEN gaps.bars_to_closure ELSE excluded.bars_to_closure END,
		time_to_closure_ns = CASE WHEN gaps.status = 'closed' THEN gaps.time_to_closure_ns ELSE excluded.time_to_closure_ns END,
		atr_ratio = excluded.atr_ratio,
		updated_at = excluded.updated_at`

	selectGapsSQL         = `SELECT ` + gapColumns + ` FROM gaps WHERE exchange = ? AND symbol = ? AND bar_interval = ? ORDER BY close_ts`
	selectGapsByStatusSQL = `SELECT ` + gapColumns + ` FROM gaps WHERE exchange = ? AND symbol = ? AND bar_interval = ? AND status = ? ORDER BY close_ts`

	runColumns = `id, exchange, symbol, bar_interval, start_ms, end_ms, status, bars_analyzed, gaps_detected,
		gaps_closed, error_message, created_at, started_at, completed_at`

	upsertRunSQL = `
	INSERT INTO analysis_runs (` + runColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		status = excluded.status,
		bars_analyzed = excluded.bars_analyzed,
		gaps_detected = excluded.gaps_detected,
		gaps_closed = excluded.gaps_closed,
		error_message = excluded.error_message,
		started_at = excluded.started_at,
		completed_at = excluded.completed_at`

	selectRunSQL   = `SELECT ` + runColumns + ` FROM analysis_runs WHERE id = ?`
	selectRunsSQL  = `SELECT ` + runColumns + ` FROM analysis_runs ORDER BY created_at DESC`
	barStatsSQL    = `SELECT COUNT(*), COALESCE(MIN(ts), 0), COALESCE(MAX(ts), 0) FROM bars`
	gapStatsSQL    = `SELECT COUNT(*) FROM gaps`
	openGapsSQL    = `SELECT COUNT(*) FROM gaps WHERE status = ?`
	runStatsSQL    = `SELECT COUNT(*) FROM analysis_runs`
	healthCheckSQL = `SELECT 1`
)

// rowScanner is satisfied by *sql.Row, *sql.Rows and the pgx row types.
type rowScanner interface {
	Scan(dest ...any) error
}

func buildBarQuery(req BarQuery) (string, []any) {
	var b strings.Builder
	b.WriteString(selectBarsSQL)
	args := []any{req.Series.Exchange, req.Series.Symbol, req.Series.Interval}

	if !req.Start.IsZero() {
		b.WriteString(" AND ts >= ?")
		args = append(args, req.Start.UnixMilli())
	}
	if !req.End.IsZero() {
		b.WriteString(" AND ts < ?")
		args = append(args, req.End.UnixMilli())
	}
	b.WriteString(" ORDER BY ts")
	if req.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, req.Limit)
	}
	return b.String(), args
}

func barArgs(series Series, bar models.PriceBar) []any {
	return []any{
		series.Exchange, series.Symbol, series.Interval,
		bar.Timestamp.UnixMilli(),
		bar.Open.String(), bar.High.String(), bar.Low.String(), bar.Close.String(), bar.Volume.String(),
	}
}

func scanBar(rs rowScanner) (models.PriceBar, error) {
	var (
		ts                             int64
		open, high, low, close, volume string
	)
	if err := rs.Scan(&ts, &open, &high, &low, &close, &volume); err != nil {
		return models.PriceBar{}, err
	}

	bar := models.PriceBar{Timestamp: time.UnixMilli(ts).UTC()}
	var err error
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&bar.Open, open}, {&bar.High, high}, {&bar.Low, low}, {&bar.Close, close}, {&bar.Volume, volume},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return models.PriceBar{}, fmt.Errorf("bar at %d: %w", ts, err)
		}
	}
	return bar, nil
}

func gapArgs(series Series, g *models.Gap) []any {
	var closure, bars, ttc, atr any
	if g.ClosureTimestamp != nil {
		closure = g.ClosureTimestamp.UnixMilli()
	}
	if g.BarsToClosure != nil {
		bars = int64(*g.BarsToClosure)
	}
	if g.TimeToClosure != nil {
		ttc = int64(*g.TimeToClosure)
	}
	if g.ATRRatio != nil {
		atr = *g.ATRRatio
	}

	return []any{
		series.Exchange, series.Symbol, series.Interval,
		g.ID,
		g.CloseTimestamp.UnixMilli(), g.ClosePrice.String(),
		g.ReopenTimestamp.UnixMilli(), g.ReopenPrice.String(),
		g.GapSize.String(), g.GapSizePct,
		string(g.Direction), string(g.Status),
		g.CloseDate, g.ReopenDate,
		g.CloseTimestamp.Location().String(),
		closure, bars, ttc, atr,
		time.Now().UnixMilli(),
	}
}

func scanGap(rs rowScanner) (*models.Gap, error) {
	var (
		g                             models.Gap
		closeTS, reopenTS             int64
		closePrice, reopenPrice, size string
		direction, status, tz         string
		closure, bars, ttc            sql.NullInt64
		atr                           sql.NullFloat64
	)
	if err := rs.Scan(&g.ID, &closeTS, &closePrice, &reopenTS, &reopenPrice, &size, &g.GapSizePct,
		&direction, &status, &g.CloseDate, &g.ReopenDate, &tz, &closure, &bars, &ttc, &atr); err != nil {
		return nil, err
	}

	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}

	g.CloseTimestamp = time.UnixMilli(closeTS).In(loc)
	g.ReopenTimestamp = time.UnixMilli(reopenTS).In(loc)
	g.Direction = models.GapDirection(direction)
	g.Status = models.GapStatus(status)

	if g.ClosePrice, err = decimal.NewFromString(closePrice); err != nil {
		return nil, fmt.Errorf("gap %s close price: %w", g.ID, err)
	}
	if g.ReopenPrice, err = decimal.NewFromString(reopenPrice); err != nil {
		return nil, fmt.Errorf("gap %s reopen price: %w", g.ID, err)
	}
	if g.GapSize, err = decimal.NewFromString(size); err != nil {
		return nil, fmt.Errorf("gap %s size: %w", g.ID, err)
	}

	if closure.Valid {
		ts := time.UnixMilli(closure.Int64).In(loc)
		g.ClosureTimestamp = &ts
	}
	if bars.Valid {
		n := int(bars.Int64)
		g.BarsToClosure = &n
	}
	if ttc.Valid {
		d := time.Duration(ttc.Int64)
		g.TimeToClosure = &d
	}
	if atr.Valid {
		ratio := atr.Float64
		g.ATRRatio = &ratio
	}
	return &g, nil
}

func optionalMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func runArgs(r *models.AnalysisRun) []any {
	return []any{
		r.ID, r.Exchange, r.Symbol, r.Interval,
		r.Start.UnixMilli(), r.End.UnixMilli(),
		string(r.Status),
		r.BarsAnalyzed, r.GapsDetected, r.GapsClosed,
		r.Error,
		r.CreatedAt.UnixMilli(),
		optionalMillis(r.StartedAt),
		optionalMillis(r.CompletedAt),
	}
}

func scanRun(rs rowScanner) (*models.AnalysisRun, error) {
	var (
		r                         models.AnalysisRun
		status                    string
		startMs, endMs, createdMs int64
		startedAt, completedAt    sql.NullInt64
	)
	if err := rs.Scan(&r.ID, &r.Exchange, &r.Symbol, &r.Interval, &startMs, &endMs, &status,
		&r.BarsAnalyzed, &r.GapsDetected, &r.GapsClosed, &r.Error, &createdMs, &startedAt, &completedAt); err != nil {
		return nil, err
	}

	r.Status = models.RunStatus(status)
	r.Start = time.UnixMilli(startMs).UTC()
	r.End = time.UnixMilli(endMs).UTC()
	r.CreatedAt = time.UnixMilli(createdMs).UTC()
	if startedAt.Valid {
		t := time.UnixMilli(startedAt.Int64).UTC()
		r.StartedAt = &t
	}
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64).UTC()
		r.CompletedAt = &t
	}
	return &r, nil
}

// sqlStore implements FullStorage over database/sql. The DuckDB and SQLite
// backends embed it and override what they do differently.
type sqlStore struct {
	backend string
	db      *sql.DB
	logger  *slog.Logger
	mu      sync.RWMutex
}

func newSQLStore(backend string, db *sql.DB, logger *slog.Logger) *sqlStore {
	return &sqlStore{
		backend: backend,
		db:      db,
		logger:  logger.With("component", "storage", "backend", backend),
	}
}

// handle returns the open database or an error once closed.
func (s *sqlStore) handle() (*sql.DB, error) {
	if s.db == nil {
		return nil, errClosed
	}
	return s.db, nil
}

func (s *sqlStore) migrate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.handle()
	if err != nil {
		return NewStorageError("initialize", "", "", err)
	}
	if err := NewMigrationManager(sqlTarget{db: db}, s.logger).MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", "schema_migrations", "", err)
	}
	return nil
}

// Initialize applies pending migrations.
func (s *sqlStore) Initialize(ctx context.Context) error {
	return s.migrate(ctx)
}

// StoreBars upserts bars row by row inside one transaction.
func (s *sqlStore) StoreBars(ctx context.Context, series Series, bars []models.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.handle()
	if err != nil {
		return NewInsertError("bars", err)
	}

	start := time.Now()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return NewInsertError("bars", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertBarSQL)
	if err != nil {
		return NewStorageError("insert", "bars", upsertBarSQL, err)
	}
	defer stmt.Close()

	for _, bar := range bars {
		if _, err := stmt.ExecContext(ctx, barArgs(series, bar)...); err != nil {
			return NewStorageError("insert", "bars", upsertBarSQL, fmt.Errorf("bar at %s: %w", bar.Timestamp.Format(time.RFC3339), err))
		}
	}

	if err := tx.Commit(); err != nil {
		return NewInsertError("bars", fmt.Errorf("failed to commit: %w", err))
	}

	s.logger.Debug("stored bars", "series", series.String(), "count", len(bars), "duration", time.Since(start))
	return nil
}

// QueryBars returns stored bars oldest first.
func (s *sqlStore) QueryBars(ctx context.Context, req BarQuery) ([]models.PriceBar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return nil, NewQueryError("bars", "", err)
	}

	query, args := buildBarQuery(req)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError("bars", query, err)
	}
	defer rows.Close()

	bars := make([]models.PriceBar, 0)
	for rows.Next() {
		bar, err := scanBar(rows)
		if err != nil {
			return nil, NewQueryError("bars", query, fmt.Errorf("failed to scan row: %w", err))
		}
		bars = append(bars, bar)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("bars", query, err)
	}
	return bars, nil
}

// StoreGaps upserts gaps inside one transaction.
func (s *sqlStore) StoreGaps(ctx context.Context, series Series, gaps []*models.Gap) error {
	if len(gaps) == 0 {
		return nil
	}
	for _, g := range gaps {
		if err := g.Validate(); err != nil {
			return NewInsertError("gaps", fmt.Errorf("invalid gap %s: %w", g.ID, err))
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.handle()
	if err != nil {
		return NewInsertError("gaps", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return NewInsertError("gaps", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	for _, g := range gaps {
		if _, err := tx.ExecContext(ctx, upsertGapSQL, gapArgs(series, g)...); err != nil {
			return NewStorageError("insert", "gaps", upsertGapSQL, fmt.Errorf("gap %s: %w", g.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return NewInsertError("gaps", fmt.Errorf("failed to commit: %w", err))
	}

	s.logger.Debug("stored gaps", "series", series.String(), "count", len(gaps))
	return nil
}

// GetGaps returns the gaps of a series ordered by close timestamp.
func (s *sqlStore) GetGaps(ctx context.Context, series Series) ([]*models.Gap, error) {
	return s.queryGaps(ctx, selectGapsSQL, series.Exchange, series.Symbol, series.Interval)
}

// GetGapsByStatus returns the gaps of a series in the given status.
func (s *sqlStore) GetGapsByStatus(ctx context.Context, series Series, status models.GapStatus) ([]*models.Gap, error) {
	return s.queryGaps(ctx, selectGapsByStatusSQL, series.Exchange, series.Symbol, series.Interval, string(status))
}

func (s *sqlStore) queryGaps(ctx context.Context, query string, args ...any) ([]*models.Gap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return nil, NewQueryError("gaps", query, err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError("gaps", query, err)
	}
	defer rows.Close()

	gaps := make([]*models.Gap, 0)
	for rows.Next() {
		g, err := scanGap(rows)
		if err != nil {
			return nil, NewQueryError("gaps", query, fmt.Errorf("failed to scan row: %w", err))
		}
		gaps = append(gaps, g)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("gaps", query, err)
	}
	return gaps, nil
}

// StoreRun upserts an analysis run.
func (s *sqlStore) StoreRun(ctx context.Context, run *models.AnalysisRun) error {
	if err := run.Validate(); err != nil {
		return NewInsertError("analysis_runs", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.handle()
	if err != nil {
		return NewInsertError("analysis_runs", err)
	}
	if _, err := db.ExecContext(ctx, upsertRunSQL, runArgs(run)...); err != nil {
		return NewStorageError("insert", "analysis_runs", upsertRunSQL, err)
	}
	return nil
}

// GetRun returns the run with the given ID or ErrNotFound.
func (s *sqlStore) GetRun(ctx context.Context, id string) (*models.AnalysisRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return nil, NewQueryError("analysis_runs", selectRunSQL, err)
	}

	run, err := scanRun(db.QueryRowContext(ctx, selectRunSQL, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, NewQueryError("analysis_runs", selectRunSQL, fmt.Errorf("run %s: %w", id, ErrNotFound))
	}
	if err != nil {
		return nil, NewQueryError("analysis_runs", selectRunSQL, err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *sqlStore) ListRuns(ctx context.Context, limit int) ([]*models.AnalysisRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return nil, NewQueryError("analysis_runs", selectRunsSQL, err)
	}

	query, args := selectRunsSQL, []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError("analysis_runs", query, err)
	}
	defer rows.Close()

	runs := make([]*models.AnalysisRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, NewQueryError("analysis_runs", query, fmt.Errorf("failed to scan row: %w", err))
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, NewQueryError("analysis_runs", query, err)
	}
	return runs, nil
}

// GetStats counts stored rows.
func (s *sqlStore) GetStats(ctx context.Context) (*StorageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return nil, NewStorageError("stats", "", "", err)
	}

	stats := &StorageStats{Backend: s.backend}
	var earliest, latest int64
	if err := db.QueryRowContext(ctx, barStatsSQL).Scan(&stats.TotalBars, &earliest, &latest); err != nil {
		return nil, NewQueryError("bars", barStatsSQL, err)
	}
	if stats.TotalBars > 0 {
		stats.EarliestBar = time.UnixMilli(earliest).UTC()
		stats.LatestBar = time.UnixMilli(latest).UTC()
	}
	if err := db.QueryRowContext(ctx, gapStatsSQL).Scan(&stats.TotalGaps); err != nil {
		return nil, NewQueryError("gaps", gapStatsSQL, err)
	}
	if err := db.QueryRowContext(ctx, openGapsSQL, string(models.GapStatusOpen)).Scan(&stats.OpenGaps); err != nil {
		return nil, NewQueryError("gaps", openGapsSQL, err)
	}
	if err := db.QueryRowContext(ctx, runStatsSQL).Scan(&stats.TotalRuns); err != nil {
		return nil, NewQueryError("analysis_runs", runStatsSQL, err)
	}
	return stats, nil
}

// HealthCheck runs a trivial query.
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return NewStorageError("health_check", "", "", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, healthCheckSQL).Scan(&result); err != nil {
		return NewStorageError("health_check", "", healthCheckSQL, fmt.Errorf("database health check failed: %w", err))
	}
	if result != 1 {
		return NewStorageError("health_check", "", healthCheckSQL, fmt.Errorf("unexpected health check result: %d", result))
	}
	return nil
}

// Close releases the database handle. Further calls are no-ops.
func (s *sqlStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	s.logger.Info("closing storage")
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return NewStorageError("close", "", "", err)
	}
	return nil
}

// sqlTarget runs migrations over database/sql.
type sqlTarget struct {
	db *sql.DB
}

func (t sqlTarget) ensureMigrationsTable(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, createMigrationsTableSQL)
	return err
}

func (t sqlTarget) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := t.db.QueryRowContext(ctx, currentVersionSQL).Scan(&version)
	return version, err
}

func (t sqlTarget) applyMigration(ctx context.Context, m Migration) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, recordMigrationSQL, m.Version, m.Description, time.Now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}
