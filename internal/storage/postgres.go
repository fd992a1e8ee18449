package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

// PostgresStorage stores bars, gaps and runs in PostgreSQL through a pgx pool.
type PostgresStorage struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	mu     sync.RWMutex
}

// NewPostgresStorage connects a pool to the database at connString and pings it.
func NewPostgresStorage(ctx context.Context, connString string, maxConns int, logger *slog.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("parse connection string: %w", err))
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("create pool: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, NewStorageError("open", "", "", fmt.Errorf("ping database: %w", err))
	}

	return &PostgresStorage{
		pool:   pool,
		logger: logger.With("component", "storage", "backend", "postgres"),
	}, nil
}

// rebind rewrites ? placeholders as $1, $2, ...
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (p *PostgresStorage) handle() (*pgxpool.Pool, error) {
	if p.pool == nil {
		return nil, errClosed
	}
	return p.pool, nil
}

// Initialize applies pending migrations.
func (p *PostgresStorage) Initialize(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	pool, err := p.handle()
	if err != nil {
		return NewStorageError("initialize", "", "", err)
	}
	if err := NewMigrationManager(pgxTarget{pool: pool}, p.logger).MigrateToLatest(ctx); err != nil {
		return NewStorageError("initialize", "schema_migrations", "", err)
	}
	return nil
}

// StoreBars upserts bars in a single pgx batch.
func (p *PostgresStorage) StoreBars(ctx context.Context, series Series, bars []models.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	pool, err := p.handle()
	if err != nil {
		return NewInsertError("bars", err)
	}

	query := rebind(upsertBarSQL)
	batch := &pgx.Batch{}
	for _, bar := range bars {
		batch.Queue(query, barArgs(series, bar)...)
	}
	if err := p.sendBatch(ctx, pool, batch); err != nil {
		return NewStorageError("insert", "bars", query, err)
	}

	p.logger.Debug("stored bars", "series", series.String(), "count", len(bars))
	return nil
}

func (p *PostgresStorage) sendBatch(ctx context.Context, pool *pgxpool.Pool, batch *pgx.Batch) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	results := tx.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("batch statement %d: %w", i, err)
		}
	}
	if err := results.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// QueryBars returns stored bars oldest first.
func (p *PostgresStorage) QueryBars(ctx context.Context, req BarQuery) ([]models.PriceBar, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pool, err := p.handle()
	if err != nil {
		return nil, NewQueryError("bars", "", err)
	}

	query, args := buildBarQuery(req)
	query = rebind(query)
	rows, err := pool.Query(ctx, query, args...)
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

// StoreGaps upserts gaps in a single pgx batch.
func (p *PostgresStorage) StoreGaps(ctx context.Context, series Series, gaps []*models.Gap) error {
	if len(gaps) == 0 {
		return nil
	}
	for _, g := range gaps {
		if err := g.Validate(); err != nil {
			return NewInsertError("gaps", fmt.Errorf("invalid gap %s: %w", g.ID, err))
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	pool, err := p.handle()
	if err != nil {
		return NewInsertError("gaps", err)
	}

	query := rebind(upsertGapSQL)
	batch := &pgx.Batch{}
	for _, g := range gaps {
		batch.Queue(query, gapArgs(series, g)...)
	}
	if err := p.sendBatch(ctx, pool, batch); err != nil {
		return NewStorageError("insert", "gaps", query, err)
	}
	return nil
}

// GetGaps returns the gaps of a series ordered by close timestamp.
func (p *PostgresStorage) GetGaps(ctx context.Context, series Series) ([]*models.Gap, error) {
	return p.queryGaps(ctx, selectGapsSQL, series.Exchange, series.Symbol, series.Interval)
}

// GetGapsByStatus returns the gaps of a series in the given status.
func (p *PostgresStorage) GetGapsByStatus(ctx context.Context, series Series, status models.GapStatus) ([]*models.Gap, error) {
	return p.queryGaps(ctx, selectGapsByStatusSQL, series.Exchange, series.Symbol, series.Interval, string(status))
}

func (p *PostgresStorage) queryGaps(ctx context.Context, query string, args ...any) ([]*models.Gap, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pool, err := p.handle()
	if err != nil {
		return nil, NewQueryError("gaps", query, err)
	}

	query = rebind(query)
	rows, err := pool.Query(ctx, query, args...)
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
func (p *PostgresStorage) StoreRun(ctx context.Context, run *models.AnalysisRun) error {
	if err := run.Validate(); err != nil {
		return NewInsertError("analysis_runs", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	pool, err := p.handle()
	if err != nil {
		return NewInsertError("analysis_runs", err)
	}

	query := rebind(upsertRunSQL)
	if _, err := pool.Exec(ctx, query, runArgs(run)...); err != nil {
		return NewStorageError("insert", "analysis_runs", query, err)
	}
	return nil
}

// GetRun returns the run with the given ID or ErrNotFound.
func (p *PostgresStorage) GetRun(ctx context.Context, id string) (*models.AnalysisRun, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	query := rebind(selectRunSQL)
	pool, err := p.handle()
	if err != nil {
		return nil, NewQueryError("analysis_runs", query, err)
	}

	run, err := scanRun(pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, NewQueryError("analysis_runs", query, fmt.Errorf("run %s: %w", id, ErrNotFound))
	}
	if err != nil {
		return nil, NewQueryError("analysis_runs", query, err)
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (p *PostgresStorage) ListRuns(ctx context.Context, limit int) ([]*models.AnalysisRun, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	query, args := selectRunsSQL, []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	query = rebind(query)

	pool, err := p.handle()
	if err != nil {
		return nil, NewQueryError("analysis_runs", query, err)
	}

	rows, err := pool.Query(ctx, query, args...)
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
func (p *PostgresStorage) GetStats(ctx context.Context) (*StorageStats, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pool, err := p.handle()
	if err != nil {
		return nil, NewStorageError("stats", "", "", err)
	}

	stats := &StorageStats{Backend: "postgres"}
	var earliest, latest int64
	if err := pool.QueryRow(ctx, barStatsSQL).Scan(&stats.TotalBars, &earliest, &latest); err != nil {
		return nil, NewQueryError("bars", barStatsSQL, err)
	}
	if stats.TotalBars > 0 {
		stats.EarliestBar = time.UnixMilli(earliest).UTC()
		stats.LatestBar = time.UnixMilli(latest).UTC()
	}
	if err := pool.QueryRow(ctx, gapStatsSQL).Scan(&stats.TotalGaps); err != nil {
		return nil, NewQueryError("gaps", gapStatsSQL, err)
	}
	if err := pool.QueryRow(ctx, rebind(openGapsSQL), string(models.GapStatusOpen)).Scan(&stats.OpenGaps); err != nil {
		return nil, NewQueryError("gaps", openGapsSQL, err)
	}
	if err := pool.QueryRow(ctx, runStatsSQL).Scan(&stats.TotalRuns); err != nil {
		return nil, NewQueryError("analysis_runs", runStatsSQL, err)
	}
	return stats, nil
}

// HealthCheck pings the pool.
func (p *PostgresStorage) HealthCheck(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	pool, err := p.handle()
	if err != nil {
		return NewStorageError("health_check", "", "", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return NewStorageError("health_check", "", "", fmt.Errorf("ping postgres: %w", err))
	}
	return nil
}

// Close closes the pool. Further calls are no-ops.
func (p *PostgresStorage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pool != nil {
		p.logger.Info("closing storage")
		p.pool.Close()
		p.pool = nil
	}
	return nil
}

// pgxTarget runs migrations over a pgx pool.
type pgxTarget struct {
	pool *pgxpool.Pool
}

func (t pgxTarget) ensureMigrationsTable(ctx context.Context) error {
	_, err := t.pool.Exec(ctx, createMigrationsTableSQL)
	return err
}

func (t pgxTarget) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := t.pool.QueryRow(ctx, currentVersionSQL).Scan(&version)
	return version, err
}

func (t pgxTarget) applyMigration(ctx context.Context, m Migration) error {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, stmt := range m.Statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(ctx, rebind(recordMigrationSQL), m.Version, m.Description, time.Now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

var _ FullStorage = (*PostgresStorage)(nil)
