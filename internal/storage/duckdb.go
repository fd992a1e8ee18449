package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcboeker/go-duckdb/v2"

	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

const (
	mergeStagedBarsSQL = `INSERT OR REPLACE INTO bars SELECT * FROM bars_staging`
	clearStagedBarsSQL = `DELETE FROM bars_staging`
)

// DuckDBStorage stores bars, gaps and runs in a DuckDB database file.
// Bars are bulk loaded with the Appender API through a staging table and
// merged into the keyed bars table.
type DuckDBStorage struct {
	*sqlStore
	dbPath string
}

// NewDuckDBStorage opens a DuckDB database. The path can be ":memory:".
func NewDuckDBStorage(dbPath string, logger *slog.Logger) (*DuckDBStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("failed to open DuckDB database: %w", err))
	}

	// Single writer connection, which also keeps ":memory:" databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return &DuckDBStorage{
		sqlStore: newSQLStore("duckdb", db, logger),
		dbPath:   dbPath,
	}, nil
}

// Initialize applies settings and migrations.
func (d *DuckDBStorage) Initialize(ctx context.Context) error {
	d.logger.Info("initializing DuckDB storage", "db_path", d.dbPath)

	d.mu.RLock()
	db, err := d.handle()
	d.mu.RUnlock()
	if err != nil {
		return NewStorageError("initialize", "", "", err)
	}

	for _, setting := range []string{
		"SET threads = 4",
		"SET enable_progress_bar = false",
	} {
		if _, err := db.ExecContext(ctx, setting); err != nil {
			d.logger.Warn("failed to apply setting", "setting", setting, "error", err)
		}
	}

	return d.migrate(ctx)
}

// StoreBars bulk loads bars with the Appender API. Timestamps within one call
// must be unique, which the series validator guarantees.
func (d *DuckDBStorage) StoreBars(ctx context.Context, series Series, bars []models.PriceBar) error {
	if len(bars) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	db, err := d.handle()
	if err != nil {
		return NewInsertError("bars", err)
	}

	start := time.Now()
	conn, err := db.Conn(ctx)
	if err != nil {
		return NewInsertError("bars", fmt.Errorf("failed to get connection: %w", err))
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, clearStagedBarsSQL); err != nil {
		return NewStorageError("insert", "bars_staging", clearStagedBarsSQL, err)
	}

	if err := d.appendBars(conn, series, bars); err != nil {
		return NewInsertError("bars_staging", err)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return NewInsertError("bars", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mergeStagedBarsSQL); err != nil {
		return NewStorageError("insert", "bars", mergeStagedBarsSQL, err)
	}
	if _, err := tx.ExecContext(ctx, clearStagedBarsSQL); err != nil {
		return NewStorageError("insert", "bars_staging", clearStagedBarsSQL, err)
	}
	if err := tx.Commit(); err != nil {
		return NewInsertError("bars", fmt.Errorf("failed to commit: %w", err))
	}

	elapsed := time.Since(start)
	d.logger.Debug("stored bars batch",
		"series", series.String(),
		"count", len(bars),
		"duration", elapsed,
		"rate_per_sec", float64(len(bars))/elapsed.Seconds())
	return nil
}

func (d *DuckDBStorage) appendBars(conn *sql.Conn, series Series, bars []models.PriceBar) error {
	var driverConn *duckdb.Conn
	err := conn.Raw(func(dc any) error {
		var ok bool
		driverConn, ok = dc.(*duckdb.Conn)
		if !ok {
			return fmt.Errorf("underlying connection is not a DuckDB connection")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to get DuckDB connection: %w", err)
	}

	appender, err := duckdb.NewAppenderFromConn(driverConn, "", "bars_staging")
	if err != nil {
		return fmt.Errorf("failed to create appender: %w", err)
	}

	for _, bar := range bars {
		if err := appender.AppendRow(
			series.Exchange,
			series.Symbol,
			series.Interval,
			bar.Timestamp.UnixMilli(),
			bar.Open.String(),
			bar.High.String(),
			bar.Low.String(),
			bar.Close.String(),
			bar.Volume.String(),
		); err != nil {
			appender.Close()
			return fmt.Errorf("failed to append bar at %s: %w", bar.Timestamp.Format(time.RFC3339), err)
		}
	}

	// Close flushes the remaining rows.
	if err := appender.Close(); err != nil {
		return fmt.Errorf("failed to flush appender: %w", err)
	}
	return nil
}

var _ FullStorage = (*DuckDBStorage)(nil)
