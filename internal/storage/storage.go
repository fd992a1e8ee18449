// Package storage defines the persistence interfaces for price bars, gaps and
// analysis runs, with DuckDB, SQLite, PostgreSQL and in-memory backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/johnayoung/cme-gap-analyzer/internal/config"
	"github.com/johnayoung/cme-gap-analyzer/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Series identifies one downloaded bar series.
type Series struct {
	Exchange string
	Symbol   string
	Interval string
}

// String returns "exchange:symbol:interval".
func (s Series) String() string {
	return s.Exchange + ":" + s.Symbol + ":" + s.Interval
}

// BarStore handles price bar persistence.
type BarStore interface {
	// StoreBars upserts bars keyed by series and timestamp. A bar stored twice
	// keeps the most recent values.
	StoreBars(ctx context.Context, series Series, bars []models.PriceBar) error

	// QueryBars returns the bars of a series in [req.Start, req.End), oldest first.
	// A zero Start or End leaves that side unbounded.
	QueryBars(ctx context.Context, req BarQuery) ([]models.PriceBar, error)
}

// GapStore handles gap persistence.
type GapStore interface {
	// StoreGaps upserts gaps keyed by series and close timestamp, so
	// re-analysing the same window updates closure fields in place.
	StoreGaps(ctx context.Context, series Series, gaps []*models.Gap) error

	// GetGaps returns all gaps of a series ordered by close timestamp.
	GetGaps(ctx context.Context, series Series) ([]*models.Gap, error)

	// GetGapsByStatus returns the gaps of a series with the given status.
	GetGapsByStatus(ctx context.Context, series Series, status models.GapStatus) ([]*models.Gap, error)
}

// RunStore handles analysis run persistence.
type RunStore interface {
	StoreRun(ctx context.Context, run *models.AnalysisRun) error
	GetRun(ctx context.Context, id string) (*models.AnalysisRun, error)
	// ListRuns returns the most recent runs first; limit <= 0 returns all.
	ListRuns(ctx context.Context, limit int) ([]*models.AnalysisRun, error)
}

// StorageManager handles backend lifecycle and monitoring.
type StorageManager interface {
	// Initialize applies pending schema migrations. It is idempotent.
	Initialize(ctx context.Context) error
	Close() error
	GetStats(ctx context.Context) (*StorageStats, error)
	HealthCheck(ctx context.Context) error
}

// FullStorage combines all storage capabilities.
type FullStorage interface {
	BarStore
	GapStore
	RunStore
	StorageManager
}

// BarQuery selects stored bars.
type BarQuery struct {
	Series Series
	Start  time.Time // inclusive
	End    time.Time // exclusive
	Limit  int       // 0 = no limit
}

// StorageStats summarizes what a backend holds.
type StorageStats struct {
	Backend     string
	TotalBars   int64
	TotalGaps   int64
	OpenGaps    int64
	TotalRuns   int64
	EarliestBar time.Time
	LatestBar   time.Time
}

// New opens the backend named by cfg.Type and applies migrations.
// Type "none" disables persistence and returns a nil FullStorage.
func New(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (FullStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var (
		store FullStorage
		err   error
	)
	switch strings.ToLower(cfg.Type) {
	case "none", "":
		return nil, nil
	case "memory":
		store = NewMemoryStorage()
	case "duckdb":
		store, err = NewDuckDBStorage(cfg.DatabaseURL, logger)
	case "sqlite":
		store, err = NewSQLiteStorage(cfg.DatabaseURL, logger)
	case "postgres":
		store, err = NewPostgresStorage(ctx, cfg.DatabaseURL, cfg.MaxConns, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}

	if err := store.Initialize(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// StorageError represents a failed storage operation.
type StorageError struct {
	// Operation is the storage operation that failed (e.g., "insert", "query")
	Operation string

	// Table is the database table involved in the operation
	Table string

	// Query is the SQL statement (may be empty)
	Query string

	// Err is the underlying error
	Err error
}

// Error implements the error interface for StorageError.
func (e *StorageError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("storage operation %s on table %s failed: %v", e.Operation, e.Table, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new StorageError with the provided details.
func NewStorageError(operation, table, query string, err error) *StorageError {
	return &StorageError{
		Operation: operation,
		Table:     table,
		Query:     query,
		Err:       err,
	}
}

// NewQueryError creates a StorageError for query operations.
func NewQueryError(table, query string, err error) *StorageError {
	return &StorageError{Operation: "query", Table: table, Query: query, Err: err}
}

// NewInsertError creates a StorageError for insert operations.
func NewInsertError(table string, err error) *StorageError {
	return &StorageError{Operation: "insert", Table: table, Err: err}
}

var errClosed = errors.New("storage is closed")
