package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// SQLiteStorage stores bars, gaps and runs in a SQLite file using the pure-Go
// modernc driver.
type SQLiteStorage struct {
	*sqlStore
	dbPath string
}

// NewSQLiteStorage opens (or creates) the SQLite database at dbPath.
func NewSQLiteStorage(dbPath string, logger *slog.Logger) (*SQLiteStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, NewStorageError("open", "", "", fmt.Errorf("open sqlite: %w", err))
	}

	// One connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	return &SQLiteStorage{
		sqlStore: newSQLStore("sqlite", db, logger),
		dbPath:   dbPath,
	}, nil
}

// Initialize switches the journal to WAL and applies migrations.
func (s *SQLiteStorage) Initialize(ctx context.Context) error {
	s.logger.Info("initializing SQLite storage", "db_path", s.dbPath)

	s.mu.RLock()
	db, err := s.handle()
	s.mu.RUnlock()
	if err != nil {
		return NewStorageError("initialize", "", "", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return NewStorageError("initialize", "", pragma, err)
		}
	}

	return s.migrate(ctx)
}

var _ FullStorage = (*SQLiteStorage)(nil)
