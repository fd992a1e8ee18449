package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// The schema sticks to types all three SQL backends accept: prices are kept
// as decimal strings and instants as Unix milliseconds.

// Migration is one versioned schema change.
type Migration struct {
	Version     int
	Description string
	Statements  []string
}

// MigrationStatus describes how far a database has been migrated.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        []int
}

// schemaTarget is the backend specific half of migration handling.
type schemaTarget interface {
	ensureMigrationsTable(ctx context.Context) error
	currentVersion(ctx context.Context) (int, error)
	// applyMigration runs the statements and records the version in one transaction.
	applyMigration(ctx context.Context, m Migration) error
}

// MigrationManager applies schema migrations in version order.
type MigrationManager struct {
	target     schemaTarget
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrationManager creates a migration manager for the given backend.
func NewMigrationManager(target schemaTarget, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationManager{
		target:     target,
		logger:     logger,
		migrations: allMigrations(),
	}
}

// MigrateToLatest applies every pending migration.
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	return m.Migrate(ctx, m.latestVersion())
}

// Migrate applies pending migrations up to targetVersion.
func (m *MigrationManager) Migrate(ctx context.Context, targetVersion int) error {
	if err := m.target.ensureMigrationsTable(ctx); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	current, err := m.target.currentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	if current >= targetVersion {
		m.logger.Debug("schema up to date", "version", current)
		return nil
	}

	applied := 0
	for _, migration := range m.migrations {
		if migration.Version <= current || migration.Version > targetVersion {
			continue
		}

		start := time.Now()
		if err := m.target.applyMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to apply migration %d (%s): %w", migration.Version, migration.Description, err)
		}
		applied++
		m.logger.Info("migration applied",
			"version", migration.Version,
			"description", migration.Description,
			"duration", time.Since(start))
	}

	m.logger.Info("migrations completed", "from_version", current, "to_version", targetVersion, "applied", applied)
	return nil
}

// GetStatus reports the current and pending versions.
func (m *MigrationManager) GetStatus(ctx context.Context) (*MigrationStatus, error) {
	if err := m.target.ensureMigrationsTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}
	current, err := m.target.currentVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get current version: %w", err)
	}

	status := &MigrationStatus{CurrentVersion: current, LatestVersion: m.latestVersion()}
	for _, migration := range m.migrations {
		if migration.Version > current {
			status.Pending = append(status.Pending, migration.Version)
		}
	}
	return status, nil
}

func (m *MigrationManager) latestVersion() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

const createMigrationsTableSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	description VARCHAR NOT NULL,
	applied_at BIGINT NOT NULL
)`

const (
	currentVersionSQL  = `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`
	recordMigrationSQL = `INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`
)

func allMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "create bars tables",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS bars (
					exchange VARCHAR NOT NULL,
					symbol VARCHAR NOT NULL,
					bar_interval VARCHAR NOT NULL,
					ts BIGINT NOT NULL,
					open VARCHAR NOT NULL,
					high VARCHAR NOT NULL,
					low VARCHAR NOT NULL,
					close VARCHAR NOT NULL,
					volume VARCHAR NOT NULL,
					PRIMARY KEY (exchange, symbol, bar_interval, ts)
				)`,
				`CREATE TABLE IF NOT EXISTS bars_staging (
					exchange VARCHAR NOT NULL,
					symbol VARCHAR NOT NULL,
					bar_interval VARCHAR NOT NULL,
					ts BIGINT NOT NULL,
					open VARCHAR NOT NULL,
					high VARCHAR NOT NULL,
					low VARCHAR NOT NULL,
					close VARCHAR NOT NULL,
					volume VARCHAR NOT NULL
				)`,
			},
		},
		{
			Version:     2,
			Description: "create gaps table",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS gaps (
					exchange VARCHAR NOT NULL,
					symbol VARCHAR NOT NULL,
					bar_interval VARCHAR NOT NULL,
					close_ts BIGINT NOT NULL,
					id VARCHAR NOT NULL,
					close_price VARCHAR NOT NULL,
					reopen_ts BIGINT NOT NULL,
					reopen_price VARCHAR NOT NULL,
					gap_size VARCHAR NOT NULL,
					gap_size_pct DOUBLE PRECISION NOT NULL,
					direction VARCHAR NOT NULL,
					status VARCHAR NOT NULL,
					close_date VARCHAR NOT NULL,
					reopen_date VARCHAR NOT NULL,
					tz VARCHAR NOT NULL,
					closure_ts BIGINT,
					bars_to_closure INTEGER,
					time_to_closure_ns BIGINT,
					atr_ratio DOUBLE PRECISION,
					updated_at BIGINT NOT NULL,
					PRIMARY KEY (exchange, symbol, bar_interval, close_ts)
				)`,
			},
		},
		{
			Version:     3,
			Description: "create analysis runs table",
			Statements: []string{
				`CREATE TABLE IF NOT EXISTS analysis_runs (
					id VARCHAR PRIMARY KEY,
					exchange VARCHAR NOT NULL,
					symbol VARCHAR NOT NULL,
					bar_interval VARCHAR NOT NULL,
					start_ms BIGINT NOT NULL,
					end_ms BIGINT NOT NULL,
					status VARCHAR NOT NULL,
					bars_analyzed INTEGER NOT NULL,
					gaps_detected INTEGER NOT NULL,
					gaps_closed INTEGER NOT NULL,
					error_message VARCHAR NOT NULL,
					created_at BIGINT NOT NULL,
					started_at BIGINT,
					completed_at BIGINT
				)`,
			},
		},
		{
			Version:     4,
			Description: "add lookup indexes",
			Statements: []string{
				`CREATE INDEX IF NOT EXISTS idx_gaps_id ON gaps (id)`,
				`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON analysis_runs (created_at)`,
			},
		},
	}
}
