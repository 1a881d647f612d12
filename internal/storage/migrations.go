package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/NeverVane/promptledger/internal/logger"
)

// Migrator handles slot store schema migrations
type Migrator struct {
	db     *sql.DB
	schema *DatabaseSchema
	logger *logger.Logger
}

// NewMigrator creates a new database migrator
func NewMigrator(db *sql.DB, schema *DatabaseSchema) *Migrator {
	return &Migrator{
		db:     db,
		schema: schema,
		logger: logger.GetLogger().Storage(),
	}
}

// GetCurrentVersion returns the current schema version, 0 for a fresh database
func (m *Migrator) GetCurrentVersion(ctx context.Context) (int, error) {
	var tableExists int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'`).Scan(&tableExists)
	if err != nil {
		return 0, fmt.Errorf("failed to check if schema_version table exists: %w", err)
	}
	if tableExists == 0 {
		return 0, nil
	}

	var version int
	err = m.db.QueryRowContext(ctx,
		`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get current schema version: %w", err)
	}

	return version, nil
}

// InitializeSchema creates the full current schema in one transaction
func (m *Migrator) InitializeSchema(ctx context.Context) error {
	m.logger.Info().Msg("Initializing slot store schema")

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for i, table := range m.schema.Tables {
		if _, err := tx.ExecContext(ctx, table); err != nil {
			return fmt.Errorf("failed to create table %d: %w", i, err)
		}
	}
	for i, index := range m.schema.Indexes {
		if _, err := tx.ExecContext(ctx, index); err != nil {
			return fmt.Errorf("failed to create index %d: %w", i, err)
		}
	}

	if err := m.recordSchemaVersion(ctx, tx, m.schema.Version, "Initial schema creation"); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit schema initialization: %w", err)
	}

	m.logger.Info().Int("version", m.schema.Version).Msg("Slot store schema initialized")
	return nil
}

// MigrateToLatest brings the database to the schema version this build knows
func (m *Migrator) MigrateToLatest(ctx context.Context) error {
	currentVersion, err := m.GetCurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}

	targetVersion := m.schema.Version

	if currentVersion == 0 {
		return m.InitializeSchema(ctx)
	}
	if currentVersion == targetVersion {
		m.logger.Debug().Int("version", currentVersion).Msg("Slot store schema is up to date")
		return nil
	}
	if currentVersion > targetVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", currentVersion, targetVersion)
	}

	for version := currentVersion + 1; version <= targetVersion; version++ {
		if err := m.applyMigration(ctx, version); err != nil {
			return fmt.Errorf("failed to apply migration to version %d: %w", version, err)
		}
	}

	return nil
}

func (m *Migrator) applyMigration(ctx context.Context, version int) error {
	statements, exists := m.schema.Migrations[version]
	if !exists {
		return fmt.Errorf("no migration found for version %d", version)
	}

	m.logger.Info().Int("version", version).Msg("Applying slot store migration")

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	for i, statement := range statements {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("failed to execute migration statement %d for version %d: %w", i, version, err)
		}
	}

	if err := m.recordSchemaVersion(ctx, tx, version, fmt.Sprintf("Migration to version %d", version)); err != nil {
		return fmt.Errorf("failed to record migration version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	m.logger.Info().Int("version", version).Msg("Migration applied successfully")
	return nil
}

func (m *Migrator) recordSchemaVersion(ctx context.Context, tx *sql.Tx, version int, description string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO schema_version (version, applied_at, description) VALUES (?, ?, ?)`,
		version, time.Now().UnixMilli(), description)
	return err
}

// ValidateSchema checks that every required table and index exists
func (m *Migrator) ValidateSchema(ctx context.Context) error {
	for _, table := range requiredTables {
		if err := m.validateExists(ctx, "table", table); err != nil {
			return fmt.Errorf("table validation failed: %w", err)
		}
	}
	for _, index := range requiredIndexes {
		if err := m.validateExists(ctx, "index", index); err != nil {
			return fmt.Errorf("index validation failed: %w", err)
		}
	}
	return nil
}

func (m *Migrator) validateExists(ctx context.Context, kind, name string) error {
	var count int
	err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?`, kind, name).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to check %s %s: %w", kind, name, err)
	}
	if count == 0 {
		return fmt.Errorf("required %s %s does not exist", kind, name)
	}
	return nil
}

// CheckIntegrity runs SQLite's integrity check
func (m *Migrator) CheckIntegrity(ctx context.Context) error {
	var result string
	if err := m.db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("failed to run integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database integrity check failed: %s", result)
	}
	return nil
}
