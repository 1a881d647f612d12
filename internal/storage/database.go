package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/NeverVane/promptledger/internal/config"
	"github.com/NeverVane/promptledger/internal/logger"
)

const deviceIDKey = "device_id"

// SQLiteStore is the durable slot store
type SQLiteStore struct {
	db       *sql.DB
	config   *config.StorageConfig
	logger   *logger.Logger
	migrator *Migrator
	path     string
}

// OpenSQLiteStore opens (creating if needed) the slot store at cfg.Path and
// migrates it to the current schema.
func OpenSQLiteStore(ctx context.Context, cfg *config.StorageConfig) (*SQLiteStore, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	s := &SQLiteStore{
		config: cfg,
		logger: logger.GetLogger().Storage(),
		path:   cfg.Path,
	}

	if err := s.initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize slot store: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initialize(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	_, statErr := os.Stat(s.path)
	isNew := os.IsNotExist(statErr)

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	s.db = db

	// Pragmas are per connection; a single connection keeps them in force.
	s.db.SetMaxOpenConns(1)
	s.db.SetMaxIdleConns(1)

	if err := s.applyPragmas(ctx); err != nil {
		s.db.Close()
		return fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := s.setSecurePermissions(); err != nil {
		s.db.Close()
		return fmt.Errorf("failed to set secure permissions: %w", err)
	}

	s.migrator = NewMigrator(s.db, GetCurrentSchema())
	if err := s.migrator.MigrateToLatest(ctx); err != nil {
		s.db.Close()
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	if err := s.migrator.ValidateSchema(ctx); err != nil {
		s.db.Close()
		return fmt.Errorf("schema validation failed: %w", err)
	}

	s.logger.Debug().
		Str("path", s.path).
		Bool("new_database", isNew).
		Msg("Slot store opened")
	return nil
}

func (s *SQLiteStore) applyPragmas(ctx context.Context) error {
	syncMode := s.config.SyncMode
	if syncMode == "" {
		syncMode = "NORMAL"
	}
	busy := s.config.BusyTimeoutMS
	if busy <= 0 {
		busy = 5000
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = " + syncMode,
		"PRAGMA secure_delete = ON",
		"PRAGMA temp_store = MEMORY",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy),
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) setSecurePermissions() error {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		path := s.path + suffix
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to chmod %s: %w", path, err)
		}
	}
	return nil
}

// Get reads a slot
func (s *SQLiteStore) Get(ctx context.Context, slot Slot) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM slots WHERE name = ?`, string(slot)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read slot %s: %w", slot, err)
	}
	return value, true, nil
}

// Set writes a slot, replacing any previous value
func (s *SQLiteStore) Set(ctx context.Context, slot Slot, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO slots (name, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		string(slot), value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to write slot %s: %w", slot, err)
	}
	return nil
}

// Delete removes a slot; deleting a missing slot is not an error
func (s *SQLiteStore) Delete(ctx context.Context, slot Slot) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM slots WHERE name = ?`, string(slot)); err != nil {
		return fmt.Errorf("failed to delete slot %s: %w", slot, err)
	}
	return nil
}

// DeviceID returns this installation's stable identifier, creating it on
// first use. It tags outgoing broadcasts so a device can ignore its own.
func (s *SQLiteStore) DeviceID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM store_metadata WHERE key = ?`, deviceIDKey).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	id = uuid.NewString()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO store_metadata (key, value) VALUES (?, ?)`, deviceIDKey, id); err != nil {
		return "", fmt.Errorf("failed to store device id: %w", err)
	}
	s.logger.Debug().Str("device", logger.ShortID(id)).Msg("Generated device id")
	return id, nil
}

// CheckIntegrity runs SQLite's integrity check
func (s *SQLiteStore) CheckIntegrity(ctx context.Context) error {
	return s.migrator.CheckIntegrity(ctx)
}

// Path returns the database file path
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the database
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to checkpoint WAL before close")
	}
	err := s.db.Close()
	s.db = nil
	return err
}
