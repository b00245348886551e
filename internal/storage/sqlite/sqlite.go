// Package sqlite implements storage.Store on SQLite via GORM, using the
// pure-Go glebarez driver (no CGO). It reuses the PostgreSQL models and
// repositories; GORM's SQLite dialect handles the SQL differences.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/overseer/internal/storage"
	pgstore "github.com/jkaninda/overseer/internal/storage/postgres"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL by default.
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	db     *gorm.DB
	audit  *pgstore.AuditRepository
	logger *slog.Logger
	path   string
}

// Open creates the database file if needed and migrates the schema.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if slogger == nil {
		slogger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	if err := db.AutoMigrate(pgstore.Models()...); err != nil {
		return nil, fmt.Errorf("auto-migrating: %w", err)
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return &Store{
		db:     db,
		audit:  pgstore.NewAuditRepository(db),
		logger: slogger,
		path:   cfg.Path,
	}, nil
}

// Audit returns the append-only audit repository.
func (s *Store) Audit() storage.AuditStore { return s.audit }

// Driver returns "sqlite".
func (s *Store) Driver() string { return storage.DriverSQLite }

// Ping checks the database file is usable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ storage.Store = (*Store)(nil)
