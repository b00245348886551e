// Package storage defines the persistent audit store. Two backends are
// provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"time"

	"github.com/jkaninda/overseer/internal/security"
)

// AuditStore persists audit events. It is append-only: there is no way to
// update or delete a stored event through this interface.
type AuditStore interface {
	Append(ctx context.Context, event security.AuditEvent) error
	Query(ctx context.Context, q AuditQuery) ([]security.AuditEvent, error)
}

// AuditQuery filters stored events. Zero fields match everything.
type AuditQuery struct {
	WorkflowID  string
	ExecutionID string
	Action      string
	Since       time.Time
	Limit       int // Default 100.
}

// Store is implemented by every backend.
type Store interface {
	Audit() AuditStore
	Ping(ctx context.Context) error
	Close() error
	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// Config selects and configures a backend.
type Config struct {
	Driver   string         `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres"
	SQLite   SQLiteConfig   `json:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`
	JournalMode string `json:"journal_mode,omitempty" yaml:"journal_mode,omitempty"` // "wal" (default), "delete", ...
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

const (
	// DefaultDriver is the default storage driver.
	DefaultDriver = DriverSQLite
	// DriverSQLite is the SQLite driver name.
	DriverSQLite = "sqlite"
	// DriverPostgres is the PostgreSQL driver name.
	DriverPostgres = "postgres"
)
