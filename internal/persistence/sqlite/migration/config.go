package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	journalModes     = []string{"DELETE", "TRUNCATE", "PERSIST", "MEMORY", "WAL", "OFF"}
	synchronousModes = []string{"OFF", "NORMAL", "FULL", "EXTRA"}
)

// SQLiteConfig describes how the consultation store opens its database file.
// Pragmas are carried in the driver DSN so every pooled connection agrees on
// busy handling and foreign keys, which the doctor claim relies on.
type SQLiteConfig struct {
	DSN               string // file path or ":memory:"
	BusyTimeout       time.Duration
	EnableForeignKeys bool
	JournalMode       string
	Synchronous       string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// ConnectionManager opens a configured *sql.DB.
type ConnectionManager interface {
	GetConnection() (*sql.DB, error)
	ValidateConfig() error
}

type sqliteConnectionManager struct {
	config SQLiteConfig
}

// NewConnectionManager returns a manager for config.
func NewConnectionManager(config SQLiteConfig) ConnectionManager {
	return &sqliteConnectionManager{config: config}
}

// GetConnection validates the config, creates the parent directory of a file
// DSN, opens the pool and pings it once.
func (cm *sqliteConnectionManager) GetConnection() (*sql.DB, error) {
	cfg := cm.config
	if err := cm.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("sqlite config: %w", err)
	}
	if dir, ok := cfg.fileDir(); ok {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite config: create %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DriverDSN())
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", cfg.DSN, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", cfg.DSN, err)
	}
	return db, nil
}

// ValidateConfig reports every problem with the config at once.
func (cm *sqliteConnectionManager) ValidateConfig() error {
	cfg := cm.config
	var problems []error
	if cfg.DSN == "" {
		problems = append(problems, errors.New("DSN is empty"))
	}
	if cfg.JournalMode != "" && !slices.Contains(journalModes, cfg.JournalMode) {
		problems = append(problems, fmt.Errorf("journal mode %q is not one of %v", cfg.JournalMode, journalModes))
	}
	if cfg.Synchronous != "" && !slices.Contains(synchronousModes, cfg.Synchronous) {
		problems = append(problems, fmt.Errorf("synchronous mode %q is not one of %v", cfg.Synchronous, synchronousModes))
	}
	for name, negative := range map[string]bool{
		"BusyTimeout":     cfg.BusyTimeout < 0,
		"MaxOpenConns":    cfg.MaxOpenConns < 0,
		"MaxIdleConns":    cfg.MaxIdleConns < 0,
		"ConnMaxLifetime": cfg.ConnMaxLifetime < 0,
	} {
		if negative {
			problems = append(problems, fmt.Errorf("%s is negative", name))
		}
	}
	return errors.Join(problems...)
}

// DriverDSN renders the DSN for modernc.org/sqlite with the pragmas attached
// as _pragma query parameters.
func (c SQLiteConfig) DriverDSN() string {
	var pragmas []string
	if c.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("busy_timeout(%d)", c.BusyTimeout.Milliseconds()))
	}
	if c.EnableForeignKeys {
		pragmas = append(pragmas, "foreign_keys(1)")
	}
	if c.JournalMode != "" {
		pragmas = append(pragmas, "journal_mode("+c.JournalMode+")")
	}
	if c.Synchronous != "" {
		pragmas = append(pragmas, "synchronous("+c.Synchronous+")")
	}
	if len(pragmas) == 0 {
		return c.DSN
	}

	query := url.Values{"_pragma": pragmas}.Encode()
	if strings.Contains(c.DSN, "?") {
		return c.DSN + "&" + query
	}
	return c.DSN + "?" + query
}

// fileDir returns the directory holding a file-backed database.
func (c SQLiteConfig) fileDir() (string, bool) {
	if c.DSN == ":memory:" || strings.HasPrefix(c.DSN, ":memory:?") || strings.Contains(c.DSN, "mode=memory") {
		return "", false
	}
	path, _, _ := strings.Cut(strings.TrimPrefix(c.DSN, "file:"), "?")
	return filepath.Dir(path), true
}

// DefaultSQLiteConfig is the production configuration. A small pool is
// enough because the busy timeout serializes concurrent claims.
func DefaultSQLiteConfig(databasePath string) SQLiteConfig {
	return SQLiteConfig{
		DSN:               databasePath,
		BusyTimeout:       5 * time.Second,
		EnableForeignKeys: true,
		JournalMode:       "WAL",
		Synchronous:       "NORMAL",
		MaxOpenConns:      8,
		MaxIdleConns:      4,
		ConnMaxLifetime:   5 * time.Minute,
	}
}

// InMemoryTestSQLiteConfig keeps a single connection so every query sees the
// same in-memory database.
func InMemoryTestSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{
		DSN:               ":memory:",
		BusyTimeout:       5 * time.Second,
		EnableForeignKeys: true,
		JournalMode:       "MEMORY",
		Synchronous:       "OFF",
		MaxOpenConns:      1,
		MaxIdleConns:      1,
	}
}
