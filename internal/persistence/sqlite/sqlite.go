package sqlite

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/example/teleconsult/internal/persistence"
	"github.com/example/teleconsult/internal/persistence/sqlite/migration"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrations returns the schema files compiled into the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		panic(fmt.Sprintf("sqlite: embedded migrations: %v", err))
	}
	return sub
}

// Storage bundles the SQLite repositories behind a single handle.
type Storage struct {
	*DoctorRepository
	*SessionRepository

	pool   *ConnectionPool
	logger *slog.Logger
}

var (
	_ persistence.DoctorRepository  = (*Storage)(nil)
	_ persistence.SessionRepository = (*Storage)(nil)
)

// Open opens the database at dsn. ":memory:" selects a single-connection
// in-memory database.
func Open(dsn string) (*Storage, error) {
	return OpenWithLogger(dsn, nil)
}

// OpenWithLogger is Open with an explicit logger for migration output.
func OpenWithLogger(dsn string, logger *slog.Logger) (*Storage, error) {
	config := migration.DefaultSQLiteConfig(dsn)
	if dsn == ":memory:" {
		config = migration.InMemoryTestSQLiteConfig()
	}
	return OpenConfig(config, logger)
}

// OpenConfig opens a storage with a fully specified connection configuration.
func OpenConfig(config migration.SQLiteConfig, logger *slog.Logger) (*Storage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pool, err := NewConnectionPool(config)
	if err != nil {
		return nil, err
	}
	return &Storage{
		DoctorRepository:  NewDoctorRepository(pool),
		SessionRepository: NewSessionRepository(pool),
		pool:              pool,
		logger:            logger,
	}, nil
}

// Migrate applies every pending embedded schema migration.
func (s *Storage) Migrate(ctx context.Context) error {
	manager := migration.NewMigrationManager(
		migration.NewFileScanner(),
		migration.NewSQLiteExecutor(s.pool.DB()),
		Migrations(),
		s.logger,
	)
	if err := manager.RunMigrations(ctx); err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	return s.pool.Close()
}
