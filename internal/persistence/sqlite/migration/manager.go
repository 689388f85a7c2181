package migration

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"strconv"
	"time"
)

type migrationManagerImpl struct {
	scanner  FileScanner
	executor Executor
	fsys     fs.FS
	dir      string
	logger   *slog.Logger
}

// NewMigrationManager creates a MigrationManager that reads migration files
// from the root of fsys.
func NewMigrationManager(scanner FileScanner, executor Executor, fsys fs.FS, logger *slog.Logger) MigrationManager {
	return NewMigrationManagerForDir(scanner, executor, fsys, ".", logger)
}

// NewMigrationManagerForDir creates a MigrationManager that reads migration
// files from dir inside fsys.
func NewMigrationManagerForDir(scanner FileScanner, executor Executor, fsys fs.FS, dir string, logger *slog.Logger) MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &migrationManagerImpl{
		scanner:  scanner,
		executor: executor,
		fsys:     fsys,
		dir:      dir,
		logger:   logger.With(slog.String("component", "migration")),
	}
}

// RunMigrations executes all pending migrations in sequential order
func (m *migrationManagerImpl) RunMigrations(ctx context.Context) error {
	startTime := time.Now()

	if err := m.executor.InitializeVersionTable(ctx); err != nil {
		m.logger.ErrorContext(ctx, "failed to initialize schema_migrations table", slog.Any("error", err))
		return fmt.Errorf("failed to initialize version table: %w", err)
	}

	pending, err := m.GetPendingMigrations(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to resolve pending migrations", slog.Any("error", err))
		return fmt.Errorf("failed to get pending migrations: %w", err)
	}

	if len(pending) == 0 {
		m.logger.DebugContext(ctx, "database schema up to date")
		return nil
	}

	for i, migration := range pending {
		migrationStart := time.Now()
		logger := m.logger.With(
			slog.String("version", migration.Version),
			slog.String("description", migration.Description),
		)
		logger.InfoContext(ctx, "executing migration",
			slog.Int("position", i+1),
			slog.Int("pending", len(pending)),
		)

		if err := m.executor.ExecuteMigration(ctx, migration); err != nil {
			logger.ErrorContext(ctx, "migration failed", slog.Any("error", err))
			return fileError(migration.Version, migration.FilePath,
				"execute migration", fmt.Errorf("%w: %v", ErrMigrationFailed, err))
		}

		executionTime := time.Since(migrationStart)
		if err := m.executor.RecordMigration(ctx, migration, executionTime); err != nil {
			logger.ErrorContext(ctx, "failed to record migration", slog.Any("error", err))
			return fileError(migration.Version, migration.FilePath,
				"record migration", fmt.Errorf("failed to record migration: %w", err))
		}

		logger.InfoContext(ctx, "migration applied", slog.Duration("duration", executionTime))
	}

	m.logger.InfoContext(ctx, "migrations completed",
		slog.Int("applied", len(pending)),
		slog.Duration("duration", time.Since(startTime)),
	)
	return nil
}

// GetPendingMigrations returns list of migrations that need to be applied
func (m *migrationManagerImpl) GetPendingMigrations(ctx context.Context) ([]Migration, error) {
	available, err := m.scanner.ScanMigrations(m.fsys, m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan migrations: %w", err)
	}

	if err := m.executor.InitializeVersionTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize version table: %w", err)
	}

	applied, err := m.executor.GetAppliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied versions: %w", err)
	}

	if err := validateMigrationSequence(available, applied); err != nil {
		return nil, fmt.Errorf("migration sequence validation failed: %w", err)
	}

	appliedMap := make(map[string]bool, len(applied))
	for _, migration := range applied {
		appliedMap[migration.Version] = true
	}

	var pending []Migration
	for _, migration := range available {
		if !appliedMap[migration.Version] {
			pending = append(pending, migration)
		}
	}
	return pending, nil
}

// GetMigrationStatus returns status information about migrations
func (m *migrationManagerImpl) GetMigrationStatus(ctx context.Context) (*MigrationStatus, error) {
	pending, err := m.GetPendingMigrations(ctx)
	if err != nil {
		return nil, err
	}

	applied, err := m.executor.GetAppliedVersions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	currentVersion := ""
	maxVersion := -1
	for _, migration := range applied {
		if version, err := strconv.Atoi(migration.Version); err == nil && version > maxVersion {
			maxVersion = version
			currentVersion = migration.Version
		}
	}

	return &MigrationStatus{
		CurrentVersion:    currentVersion,
		PendingCount:      len(pending),
		AppliedMigrations: applied,
		PendingMigrations: pending,
	}, nil
}

// validateMigrationSequence ensures available versions are contiguous and
// every applied version still has a file.
func validateMigrationSequence(available []Migration, applied []AppliedMigration) error {
	availableMap := make(map[int]bool, len(available))
	minVersion, maxVersion := 0, 0
	for i, migration := range available {
		version, err := strconv.Atoi(migration.Version)
		if err != nil {
			return fileError(migration.Version, migration.FilePath, "validate sequence",
				fmt.Errorf("%w: version '%s' is not numeric", ErrInvalidVersion, migration.Version))
		}
		availableMap[version] = true
		if i == 0 || version < minVersion {
			minVersion = version
		}
		if i == 0 || version > maxVersion {
			maxVersion = version
		}
	}

	if len(available) > 0 {
		for version := minVersion; version <= maxVersion; version++ {
			if !availableMap[version] {
				return fmt.Errorf("%w: missing migration version %03d in sequence", ErrVersionConflict, version)
			}
		}
	}

	for _, migration := range applied {
		version, err := strconv.Atoi(migration.Version)
		if err != nil {
			return dbError(migration.Version, "validate sequence",
				fmt.Errorf("%w: applied version '%s' is not numeric", ErrInvalidVersion, migration.Version))
		}
		if !availableMap[version] {
			return fmt.Errorf("%w: applied migration %03d not found in available migrations",
				ErrVersionConflict, version)
		}
	}

	return nil
}
