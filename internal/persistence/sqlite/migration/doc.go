// Package migration applies versioned SQL schema files to a SQLite database.
//
// Migration files are read from an fs.FS (usually an embed.FS compiled into
// the binary) and must follow the naming convention
// {version}_{description}.sql, for example "001_initial_schema.sql".
//
// Applied versions are tracked in a schema_migrations table, so running the
// manager repeatedly only executes files that have not been applied yet. Each
// file executes inside its own transaction.
//
// Example usage:
//
//	manager := NewMigrationManager(NewFileScanner(), NewSQLiteExecutor(db), migrationsFS, logger)
//	if err := manager.RunMigrations(ctx); err != nil {
//		return fmt.Errorf("migrate: %w", err)
//	}
package migration
