package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/teleconsult/internal/persistence"
	"github.com/example/teleconsult/internal/persistence/sqlite/migration"
	_ "modernc.org/sqlite"
)

// ConnectionPool manages SQLite database connections with transaction support
type ConnectionPool struct {
	db     *sql.DB
	config migration.SQLiteConfig
}

// NewConnectionPool creates a new SQLite connection pool
func NewConnectionPool(config migration.SQLiteConfig) (*ConnectionPool, error) {
	connectionManager := migration.NewConnectionManager(config)

	db, err := connectionManager.GetConnection()
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &ConnectionPool{
		db:     db,
		config: config,
	}, nil
}

// DB returns the underlying database connection
func (cp *ConnectionPool) DB() *sql.DB {
	return cp.db
}

// Close closes the connection pool
func (cp *ConnectionPool) Close() error {
	if cp.db != nil {
		return cp.db.Close()
	}
	return nil
}

// Ping tests the database connection
func (cp *ConnectionPool) Ping(ctx context.Context) error {
	return cp.db.PingContext(ctx)
}

// TransactionFunc represents a function that executes within a transaction
type TransactionFunc func(tx *sql.Tx) error

// WithTransaction executes fn within a database transaction. The transaction
// is rolled back when fn returns an error or panics and committed otherwise.
func (cp *ConnectionPool) WithTransaction(ctx context.Context, fn TransactionFunc) error {
	tx, err := cp.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction failed (rollback error: %v): %w", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// errLocked marks a statement that lost the race for the SQLite write lock.
// Only these are retried.
var errLocked = errors.New("sqlite: database locked")

var driverErrorClasses = []struct {
	sentinel error
	markers  []string
}{
	{persistence.ErrDuplicate, []string{"UNIQUE constraint failed", "PRIMARY KEY constraint failed"}},
	{persistence.ErrConstraintViolation, []string{"CHECK constraint failed", "NOT NULL constraint failed", "FOREIGN KEY constraint failed"}},
	{errLocked, []string{"database is locked", "database table is locked", "SQLITE_BUSY"}},
}

// ErrorMapper translates driver errors into persistence sentinels. The driver
// only exposes its result codes through the message text.
type ErrorMapper struct{}

// NewErrorMapper returns a mapper.
func NewErrorMapper() *ErrorMapper {
	return &ErrorMapper{}
}

// MapError wraps err with the matching sentinel. Errors that already carry a
// persistence sentinel pass through unchanged.
func (em *ErrorMapper) MapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return persistence.ErrNotFound
	case isPersistenceSentinel(err), errors.Is(err, errLocked):
		return err
	}

	msg := err.Error()
	for _, class := range driverErrorClasses {
		for _, marker := range class.markers {
			if strings.Contains(msg, marker) {
				return fmt.Errorf("%w: %v", class.sentinel, err)
			}
		}
	}
	return err
}

func isPersistenceSentinel(err error) bool {
	return errors.Is(err, persistence.ErrNotFound) ||
		errors.Is(err, persistence.ErrDuplicate) ||
		errors.Is(err, persistence.ErrConstraintViolation) ||
		errors.Is(err, persistence.ErrConflict)
}

// RetryConfig bounds the backoff used while the write lock is contended.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig allows three retries between 50ms and 1s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
	}
}

// RetryHelper reruns writes that failed on a locked database.
type RetryHelper struct {
	config RetryConfig
	mapper *ErrorMapper
}

// NewRetryHelper returns a helper using config.
func NewRetryHelper(config RetryConfig) *RetryHelper {
	return &RetryHelper{config: config, mapper: NewErrorMapper()}
}

// RetryableFunc is one attempt of a write.
type RetryableFunc func() error

// WithRetry runs fn until it succeeds, fails with a non-lock error, ctx ends
// or the retries run out.
func (rh *RetryHelper) WithRetry(ctx context.Context, fn RetryableFunc) error {
	delay := rh.config.InitialDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = rh.mapper.MapError(fn())
		if !isRetryableError(err) {
			return err
		}
		if attempt == rh.config.MaxRetries {
			return fmt.Errorf("gave up after %d retries: %w", attempt, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(time.Duration(float64(delay)*rh.config.BackoffFactor), rh.config.MaxDelay)
	}
}

func isRetryableError(err error) bool {
	return err != nil && errors.Is(err, errLocked)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *value, Valid: true}
}

func stringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	s := value.String
	return &s
}

func timePtr(value sql.NullInt64) *time.Time {
	if !value.Valid {
		return nil
	}
	t := fromMillis(value.Int64)
	return &t
}

type rowScanner interface {
	Scan(dest ...any) error
}
