package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/teleconsult/internal/persistence"
)

const doctorColumns = `id, name, email, approved, blocked, status, busy, last_active_time, active_session_id, created_at, updated_at`

// DoctorRepository implements persistence.DoctorRepository using SQLite
type DoctorRepository struct {
	pool   *ConnectionPool
	mapper *ErrorMapper
	retry  *RetryHelper
	now    func() time.Time
}

// NewDoctorRepository creates a new SQLite doctor repository
func NewDoctorRepository(pool *ConnectionPool) *DoctorRepository {
	return &DoctorRepository{
		pool:   pool,
		mapper: NewErrorMapper(),
		retry:  NewRetryHelper(DefaultRetryConfig()),
		now:    time.Now,
	}
}

// CreateDoctor stores a new doctor record.
func (r *DoctorRepository) CreateDoctor(ctx context.Context, doctor persistence.Doctor) error {
	if strings.TrimSpace(doctor.ID) == "" || strings.TrimSpace(doctor.Email) == "" {
		return persistence.ErrConstraintViolation
	}
	if doctor.Status == "" {
		doctor.Status = "INACTIVE"
	}

	now := r.now().UTC()
	if doctor.CreatedAt.IsZero() {
		doctor.CreatedAt = now
	}
	doctor.UpdatedAt = now

	query := `INSERT INTO doctors (` + doctorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.pool.DB().ExecContext(ctx, query,
		doctor.ID,
		doctor.Name,
		strings.ToLower(strings.TrimSpace(doctor.Email)),
		boolToInt(doctor.Approved),
		boolToInt(doctor.Blocked),
		doctor.Status,
		boolToInt(doctor.Busy),
		toMillis(doctor.LastActiveTime),
		nullableString(doctor.ActiveSessionID),
		toMillis(doctor.CreatedAt),
		toMillis(doctor.UpdatedAt),
	)
	if err != nil {
		return r.mapper.MapError(err)
	}
	return nil
}

// GetDoctor retrieves a doctor by ID.
func (r *DoctorRepository) GetDoctor(ctx context.Context, id string) (persistence.Doctor, error) {
	row := r.pool.DB().QueryRowContext(ctx, `SELECT `+doctorColumns+` FROM doctors WHERE id = ?`, id)
	doctor, err := scanDoctor(row)
	if err != nil {
		return persistence.Doctor{}, r.mapper.MapError(err)
	}
	return doctor, nil
}

// ListDoctors returns every doctor ordered by registration time, then ID.
func (r *DoctorRepository) ListDoctors(ctx context.Context) ([]persistence.Doctor, error) {
	rows, err := r.pool.DB().QueryContext(ctx, `SELECT `+doctorColumns+` FROM doctors ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var doctors []persistence.Doctor
	for rows.Next() {
		doctor, err := scanDoctor(rows)
		if err != nil {
			return nil, r.mapper.MapError(err)
		}
		doctors = append(doctors, doctor)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return doctors, nil
}

// UpdateDoctor merges the patch into the stored record and returns the result.
func (r *DoctorRepository) UpdateDoctor(ctx context.Context, id string, patch persistence.DoctorPatch) (persistence.Doctor, error) {
	sets := make([]string, 0, 7)
	args := make([]any, 0, 8)

	if patch.Approved != nil {
		sets = append(sets, "approved = ?")
		args = append(args, boolToInt(*patch.Approved))
	}
	if patch.Blocked != nil {
		sets = append(sets, "blocked = ?")
		args = append(args, boolToInt(*patch.Blocked))
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.Busy != nil {
		sets = append(sets, "busy = ?")
		args = append(args, boolToInt(*patch.Busy))
	}
	if patch.LastActiveTime != nil {
		sets = append(sets, "last_active_time = ?")
		args = append(args, toMillis(*patch.LastActiveTime))
	}
	if patch.ActiveSessionID != nil {
		if *patch.ActiveSessionID == "" {
			sets = append(sets, "active_session_id = NULL")
		} else {
			sets = append(sets, "active_session_id = ?")
			args = append(args, *patch.ActiveSessionID)
		}
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, toMillis(r.now().UTC()), id)

	query := `UPDATE doctors SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`

	var updated persistence.Doctor
	err := r.retry.WithRetry(ctx, func() error {
		return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
			result, err := tx.ExecContext(ctx, query, args...)
			if err != nil {
				return r.mapper.MapError(err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get rows affected: %w", err)
			}
			if affected == 0 {
				return persistence.ErrNotFound
			}
			updated, err = scanDoctor(tx.QueryRowContext(ctx, `SELECT `+doctorColumns+` FROM doctors WHERE id = ?`, id))
			return r.mapper.MapError(err)
		})
	})
	if err != nil {
		return persistence.Doctor{}, err
	}
	return updated, nil
}

// ClaimDoctor locks the doctor to sessionID with a compare-and-set on the busy flag.
func (r *DoctorRepository) ClaimDoctor(ctx context.Context, id, sessionID string) (persistence.Doctor, error) {
	if strings.TrimSpace(sessionID) == "" {
		return persistence.Doctor{}, persistence.ErrConstraintViolation
	}

	var claimed persistence.Doctor
	err := r.retry.WithRetry(ctx, func() error {
		return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
			result, err := tx.ExecContext(ctx,
				`UPDATE doctors SET busy = 1, active_session_id = ?, updated_at = ? WHERE id = ? AND busy = 0`,
				sessionID, toMillis(r.now().UTC()), id)
			if err != nil {
				return r.mapper.MapError(err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to get rows affected: %w", err)
			}

			current, err := scanDoctor(tx.QueryRowContext(ctx, `SELECT `+doctorColumns+` FROM doctors WHERE id = ?`, id))
			if err != nil {
				return r.mapper.MapError(err)
			}
			if affected == 0 {
				return persistence.ErrConflict
			}
			claimed = current
			return nil
		})
	})
	if err != nil {
		return persistence.Doctor{}, err
	}
	return claimed, nil
}

// ReleaseDoctor clears the lock when it is still held by sessionID. Releasing a
// doctor that holds another session, or none, leaves the record unchanged.
func (r *DoctorRepository) ReleaseDoctor(ctx context.Context, id, sessionID string) (persistence.Doctor, error) {
	var released persistence.Doctor
	err := r.retry.WithRetry(ctx, func() error {
		return r.pool.WithTransaction(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`UPDATE doctors SET busy = 0, active_session_id = NULL, updated_at = ? WHERE id = ? AND active_session_id = ?`,
				toMillis(r.now().UTC()), id, sessionID); err != nil {
				return r.mapper.MapError(err)
			}
			current, err := scanDoctor(tx.QueryRowContext(ctx, `SELECT `+doctorColumns+` FROM doctors WHERE id = ?`, id))
			if err != nil {
				return r.mapper.MapError(err)
			}
			released = current
			return nil
		})
	})
	if err != nil {
		return persistence.Doctor{}, err
	}
	return released, nil
}

// DeleteDoctor removes a doctor by ID.
func (r *DoctorRepository) DeleteDoctor(ctx context.Context, id string) error {
	result, err := r.pool.DB().ExecContext(ctx, `DELETE FROM doctors WHERE id = ?`, id)
	if err != nil {
		return r.mapper.MapError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

func scanDoctor(row rowScanner) (persistence.Doctor, error) {
	var (
		doctor                          persistence.Doctor
		approved, blocked, busy         int
		lastActive, createdAt, updateAt int64
		activeSession                   sql.NullString
	)
	err := row.Scan(
		&doctor.ID,
		&doctor.Name,
		&doctor.Email,
		&approved,
		&blocked,
		&doctor.Status,
		&busy,
		&lastActive,
		&activeSession,
		&createdAt,
		&updateAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.Doctor{}, persistence.ErrNotFound
		}
		return persistence.Doctor{}, err
	}
	doctor.Approved = approved != 0
	doctor.Blocked = blocked != 0
	doctor.Busy = busy != 0
	doctor.LastActiveTime = fromMillis(lastActive)
	doctor.ActiveSessionID = stringPtr(activeSession)
	doctor.CreatedAt = fromMillis(createdAt)
	doctor.UpdatedAt = fromMillis(updateAt)
	return doctor, nil
}
