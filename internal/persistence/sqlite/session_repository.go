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

const sessionColumns = `id, patient_id, patient_name, doctor_id, doctor_name, symptoms, emergency,
	start_time, end_time, status, bp, temp, sugar, spo2, health_updated_at,
	prescription, reassigned, created_at, updated_at`

// SessionRepository implements persistence.SessionRepository using SQLite
type SessionRepository struct {
	pool   *ConnectionPool
	mapper *ErrorMapper
	retry  *RetryHelper
	now    func() time.Time
}

// NewSessionRepository creates a new SQLite session repository
func NewSessionRepository(pool *ConnectionPool) *SessionRepository {
	return &SessionRepository{
		pool:   pool,
		mapper: NewErrorMapper(),
		retry:  NewRetryHelper(DefaultRetryConfig()),
		now:    time.Now,
	}
}

// CreateSession inserts a new consultation record.
func (r *SessionRepository) CreateSession(ctx context.Context, session persistence.Session) error {
	if session.ID == "" || session.PatientID == "" || session.DoctorID == "" {
		return persistence.ErrConstraintViolation
	}

	now := r.now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	var bp, temp, sugar, spo2 sql.NullString
	var healthUpdated sql.NullInt64
	if h := session.HealthData; h != nil {
		bp, temp, sugar, spo2 = nullableString(&h.BP), nullableString(&h.Temp), nullableString(&h.Sugar), nullableString(&h.SpO2)
		healthUpdated = sql.NullInt64{Int64: toMillis(h.UpdatedAt), Valid: true}
	}

	var endTime sql.NullInt64
	if session.EndTime != nil {
		endTime = sql.NullInt64{Int64: toMillis(*session.EndTime), Valid: true}
	}

	query := `INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.pool.DB().ExecContext(ctx, query,
		session.ID,
		session.PatientID,
		session.PatientName,
		session.DoctorID,
		session.DoctorName,
		nullableString(session.Symptoms),
		boolToInt(session.Emergency),
		toMillis(session.StartTime),
		endTime,
		session.Status,
		bp, temp, sugar, spo2,
		healthUpdated,
		nullableString(session.Prescription),
		boolToInt(session.Reassigned),
		toMillis(session.CreatedAt),
		toMillis(session.UpdatedAt),
	)
	return r.mapper.MapError(err)
}

// GetSession retrieves a consultation by ID.
func (r *SessionRepository) GetSession(ctx context.Context, id string) (persistence.Session, error) {
	if id == "" {
		return persistence.Session{}, persistence.ErrNotFound
	}
	row := r.pool.DB().QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if err != nil {
		return persistence.Session{}, r.mapper.MapError(err)
	}
	return session, nil
}

// UpdateSession merges the patch into the stored session and returns the result.
func (r *SessionRepository) UpdateSession(ctx context.Context, id string, patch persistence.SessionPatch) (persistence.Session, error) {
	sets := make([]string, 0, 12)
	args := make([]any, 0, 14)

	if patch.DoctorID != nil {
		sets = append(sets, "doctor_id = ?")
		args = append(args, *patch.DoctorID)
	}
	if patch.DoctorName != nil {
		sets = append(sets, "doctor_name = ?")
		args = append(args, *patch.DoctorName)
	}
	if patch.Emergency != nil {
		sets = append(sets, "emergency = ?")
		args = append(args, boolToInt(*patch.Emergency))
	}
	if h := patch.HealthData; h != nil {
		sets = append(sets, "bp = ?", "temp = ?", "sugar = ?", "spo2 = ?", "health_updated_at = ?")
		args = append(args, h.BP, h.Temp, h.Sugar, h.SpO2, toMillis(h.UpdatedAt))
	}
	if patch.Prescription != nil {
		sets = append(sets, "prescription = ?")
		args = append(args, *patch.Prescription)
	}
	if patch.EndTime != nil {
		sets = append(sets, "end_time = ?")
		args = append(args, toMillis(*patch.EndTime))
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.Reassigned != nil {
		sets = append(sets, "reassigned = ?")
		args = append(args, boolToInt(*patch.Reassigned))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, toMillis(r.now().UTC()), id)

	query := `UPDATE sessions SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`

	var updated persistence.Session
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
			updated, err = scanSession(tx.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
			return r.mapper.MapError(err)
		})
	})
	if err != nil {
		return persistence.Session{}, err
	}
	return updated, nil
}

// DeleteSession removes a consultation and its chat transcript.
func (r *SessionRepository) DeleteSession(ctx context.Context, id string) error {
	result, err := r.pool.DB().ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
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

// ListSessions returns sessions matching the filter, newest start time first.
func (r *SessionRepository) ListSessions(ctx context.Context, filter persistence.SessionFilter) ([]persistence.Session, error) {
	var (
		where []string
		args  []any
	)
	if filter.PatientID != "" {
		where = append(where, "patient_id = ?")
		args = append(args, filter.PatientID)
	}
	if filter.DoctorID != "" {
		where = append(where, "doctor_id = ?")
		args = append(args, filter.DoctorID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY start_time DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.pool.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var sessions []persistence.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, r.mapper.MapError(err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return sessions, nil
}

// AppendChatMessage adds a line to the session transcript and returns it with
// its assigned sequence number.
func (r *SessionRepository) AppendChatMessage(ctx context.Context, message persistence.ChatMessage) (persistence.ChatMessage, error) {
	if message.SessionID == "" || strings.TrimSpace(message.Text) == "" {
		return persistence.ChatMessage{}, persistence.ErrConstraintViolation
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = r.now().UTC()
	}

	result, err := r.pool.DB().ExecContext(ctx,
		`INSERT INTO chat_messages (session_id, role, text, timestamp) VALUES (?, ?, ?, ?)`,
		message.SessionID, message.Role, message.Text, toMillis(message.Timestamp))
	if err != nil {
		return persistence.ChatMessage{}, r.mapper.MapError(err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return persistence.ChatMessage{}, fmt.Errorf("failed to read chat sequence: %w", err)
	}
	message.Seq = seq
	message.Timestamp = fromMillis(toMillis(message.Timestamp))
	return message, nil
}

// ListChatMessages returns the transcript in arrival order.
func (r *SessionRepository) ListChatMessages(ctx context.Context, sessionID string) ([]persistence.ChatMessage, error) {
	rows, err := r.pool.DB().QueryContext(ctx,
		`SELECT seq, session_id, role, text, timestamp FROM chat_messages WHERE session_id = ? ORDER BY seq ASC`,
		sessionID)
	if err != nil {
		return nil, r.mapper.MapError(err)
	}
	defer rows.Close()

	var messages []persistence.ChatMessage
	for rows.Next() {
		var (
			message persistence.ChatMessage
			ts      int64
		)
		if err := rows.Scan(&message.Seq, &message.SessionID, &message.Role, &message.Text, &ts); err != nil {
			return nil, r.mapper.MapError(err)
		}
		message.Timestamp = fromMillis(ts)
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, r.mapper.MapError(err)
	}
	return messages, nil
}

func scanSession(row rowScanner) (persistence.Session, error) {
	var (
		session                         persistence.Session
		symptoms, prescription          sql.NullString
		bp, temp, sugar, spo2           sql.NullString
		emergency, reassigned           int
		startTime, createdAt, updatedAt int64
		endTime, healthUpdated          sql.NullInt64
	)
	err := row.Scan(
		&session.ID,
		&session.PatientID,
		&session.PatientName,
		&session.DoctorID,
		&session.DoctorName,
		&symptoms,
		&emergency,
		&startTime,
		&endTime,
		&session.Status,
		&bp, &temp, &sugar, &spo2,
		&healthUpdated,
		&prescription,
		&reassigned,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.Session{}, persistence.ErrNotFound
		}
		return persistence.Session{}, err
	}

	session.Symptoms = stringPtr(symptoms)
	session.Prescription = stringPtr(prescription)
	session.Emergency = emergency != 0
	session.Reassigned = reassigned != 0
	session.StartTime = fromMillis(startTime)
	session.EndTime = timePtr(endTime)
	session.CreatedAt = fromMillis(createdAt)
	session.UpdatedAt = fromMillis(updatedAt)
	if healthUpdated.Valid {
		session.HealthData = &persistence.HealthData{
			BP:        bp.String,
			Temp:      temp.String,
			Sugar:     sugar.String,
			SpO2:      spo2.String,
			UpdatedAt: fromMillis(healthUpdated.Int64),
		}
	}
	return session, nil
}
