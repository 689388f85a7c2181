package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/example/teleconsult/internal/persistence"
)

// DoctorStore captures the persistence operations needed by the registry.
type DoctorStore interface {
	CreateDoctor(ctx context.Context, doctor Doctor) (Doctor, error)
	GetDoctor(ctx context.Context, id string) (Doctor, error)
	ListDoctors(ctx context.Context) ([]Doctor, error)
	UpdateDoctor(ctx context.Context, id string, patch DoctorPatch) (Doctor, error)
	ClaimDoctor(ctx context.Context, id, sessionID string) (Doctor, error)
	ReleaseDoctor(ctx context.Context, id, sessionID string) (Doctor, error)
	DeleteDoctor(ctx context.Context, id string) error
}

// PresenceDirectory forgets liveness markers for doctors removed from the directory.
type PresenceDirectory interface {
	Forget(doctorID string)
}

// DoctorRegistry is the single entry point for doctor record reads and writes.
// Every successful write is published on the doctor's change key.
type DoctorRegistry struct {
	doctors  DoctorStore
	notifier ChangeNotifier
	presence PresenceDirectory
	now      func() time.Time
	logger   *slog.Logger
}

// NewDoctorRegistry constructs a registry with the provided dependencies.
func NewDoctorRegistry(doctors DoctorStore, notifier ChangeNotifier, now func() time.Time) *DoctorRegistry {
	return NewDoctorRegistryWithLogger(doctors, notifier, nil, now, nil)
}

// NewDoctorRegistryWithLogger constructs a registry with a presence directory and logger.
func NewDoctorRegistryWithLogger(doctors DoctorStore, notifier ChangeNotifier, presence PresenceDirectory, now func() time.Time, logger *slog.Logger) *DoctorRegistry {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if now == nil {
		now = time.Now
	}
	return &DoctorRegistry{
		doctors:  doctors,
		notifier: notifier,
		presence: presence,
		now:      now,
		logger:   defaultLogger(logger),
	}
}

func (r *DoctorRegistry) loggerWith(ctx context.Context, operation string, attrs ...any) *slog.Logger {
	return serviceLogger(ctx, r.logger, "DoctorRegistry", operation, attrs...)
}

// ListDoctors returns every doctor in registry iteration order.
func (r *DoctorRegistry) ListDoctors(ctx context.Context) ([]Doctor, error) {
	doctors, err := r.doctors.ListDoctors(ctx)
	if err != nil {
		return nil, mapDoctorRepoError(err)
	}
	return doctors, nil
}

// GetDoctor reads a single doctor. A missing record is reported through the
// boolean rather than as an error.
func (r *DoctorRegistry) GetDoctor(ctx context.Context, id string) (Doctor, bool, error) {
	doctor, err := r.doctors.GetDoctor(ctx, id)
	if err != nil {
		err = mapDoctorRepoError(err)
		if errors.Is(err, ErrNotFound) {
			return Doctor{}, false, nil
		}
		return Doctor{}, false, err
	}
	return doctor, true, nil
}

// UpdateDoctor merges the patch into the stored doctor and publishes the result.
func (r *DoctorRegistry) UpdateDoctor(ctx context.Context, id string, patch DoctorPatch) (Doctor, error) {
	doctor, err := r.doctors.UpdateDoctor(ctx, id, patch.normalize())
	if err != nil {
		return Doctor{}, mapDoctorRepoError(err)
	}
	r.notifier.Publish(DoctorKey(id), doctor)
	return doctor, nil
}

// WatchDoctor invokes fn with the new record after every write to the doctor
// until the returned function is called.
func (r *DoctorRegistry) WatchDoctor(id string, fn func(Doctor)) (unsubscribe func()) {
	return r.notifier.Subscribe(DoctorKey(id), func(payload any) {
		if doctor, ok := payload.(Doctor); ok {
			fn(doctor)
		}
	})
}

// ClaimDoctor locks the doctor to sessionID only while the doctor is unlocked.
func (r *DoctorRegistry) ClaimDoctor(ctx context.Context, id, sessionID string) (Doctor, error) {
	doctor, err := r.doctors.ClaimDoctor(ctx, id, sessionID)
	if err != nil {
		return Doctor{}, mapDoctorRepoError(err)
	}
	r.notifier.Publish(DoctorKey(id), doctor)
	return doctor, nil
}

// ReleaseDoctor clears the doctor lock when it is still held by sessionID.
func (r *DoctorRegistry) ReleaseDoctor(ctx context.Context, id, sessionID string) (Doctor, error) {
	doctor, err := r.doctors.ReleaseDoctor(ctx, id, sessionID)
	if err != nil {
		return Doctor{}, mapDoctorRepoError(err)
	}
	r.notifier.Publish(DoctorKey(id), doctor)
	return doctor, nil
}

// MarkAlive records a heartbeat.
func (r *DoctorRegistry) MarkAlive(ctx context.Context, id string) (Doctor, error) {
	now := r.now()
	status := DoctorActive
	return r.UpdateDoctor(ctx, id, DoctorPatch{Status: &status, LastActiveTime: &now})
}

// MarkOffline records that the doctor went away, which also drops any lock.
func (r *DoctorRegistry) MarkOffline(ctx context.Context, id string) (Doctor, error) {
	status := DoctorInactive
	busy := false
	return r.UpdateDoctor(ctx, id, DoctorPatch{Status: &status, Busy: &busy})
}

// RegisterDoctor adds an unapproved doctor to the directory.
func (r *DoctorRegistry) RegisterDoctor(ctx context.Context, params RegisterDoctorParams) (doctor Doctor, err error) {
	logger := r.loggerWith(ctx, "RegisterDoctor", "principal_id", params.Principal.UserID)
	defer func() {
		logOutcome(ctx, logger, err, "failed to register doctor", "doctor registered", "doctor_id", doctor.ID)
	}()

	if !params.Principal.IsAdmin() && !(params.Principal.Role == RoleDoctor && params.Principal.UserID == params.ID) {
		err = ErrUnauthorized
		return
	}

	vErr := validateRegisterDoctor(params)
	if vErr.HasErrors() {
		err = vErr
		return
	}

	now := r.now()
	doctor, err = r.doctors.CreateDoctor(ctx, Doctor{
		ID:        strings.TrimSpace(params.ID),
		Name:      strings.TrimSpace(params.Name),
		Email:     strings.ToLower(strings.TrimSpace(params.Email)),
		Status:    DoctorInactive,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		err = mapDoctorRepoError(err)
		return
	}
	r.notifier.Publish(DoctorKey(doctor.ID), doctor)
	return
}

// ApproveDoctor allows the doctor to receive patients.
func (r *DoctorRegistry) ApproveDoctor(ctx context.Context, principal Principal, id string) (Doctor, error) {
	approved, blocked := true, false
	return r.adminUpdate(ctx, principal, "ApproveDoctor", id, DoctorPatch{Approved: &approved, Blocked: &blocked})
}

// BlockDoctor removes the doctor from matching and drops any lock.
func (r *DoctorRegistry) BlockDoctor(ctx context.Context, principal Principal, id string) (Doctor, error) {
	approved, blocked, busy := false, true, false
	status := DoctorInactive
	return r.adminUpdate(ctx, principal, "BlockDoctor", id, DoctorPatch{
		Approved: &approved,
		Blocked:  &blocked,
		Status:   &status,
		Busy:     &busy,
	})
}

// UnblockDoctor lifts a block and approves the doctor again.
func (r *DoctorRegistry) UnblockDoctor(ctx context.Context, principal Principal, id string) (Doctor, error) {
	approved, blocked := true, false
	return r.adminUpdate(ctx, principal, "UnblockDoctor", id, DoctorPatch{Approved: &approved, Blocked: &blocked})
}

// RemoveDoctor permanently deletes the doctor record and its liveness marker.
func (r *DoctorRegistry) RemoveDoctor(ctx context.Context, principal Principal, id string) (err error) {
	logger := r.loggerWith(ctx, "RemoveDoctor", "principal_id", principal.UserID, "doctor_id", id)
	defer func() {
		logOutcome(ctx, logger, err, "failed to remove doctor", "doctor removed")
	}()

	if !principal.IsAdmin() {
		err = ErrUnauthorized
		return
	}
	if err = r.doctors.DeleteDoctor(ctx, id); err != nil {
		err = mapDoctorRepoError(err)
		return
	}
	if r.presence != nil {
		r.presence.Forget(id)
	}
	return nil
}

func (r *DoctorRegistry) adminUpdate(ctx context.Context, principal Principal, operation, id string, patch DoctorPatch) (doctor Doctor, err error) {
	logger := r.loggerWith(ctx, operation, "principal_id", principal.UserID, "doctor_id", id)
	defer func() {
		logOutcome(ctx, logger, err, "failed to update doctor", "doctor updated")
	}()

	if !principal.IsAdmin() {
		err = ErrUnauthorized
		return
	}
	doctor, err = r.UpdateDoctor(ctx, id, patch)
	return
}

func validateRegisterDoctor(params RegisterDoctorParams) *ValidationError {
	vErr := &ValidationError{}
	if strings.TrimSpace(params.ID) == "" {
		vErr.add("id", "id is required")
	}
	if strings.TrimSpace(params.Name) == "" {
		vErr.add("name", "name is required")
	}
	email := strings.TrimSpace(params.Email)
	if email == "" {
		vErr.add("email", "email is required")
	} else if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		vErr.add("email", "email must be a valid address")
	}
	return vErr
}

func mapDoctorRepoError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDoctorUnavailable), errors.Is(err, ErrAlreadyExists):
		return err
	case errors.Is(err, persistence.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, persistence.ErrConflict):
		return ErrDoctorUnavailable
	case errors.Is(err, persistence.ErrDuplicate):
		return ErrAlreadyExists
	case errors.Is(err, persistence.ErrConstraintViolation):
		vErr := &ValidationError{}
		vErr.add("doctor", "update violates doctor record constraints")
		return vErr
	}
	return fmt.Errorf("doctor store: %w", err)
}
