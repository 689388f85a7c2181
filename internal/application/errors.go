package application

import (
	"errors"
	"sort"
	"strings"
)

var (
	// ErrUnauthorized is returned when the acting principal lacks permission for an operation.
	ErrUnauthorized = errors.New("application: unauthorized")
	// ErrNotFound is returned when the requested resource does not exist.
	ErrNotFound = errors.New("application: not found")
	// ErrAlreadyExists is returned when a doctor with the same identity or email is already registered.
	ErrAlreadyExists = errors.New("application: already exists")
	// ErrNoDoctorAvailable is returned when matching finds no eligible doctor. Callers should try again later.
	ErrNoDoctorAvailable = errors.New("application: no doctor available")
	// ErrDoctorUnavailable is returned when a doctor lock is already held by another session.
	ErrDoctorUnavailable = errors.New("application: doctor unavailable")
	// ErrSessionClosed is returned when a write targets a completed consultation.
	ErrSessionClosed = errors.New("application: session closed")
	// ErrDoctorReleaseFailed is returned when a consultation completed but the doctor lock could not be cleared.
	ErrDoctorReleaseFailed = errors.New("application: doctor release failed")
)

// ValidationError captures field level validation issues that callers can surface to users.
type ValidationError struct {
	FieldErrors map[string]string
}

// Error implements the error interface.
func (v *ValidationError) Error() string {
	if v == nil {
		return ""
	}
	if len(v.FieldErrors) == 0 {
		return "validation failed"
	}
	fields := make([]string, 0, len(v.FieldErrors))
	for field := range v.FieldErrors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	return "validation failed: " + strings.Join(fields, ", ")
}

// HasErrors reports whether any field level issues were recorded.
func (v *ValidationError) HasErrors() bool {
	return v != nil && len(v.FieldErrors) > 0
}

// add records a field level validation error.
func (v *ValidationError) add(field, message string) {
	if v.FieldErrors == nil {
		v.FieldErrors = make(map[string]string)
	}
	v.FieldErrors[field] = message
}
