package migration

import (
	"errors"
	"fmt"
)

var (
	ErrMigrationFailed      = errors.New("migration: execution failed")
	ErrInvalidMigrationFile = errors.New("migration: invalid file")
	// ErrVersionConflict means the applied history and the embedded files disagree.
	ErrVersionConflict  = errors.New("migration: version conflict")
	ErrInvalidVersion   = errors.New("migration: invalid version")
	ErrDuplicateVersion = errors.New("migration: duplicate version")
)

// StepError records which migration step failed. Source is the file name for
// scan and parse failures and empty for database failures.
type StepError struct {
	Version string
	Source  string
	Step    string
	Err     error
}

func (e *StepError) Error() string {
	switch {
	case e.Version != "" && e.Source != "":
		return fmt.Sprintf("migration %s (%s): %s: %v", e.Version, e.Source, e.Step, e.Err)
	case e.Version != "":
		return fmt.Sprintf("migration %s: %s: %v", e.Version, e.Step, e.Err)
	case e.Source != "":
		return fmt.Sprintf("migration (%s): %s: %v", e.Source, e.Step, e.Err)
	default:
		return fmt.Sprintf("migration: %s: %v", e.Step, e.Err)
	}
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func fileError(version, source, step string, err error) *StepError {
	return &StepError{Version: version, Source: source, Step: step, Err: err}
}

func dbError(version, step string, err error) *StepError {
	return &StepError{Version: version, Step: step, Err: err}
}
