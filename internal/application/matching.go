package application

import "time"

// DefaultStalenessThreshold is how long a heartbeat keeps a doctor eligible.
const DefaultStalenessThreshold = 30 * time.Second

// Matcher selects doctors for incoming patients.
type Matcher struct {
	// Threshold is the maximum heartbeat age, exclusive, for an eligible doctor.
	Threshold time.Duration
}

// NewMatcher returns a matcher using threshold, or the default when threshold is not positive.
func NewMatcher(threshold time.Duration) Matcher {
	if threshold <= 0 {
		threshold = DefaultStalenessThreshold
	}
	return Matcher{Threshold: threshold}
}

// IsEligible reports whether the doctor may be assigned a new patient at now.
func (m Matcher) IsEligible(doctor Doctor, now time.Time) bool {
	return doctor.Approved &&
		!doctor.Blocked &&
		doctor.Status == DoctorActive &&
		!doctor.Busy &&
		now.Sub(doctor.LastActiveTime) < m.Threshold
}

// Find returns the first eligible doctor in slice order that is not excluded.
func (m Matcher) Find(doctors []Doctor, now time.Time, excluding map[string]struct{}) (Doctor, bool) {
	for _, doctor := range doctors {
		if _, skip := excluding[doctor.ID]; skip {
			continue
		}
		if m.IsEligible(doctor, now) {
			return doctor, true
		}
	}
	return Doctor{}, false
}

// IsEligible applies the default matcher.
func IsEligible(doctor Doctor, now time.Time) bool {
	return NewMatcher(DefaultStalenessThreshold).IsEligible(doctor, now)
}

// FindAvailableDoctor applies the default matcher. It performs no I/O.
func FindAvailableDoctor(doctors []Doctor, now time.Time, excluding map[string]struct{}) (Doctor, bool) {
	return NewMatcher(DefaultStalenessThreshold).Find(doctors, now, excluding)
}
