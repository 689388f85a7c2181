package application

import (
	"context"
	"time"
)

// ChangeNotifier fans record changes out to subscribers of a key. Subscribers
// are invoked synchronously in publish order.
type ChangeNotifier interface {
	Publish(key string, payload any)
	Subscribe(key string, fn func(payload any)) (unsubscribe func())
}

// NopNotifier discards every publication.
type NopNotifier struct{}

func (NopNotifier) Publish(string, any) {}

func (NopNotifier) Subscribe(string, func(any)) func() { return func() {} }

// DoctorKey is the change key carrying Doctor records.
func DoctorKey(id string) string { return "doctors/" + id }

// SessionKey is the change key carrying Session records.
func SessionKey(id string) string { return "sessions/" + id }

// ChatKey is the change key carrying new ChatMessage values for a session.
func ChatKey(id string) string { return SessionKey(id) + "/chat" }

// NoticeKey is the change key carrying Notice values for a session.
func NoticeKey(id string) string { return SessionKey(id) + "/notices" }

// NoticeKind labels a patient-facing notification about the consultation.
type NoticeKind string

const (
	NoticeReassigned        NoticeKind = "reassigned"
	NoticeNoDoctorAvailable NoticeKind = "no_doctor_available"
)

// Notice is a patient-facing notification published on NoticeKey.
type Notice struct {
	Kind       NoticeKind
	SessionID  string
	DoctorID   string
	DoctorName string
	Message    string
	At         time.Time
}

// EventPublisher forwards lifecycle events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher discards events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Observer receives counters about matching and session transitions.
type Observer interface {
	ObserveMatch(outcome string)
	ObserveSession(transition string)
}

// NopObserver discards observations.
type NopObserver struct{}

func (NopObserver) ObserveMatch(string)   {}
func (NopObserver) ObserveSession(string) {}

const (
	MatchOutcomeMatched       = "matched"
	MatchOutcomeNoDoctor      = "no_doctor"
	MatchOutcomeClaimConflict = "claim_conflict"
)
