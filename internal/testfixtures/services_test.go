package testfixtures

import (
	"context"
	"testing"

	"github.com/example/teleconsult/internal/application"
)

func TestServiceFactoryNewConsultation(t *testing.T) {
	factory := NewServiceFactory()
	doctor := NewDoctorFixture(WithDoctorID("doctor-x"))
	patient := application.Principal{UserID: "patient-x", Role: application.RolePatient}

	c := factory.NewConsultation(nil, doctor)

	result, err := c.Service.RequestConsultation(context.Background(), application.RequestConsultationParams{
		Principal: patient,
		Symptoms:  "cough",
	})
	if err != nil {
		t.Fatalf("RequestConsultation returned error: %v", err)
	}

	if result.Session.ID != "session-1" {
		t.Fatalf("expected generated ID session-1, got %q", result.Session.ID)
	}
	if !result.Session.StartTime.Equal(factory.Clock.Now()) {
		t.Fatalf("expected timestamp %v, got %v", factory.Clock.Now(), result.Session.StartTime)
	}
	stored, ok := c.Doctors.Doctor("doctor-x")
	if !ok || stored.ActiveSessionID != "session-1" {
		t.Fatalf("expected doctor locked to session-1, got %+v", stored)
	}
}

func TestDoctorFixtureConversions(t *testing.T) {
	locked := NewDoctorFixture(WithDoctorLockedTo("session-9"))
	if app := locked.Application(); !app.Busy || app.ActiveSessionID != "session-9" {
		t.Fatalf("unexpected application doctor %+v", app)
	}
	if row := locked.Persistence(); !row.Busy || row.ActiveSessionID == nil || *row.ActiveSessionID != "session-9" {
		t.Fatalf("unexpected persistence doctor %+v", row)
	}

	idle := NewDoctorFixture()
	if row := idle.Persistence(); row.Busy || row.ActiveSessionID != nil {
		t.Fatalf("expected unlocked row, got %+v", row)
	}
	if !application.IsEligible(idle.Application(), ReferenceTime()) {
		t.Fatal("expected default fixture to be eligible at ReferenceTime")
	}
}
