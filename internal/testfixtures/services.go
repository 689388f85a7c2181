package testfixtures

import (
	"log/slog"
	"time"

	"github.com/example/teleconsult/internal/application"
)

// ServiceFactory assists tests with constructing application services using
// deterministic identifiers and clocks.
type ServiceFactory struct {
	Clock       *Clock
	IDGenerator *IDGenerator
}

// ServiceFactoryOption configures a ServiceFactory instance.
type ServiceFactoryOption func(*ServiceFactory)

// NewServiceFactory constructs a ServiceFactory with defaults.
func NewServiceFactory(opts ...ServiceFactoryOption) *ServiceFactory {
	factory := &ServiceFactory{
		Clock:       NewClock(time.Time{}),
		IDGenerator: NewIDGenerator("session"),
	}
	for _, opt := range opts {
		opt(factory)
	}
	if factory.Clock == nil {
		factory.Clock = NewClock(time.Time{})
	}
	if factory.IDGenerator == nil {
		factory.IDGenerator = NewIDGenerator("session")
	}
	return factory
}

// WithClock overrides the clock used by the factory.
func WithClock(clock *Clock) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.Clock = clock
	}
}

// WithIDGenerator overrides the identifier generator used by the factory.
func WithIDGenerator(generator *IDGenerator) ServiceFactoryOption {
	return func(factory *ServiceFactory) {
		factory.IDGenerator = generator
	}
}

// DoctorRegistryDeps captures dependencies for constructing a doctor registry.
type DoctorRegistryDeps struct {
	Doctors  application.DoctorStore
	Notifier application.ChangeNotifier
	Presence application.PresenceDirectory
	Now      func() time.Time
	Logger   *slog.Logger
}

// NewDoctorRegistry builds a registry using the supplied dependencies combined
// with the factory clock.
func (f *ServiceFactory) NewDoctorRegistry(deps DoctorRegistryDeps) *application.DoctorRegistry {
	now := deps.Now
	if now == nil {
		now = f.Clock.NowFunc()
	}
	return application.NewDoctorRegistryWithLogger(deps.Doctors, deps.Notifier, deps.Presence, now, deps.Logger)
}

// NewSessionService builds a session service, filling the identifier
// generator and clock from the factory when unset.
func (f *ServiceFactory) NewSessionService(deps application.SessionServiceDeps) *application.SessionService {
	if deps.IDGenerator == nil {
		deps.IDGenerator = f.IDGenerator.NextFunc()
	}
	if deps.Now == nil {
		deps.Now = f.Clock.NowFunc()
	}
	return application.NewSessionService(deps)
}

// Consultation bundles a registry and session service over shared stores.
type Consultation struct {
	Doctors  *MemoryDoctorStore
	Sessions *MemorySessionStore
	Registry *application.DoctorRegistry
	Service  *application.SessionService
}

// NewConsultation wires in-memory stores, a registry and a session service
// seeded with doctors.
func (f *ServiceFactory) NewConsultation(notifier application.ChangeNotifier, doctors ...DoctorFixture) *Consultation {
	doctorStore := NewMemoryDoctorStore()
	for _, doctor := range doctors {
		doctorStore.Put(doctor.Application())
	}
	sessionStore := NewMemorySessionStore()
	registry := f.NewDoctorRegistry(DoctorRegistryDeps{Doctors: doctorStore, Notifier: notifier})
	service := f.NewSessionService(application.SessionServiceDeps{
		Sessions: sessionStore,
		Registry: registry,
		Notifier: notifier,
	})
	return &Consultation{
		Doctors:  doctorStore,
		Sessions: sessionStore,
		Registry: registry,
		Service:  service,
	}
}
