package heartbeat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/teleconsult/internal/testfixtures"
)

type fakeBackend struct {
	mu        sync.Mutex
	connects  int
	beats     []time.Time
	signOffs  []string
	beatErr   error
	clock     *testfixtures.Clock
	leaseSeed string
}

func (b *fakeBackend) Connect(ctx context.Context, doctorID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	return b.leaseSeed + doctorID, nil
}

func (b *fakeBackend) Beat(ctx context.Context, doctorID, leaseID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.beatErr != nil {
		return b.beatErr
	}
	b.beats = append(b.beats, b.clock.Now())
	return nil
}

func (b *fakeBackend) SignOff(ctx context.Context, doctorID, leaseID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.signOffs = append(b.signOffs, leaseID)
	return nil
}

func (b *fakeBackend) beatCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.beats)
}

func newEmitterHarness(t *testing.T) (*fakeBackend, *testfixtures.ManualScheduler, *[]Status, *Emitter) {
	t.Helper()
	clock := testfixtures.NewClock(time.Time{})
	backend := &fakeBackend{clock: clock, leaseSeed: "lease-"}
	sched := testfixtures.NewManualScheduler(clock)
	var statuses []Status
	emitter, err := New(backend, sched, Config{
		DoctorID:           "doctor-1",
		Interval:           10 * time.Second,
		StalenessThreshold: 30 * time.Second,
		OnBeat:             func(s Status) { statuses = append(statuses, s) },
	})
	require.NoError(t, err)
	return backend, sched, &statuses, emitter
}

func TestNewRejectsIntervalAtOrAboveThreshold(t *testing.T) {
	clock := testfixtures.NewClock(time.Time{})
	sched := testfixtures.NewManualScheduler(clock)
	backend := &fakeBackend{clock: clock}

	for _, interval := range []time.Duration{30 * time.Second, 45 * time.Second, 0} {
		_, err := New(backend, sched, Config{DoctorID: "doctor-1", Interval: interval, StalenessThreshold: 30 * time.Second})
		assert.ErrorIs(t, err, ErrIntervalTooLong, "interval %s", interval)
	}

	_, err := New(backend, sched, Config{Interval: time.Second, StalenessThreshold: 30 * time.Second})
	assert.Error(t, err)
}

func TestEmitterBeatsImmediatelyAndPeriodically(t *testing.T) {
	backend, sched, statuses, emitter := newEmitterHarness(t)
	ctx := context.Background()

	require.NoError(t, emitter.Start(ctx))
	assert.True(t, emitter.Running())
	assert.Equal(t, 1, backend.connects)
	assert.Equal(t, 1, backend.beatCount())
	assert.Equal(t, []string{"heartbeat:doctor-1"}, sched.Names())

	sched.Advance(35 * time.Second)
	assert.Equal(t, 4, backend.beatCount())
	assert.Equal(t, []Status{StatusOnline, StatusOnline, StatusOnline, StatusOnline}, *statuses)

	assert.ErrorIs(t, emitter.Start(ctx), ErrAlreadyStarted)
}

func TestEmitterStopSignsOffAndCancelsBeats(t *testing.T) {
	backend, sched, statuses, emitter := newEmitterHarness(t)
	ctx := context.Background()

	require.NoError(t, emitter.Start(ctx))
	require.NoError(t, emitter.Stop(ctx))

	assert.False(t, emitter.Running())
	assert.Equal(t, []string{"lease-doctor-1"}, backend.signOffs)
	assert.Equal(t, StatusOffline, (*statuses)[len(*statuses)-1])
	assert.Zero(t, sched.Len())

	sched.Advance(time.Minute)
	assert.Equal(t, 1, backend.beatCount())

	require.NoError(t, emitter.Stop(ctx))
	assert.Len(t, backend.signOffs, 1)
}

func TestEmitterInitialBeatFailureReleasesLease(t *testing.T) {
	backend, sched, _, emitter := newEmitterHarness(t)
	backend.beatErr = errors.New("unreachable")

	err := emitter.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.beatErr)
	assert.False(t, emitter.Running())
	assert.Equal(t, []string{"lease-doctor-1"}, backend.signOffs)
	assert.Zero(t, sched.Len())
}

func TestEmitterReportsPeriodicFailures(t *testing.T) {
	clock := testfixtures.NewClock(time.Time{})
	backend := &fakeBackend{clock: clock}
	sched := testfixtures.NewManualScheduler(clock)
	var failures []error
	emitter, err := New(backend, sched, Config{
		DoctorID:           "doctor-1",
		Interval:           10 * time.Second,
		StalenessThreshold: 30 * time.Second,
		OnError:            func(err error) { failures = append(failures, err) },
	})
	require.NoError(t, err)
	require.NoError(t, emitter.Start(context.Background()))

	backend.mu.Lock()
	backend.beatErr = errors.New("timeout")
	backend.mu.Unlock()
	sched.Advance(20 * time.Second)

	assert.Len(t, failures, 2)
	assert.True(t, emitter.Running())
}
