package testfixtures

import (
	"context"
	"testing"
	"time"
)

func TestClockDefaultsToReferenceTime(t *testing.T) {
	clock := NewClock(time.Time{})
	if !clock.Now().Equal(ReferenceTime()) {
		t.Fatalf("expected ReferenceTime, got %v", clock.Now())
	}
}

func TestClockAdvanceAndSet(t *testing.T) {
	start := time.Date(2024, time.March, 14, 9, 26, 0, 0, time.UTC)
	clock := NewClock(start)

	updated := clock.Advance(90 * time.Minute)
	if !updated.Equal(start.Add(90 * time.Minute)) {
		t.Fatalf("advance returned %v", updated)
	}

	clock.Set(start.Add(2 * time.Hour))
	if got := clock.Now(); !got.Equal(start.Add(2 * time.Hour)) {
		t.Fatalf("expected %v, got %v", start.Add(2*time.Hour), got)
	}
	if got := clock.Ago(time.Minute); !got.Equal(start.Add(119 * time.Minute)) {
		t.Fatalf("expected Ago to subtract, got %v", got)
	}
}

func TestClockNowFunc(t *testing.T) {
	clock := NewClock(time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC))
	nowFn := clock.NowFunc()

	if got := nowFn(); !got.Equal(clock.Now()) {
		t.Fatalf("expected %v from NowFunc, got %v", clock.Now(), got)
	}

	clock.Advance(time.Minute)
	if got := nowFn(); !got.Equal(clock.Now()) {
		t.Fatalf("expected updated time %v, got %v", clock.Now(), got)
	}
}

func TestManualSchedulerRunsDueTasksInOrder(t *testing.T) {
	clock := NewClock(time.Time{})
	sched := NewManualScheduler(clock)

	var log []string
	fast, err := sched.Every("fast", 10*time.Second, func(context.Context) { log = append(log, "fast@"+clock.Now().Format("05")) })
	if err != nil {
		t.Fatalf("Every: %v", err)
	}
	if _, err := sched.Every("slow", 25*time.Second, func(context.Context) { log = append(log, "slow@"+clock.Now().Format("05")) }); err != nil {
		t.Fatalf("Every: %v", err)
	}

	sched.Advance(30 * time.Second)

	// ReferenceTime has 5 seconds past the minute.
	want := []string{"fast@15", "fast@25", "slow@30", "fast@35"}
	if len(log) != len(want) {
		t.Fatalf("unexpected runs %v", log)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Fatalf("unexpected runs %v, want %v", log, want)
		}
	}
	if !clock.Now().Equal(ReferenceTime().Add(30 * time.Second)) {
		t.Fatalf("expected clock at target, got %v", clock.Now())
	}

	fast.Stop()
	fast.Stop()
	if names := sched.Names(); len(names) != 1 || names[0] != "slow" {
		t.Fatalf("expected only slow to remain, got %v", names)
	}
}

func TestManualSchedulerStopCancelsContext(t *testing.T) {
	sched := NewManualScheduler(nil)
	var captured context.Context
	handle, err := sched.Every("probe", time.Second, func(ctx context.Context) { captured = ctx })
	if err != nil {
		t.Fatalf("Every: %v", err)
	}
	sched.RunAll()
	if captured == nil || captured.Err() != nil {
		t.Fatal("expected a live context while scheduled")
	}
	handle.Stop()
	if captured.Err() == nil {
		t.Fatal("expected context to be cancelled after Stop")
	}
	if _, err := sched.Every("bad", 0, func(context.Context) {}); err == nil {
		t.Fatal("expected error for zero interval")
	}
}
