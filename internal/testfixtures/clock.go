package testfixtures

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/teleconsult/internal/scheduler"
)

// Clock provides a controllable time source for tests.
type Clock struct {
	mu      sync.Mutex
	current time.Time
}

// NewClock returns a clock initialised to the supplied time. When start is the
// zero value, the shared ReferenceTime is used.
func NewClock(start time.Time) *Clock {
	if start.IsZero() {
		start = ReferenceTime()
	}
	return &Clock{current: start}
}

// Now returns the current instant tracked by the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NowFunc exposes Now as a function suitable for dependency injection.
func (c *Clock) NowFunc() func() time.Time {
	if c == nil {
		return time.Now
	}
	return c.Now
}

// Set updates the clock to the provided time.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	c.current = t
	c.mu.Unlock()
}

// Advance moves the clock forward by the provided duration and returns the
// updated time.
func (c *Clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	c.current = c.current.Add(d)
	updated := c.current
	c.mu.Unlock()
	return updated
}

// Ago returns the instant d before the current clock time, handy for seeding
// heartbeat timestamps.
func (c *Clock) Ago(d time.Duration) time.Time {
	return c.Now().Add(-d)
}

// ManualScheduler is a scheduler.Scheduler driven by a Clock. Tasks only run
// when the test advances time or triggers them explicitly.
type ManualScheduler struct {
	clock *Clock

	mu    sync.Mutex
	next  int
	tasks map[int]*manualTask
}

type manualTask struct {
	id       int
	name     string
	interval time.Duration
	due      time.Time
	run      scheduler.Task
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewManualScheduler returns a scheduler bound to clock.
func NewManualScheduler(clock *Clock) *ManualScheduler {
	if clock == nil {
		clock = NewClock(time.Time{})
	}
	return &ManualScheduler{clock: clock, tasks: make(map[int]*manualTask)}
}

// Every registers task to run each time interval elapses on the clock.
func (s *ManualScheduler) Every(name string, interval time.Duration, task scheduler.Task) (scheduler.Handle, error) {
	if interval <= 0 {
		return nil, scheduler.ErrInvalidInterval
	}
	if task == nil {
		return nil, errors.New("testfixtures: nil task")
	}
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	t := &manualTask{
		id:       s.next,
		name:     name,
		interval: interval,
		due:      s.clock.Now().Add(interval),
		run:      task,
		ctx:      ctx,
		cancel:   cancel,
	}
	s.tasks[t.id] = t
	return manualHandle{scheduler: s, id: t.id}, nil
}

// Advance moves the clock forward by d, running every task whose due time is
// reached on the way in chronological order.
func (s *ManualScheduler) Advance(d time.Duration) {
	target := s.clock.Now().Add(d)
	for {
		task := s.nextDue(target)
		if task == nil {
			break
		}
		s.clock.Set(task.due)
		s.mu.Lock()
		task.due = task.due.Add(task.interval)
		s.mu.Unlock()
		task.run(task.ctx)
	}
	s.clock.Set(target)
}

// RunAll runs every registered task once at the current clock time.
func (s *ManualScheduler) RunAll() {
	s.mu.Lock()
	tasks := s.sortedLocked()
	s.mu.Unlock()
	for _, task := range tasks {
		if task.ctx.Err() == nil {
			task.run(task.ctx)
		}
	}
}

// Len reports the number of scheduled tasks.
func (s *ManualScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Names lists the scheduled task names in registration order.
func (s *ManualScheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tasks := s.sortedLocked()
	names := make([]string, 0, len(tasks))
	for _, task := range tasks {
		names = append(names, task.name)
	}
	return names
}

func (s *ManualScheduler) nextDue(target time.Time) *manualTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var earliest *manualTask
	for _, task := range s.sortedLocked() {
		if task.due.After(target) {
			continue
		}
		if earliest == nil || task.due.Before(earliest.due) {
			earliest = task
		}
	}
	return earliest
}

func (s *ManualScheduler) sortedLocked() []*manualTask {
	tasks := make([]*manualTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].id < tasks[j].id })
	return tasks
}

type manualHandle struct {
	scheduler *ManualScheduler
	id        int
}

func (h manualHandle) Stop() {
	h.scheduler.mu.Lock()
	defer h.scheduler.mu.Unlock()
	if task, ok := h.scheduler.tasks[h.id]; ok {
		task.cancel()
		delete(h.scheduler.tasks, h.id)
	}
}
