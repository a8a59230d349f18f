package scheduler

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"tg_monitor/internal/action"
	"tg_monitor/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type capturingSink struct {
	mu   sync.Mutex
	jobs []action.Job
}

func (s *capturingSink) EnqueueScheduled(job action.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
}

func (s *capturingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *capturingSink) last() action.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[len(s.jobs)-1]
}

func newTestScheduler(t *testing.T, start time.Time) (*Scheduler, *capturingSink, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: start}
	sink := &capturingSink{}
	return NewWithClock(sink, time.UTC, testLogger(), clock), sink, clock
}

func messageJob(cron string) model.ScheduledJob {
	return model.ScheduledJob{
		AccountOrdinal: 1,
		TargetChat:     100,
		Cron:           cron,
		Payload:        model.JobSendMessage,
		Message:        "gm",
		Enabled:        true,
	}
}

func TestAddRejectsInvalidJobs(t *testing.T) {
	s, _, _ := newTestScheduler(t, time.Now())

	tests := []struct {
		name string
		job  model.ScheduledJob
	}{
		{
			name: "invalid cron expression",
			job: model.ScheduledJob{
				AccountOrdinal: 1, TargetChat: 1, Cron: "not a cron",
				Payload: model.JobSendMessage, Message: "x",
			},
		},
		{
			name: "message job without text",
			job: model.ScheduledJob{
				AccountOrdinal: 1, TargetChat: 1, Cron: "* * * * *",
				Payload: model.JobSendMessage,
			},
		},
		{
			name: "message job without target chat",
			job: model.ScheduledJob{
				AccountOrdinal: 1, Cron: "* * * * *",
				Payload: model.JobSendMessage, Message: "x",
			},
		},
		{
			name: "unknown payload",
			job: model.ScheduledJob{
				AccountOrdinal: 1, Cron: "* * * * *", Payload: "reboot",
			},
		},
		{
			name: "missing account ordinal",
			job: model.ScheduledJob{
				Cron: "* * * * *", Payload: model.JobPause,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Add(tt.job); err == nil {
				t.Fatal("Add() accepted invalid job")
			}
		})
	}
}

// A daily 09:00 job fires exactly once per day, no matter how many ticks land
// inside the same minute.
func TestDailyJobFiresOncePerDay(t *testing.T) {
	day1 := time.Date(2026, 9, 1, 8, 59, 59, 0, time.UTC)
	s, sink, clock := newTestScheduler(t, day1)

	if _, err := s.Add(messageJob("0 9 * * *")); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	s.fire(clock.Now())
	if sink.count() != 0 {
		t.Fatalf("fired before 09:00, count = %d", sink.count())
	}

	for sec := 0; sec < 90; sec++ {
		clock.set(time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second))
		s.fire(clock.Now())
	}
	if sink.count() != 1 {
		t.Fatalf("fired %d times across the 09:00 minute, want 1", sink.count())
	}

	clock.set(time.Date(2026, 9, 2, 9, 0, 30, 0, time.UTC))
	s.fire(clock.Now())
	if sink.count() != 2 {
		t.Errorf("fired %d times after the second day, want 2", sink.count())
	}
}

// Fire times that passed while the process was down are skipped, not
// replayed one by one.
func TestMissedFiresAreSkipped(t *testing.T) {
	start := time.Date(2026, 9, 1, 0, 0, 30, 0, time.UTC)
	s, sink, clock := newTestScheduler(t, start)

	if _, err := s.Add(messageJob("* * * * *")); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	// Three scheduled minutes pass unobserved.
	clock.set(start.Add(3*time.Minute + 10*time.Second))
	s.fire(clock.Now())
	if sink.count() != 1 {
		t.Fatalf("fired %d times after downtime, want 1", sink.count())
	}

	// The following minute fires normally.
	clock.set(start.Add(4*time.Minute + 10*time.Second))
	s.fire(clock.Now())
	if sink.count() != 2 {
		t.Errorf("fired %d times, want 2", sink.count())
	}
}

func TestDisabledJobDoesNotFire(t *testing.T) {
	start := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	s, sink, clock := newTestScheduler(t, start)

	id, err := s.Add(messageJob("* * * * *"))
	if err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if err := s.SetEnabled(id, false); err != nil {
		t.Fatalf("SetEnabled() error: %v", err)
	}

	clock.set(start.Add(90 * time.Second))
	s.fire(clock.Now())
	if sink.count() != 0 {
		t.Errorf("disabled job fired %d times", sink.count())
	}
}

func TestJobDisablesItselfAtExecutionLimit(t *testing.T) {
	start := time.Date(2026, 9, 1, 0, 0, 30, 0, time.UTC)
	s, sink, clock := newTestScheduler(t, start)

	job := messageJob("* * * * *")
	job.MaxExecutions = 2
	id, err := s.Add(job)
	if err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	for i := 1; i <= 4; i++ {
		clock.set(start.Add(time.Duration(i)*time.Minute + 5*time.Second))
		s.fire(clock.Now())
		if sink.count() > 0 && sink.count() == i && i <= 2 {
			sink.last().OnDone(nil) // simulate successful send
		}
	}

	if sink.count() != 2 {
		t.Fatalf("fired %d times, want 2 before self-disable", sink.count())
	}
	for _, j := range s.List() {
		if j.ID == id {
			if j.Enabled {
				t.Error("job still enabled past its execution limit")
			}
			if j.ExecutionCount != 2 {
				t.Errorf("ExecutionCount = %d, want 2", j.ExecutionCount)
			}
		}
	}
}

func TestFailedRunDoesNotCountTowardLimit(t *testing.T) {
	start := time.Date(2026, 9, 1, 0, 0, 30, 0, time.UTC)
	s, sink, clock := newTestScheduler(t, start)

	job := messageJob("* * * * *")
	job.MaxExecutions = 1
	id, err := s.Add(job)
	if err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	clock.set(start.Add(time.Minute))
	s.fire(clock.Now())
	if sink.count() != 1 {
		t.Fatalf("fired %d times, want 1", sink.count())
	}
	sink.last().OnDone(io.ErrUnexpectedEOF)

	for _, j := range s.List() {
		if j.ID == id && (j.ExecutionCount != 0 || !j.Enabled) {
			t.Errorf("after failed run count=%d enabled=%v, want 0/true", j.ExecutionCount, j.Enabled)
		}
	}
}

func TestRestoreKeepsCounters(t *testing.T) {
	s, _, _ := newTestScheduler(t, time.Now())

	job := messageJob("* * * * *")
	job.ID = "persisted"
	job.ExecutionCount = 7
	if err := s.Restore(job); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}

	jobs := s.List()
	if len(jobs) != 1 || jobs[0].ID != "persisted" || jobs[0].ExecutionCount != 7 {
		t.Errorf("List() = %+v, want restored job with count 7", jobs)
	}
}

func TestAddAssignsID(t *testing.T) {
	s, _, _ := newTestScheduler(t, time.Now())
	id, err := s.Add(messageJob("* * * * *"))
	if err != nil {
		t.Fatalf("Add() error: %v", err)
	}
	if id == "" {
		t.Fatal("Add() returned empty id")
	}
	if err := s.Remove(id); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if err := s.Remove(id); err == nil {
		t.Fatal("Remove() of deleted job succeeded")
	}
}
