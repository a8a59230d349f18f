// Package scheduler fires time-based jobs independent of message traffic.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"tg_monitor/internal/action"
	"tg_monitor/internal/model"
)

const tickInterval = time.Second

// Dispatcher accepts scheduler-injected jobs for execution.
type Dispatcher interface {
	EnqueueScheduled(job action.Job)
}

// Clock abstracts wall time for tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

type entry struct {
	job      model.ScheduledJob
	schedule cron.Schedule
	next     time.Time
}

// Scheduler evaluates cron expressions once per second and hands due jobs to
// the dispatcher. A job fires at most once per scheduled instant; fire times
// missed while the process was down are skipped, not replayed.
type Scheduler struct {
	sink  Dispatcher
	log   *slog.Logger
	clock Clock
	loc   *time.Location

	mu   sync.Mutex
	jobs map[string]*entry
}

// New creates a Scheduler evaluating expressions in the given location.
func New(sink Dispatcher, loc *time.Location, log *slog.Logger) *Scheduler {
	return NewWithClock(sink, loc, log, realClock{})
}

// NewWithClock creates a Scheduler with a substitutable clock.
func NewWithClock(sink Dispatcher, loc *time.Location, log *slog.Logger, clock Clock) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	return &Scheduler{
		sink:  sink,
		log:   log,
		clock: clock,
		loc:   loc,
		jobs:  make(map[string]*entry),
	}
}

// Start runs the tick loop until the context is canceled.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		t := time.NewTicker(tickInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.fire(s.clock.Now())
			}
		}
	}()
}

// Add validates and registers a job, returning its id.
func (s *Scheduler) Add(job model.ScheduledJob) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	job.ExecutionCount = 0
	if err := s.insert(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

// Restore re-registers a persisted job keeping its id and counters.
func (s *Scheduler) Restore(job model.ScheduledJob) error {
	if job.ID == "" {
		return fmt.Errorf("restored job has no id")
	}
	return s.insert(job)
}

func (s *Scheduler) insert(job model.ScheduledJob) error {
	if err := validate(&job); err != nil {
		return err
	}
	schedule, err := cron.ParseStandard(job.Cron)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", job.Cron, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = &entry{
		job:      job,
		schedule: schedule,
		next:     schedule.Next(s.clock.Now().In(s.loc)),
	}
	return nil
}

func validate(job *model.ScheduledJob) error {
	switch job.Payload {
	case model.JobSendMessage:
		if job.Message == "" {
			return fmt.Errorf("message job requires text")
		}
		if job.TargetChat == 0 {
			return fmt.Errorf("message job requires a target chat")
		}
	case model.JobPause, model.JobResume:
	default:
		return fmt.Errorf("unknown job payload %q", job.Payload)
	}
	if job.AccountOrdinal <= 0 {
		return fmt.Errorf("job requires an account ordinal")
	}
	if job.MaxExecutions < 0 {
		return fmt.Errorf("max executions must not be negative")
	}
	if job.RandomDelayMax < 0 {
		return fmt.Errorf("random delay must not be negative")
	}
	return nil
}

// Remove deletes a job.
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("job %s not found", id)
	}
	delete(s.jobs, id)
	return nil
}

// SetEnabled flips a job without touching its execution count.
func (s *Scheduler) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	e.job.Enabled = enabled
	if enabled {
		e.next = e.schedule.Next(s.clock.Now().In(s.loc))
	}
	return nil
}

// List returns the registered jobs in creation order.
func (s *Scheduler) List() []model.ScheduledJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ScheduledJob, 0, len(s.jobs))
	for _, e := range s.jobs {
		out = append(out, e.job)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// fire enqueues every enabled job whose next fire time has arrived, then
// advances the fire time past now so the same instant never fires twice.
func (s *Scheduler) fire(now time.Time) {
	now = now.In(s.loc)

	s.mu.Lock()
	var due []model.ScheduledJob
	for _, e := range s.jobs {
		if !e.job.Enabled || e.next.After(now) {
			continue
		}
		due = append(due, e.job)
		e.next = e.schedule.Next(now)
	}
	s.mu.Unlock()

	for _, job := range due {
		job := job
		s.log.Info("scheduled job due", "job_id", job.ID, "payload", job.Payload)
		s.sink.EnqueueScheduled(action.Job{
			Scheduled: &job,
			OnDone:    func(err error) { s.completed(job.ID, err) },
		})
	}
}

// completed updates the job's execution count after a successful run and
// disables the job when its limit is reached.
func (s *Scheduler) completed(id string, err error) {
	if err != nil {
		s.log.Error("scheduled job failed", "job_id", id, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return
	}
	e.job.ExecutionCount++
	if e.job.MaxExecutions > 0 && e.job.ExecutionCount >= e.job.MaxExecutions {
		e.job.Enabled = false
		s.log.Info("scheduled job reached execution limit, disabled",
			"job_id", id, "executions", e.job.ExecutionCount)
	}
}
