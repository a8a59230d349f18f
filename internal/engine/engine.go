// Package engine ties the session pool, matcher, orchestrator, and scheduler
// together and exposes the configuration surface.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"tg_monitor/internal/model"
	"tg_monitor/internal/monitor"
	"tg_monitor/internal/scheduler"
	"tg_monitor/internal/session"
)

// Storage persists configuration across restarts. May be nil for an
// in-memory engine.
type Storage interface {
	UpsertMonitor(ctx context.Context, spec model.MonitorSpec) error
	DeleteMonitor(ctx context.Context, id int64) error
	ListMonitors(ctx context.Context) ([]model.MonitorSpec, error)

	UpsertJob(ctx context.Context, job model.ScheduledJob) error
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context) ([]model.ScheduledJob, error)

	UpsertAccount(ctx context.Context, account model.Account) error
	DeleteAccount(ctx context.Context, ordinal int) error
	ListAccounts(ctx context.Context) ([]model.Account, error)
}

// Engine is the application facade. All configuration commands are safe to
// call while events are flowing.
type Engine struct {
	pool    *session.Pool
	reg     *monitor.Registry
	matcher *monitor.Matcher
	orch    *Orchestrator
	sched   *scheduler.Scheduler
	store   Storage
	log     *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// New assembles an Engine from its parts.
func New(pool *session.Pool, reg *monitor.Registry, matcher *monitor.Matcher, orch *Orchestrator, sched *scheduler.Scheduler, store Storage, log *slog.Logger) *Engine {
	return &Engine{
		pool:    pool,
		reg:     reg,
		matcher: matcher,
		orch:    orch,
		sched:   sched,
		store:   store,
		log:     log,
	}
}

// Start loads persisted configuration and brings the pipeline up. It returns
// once everything is running; Stop tears it down.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}

	if err := e.loadState(ctx); err != nil {
		return fmt.Errorf("load persisted state: %w", err)
	}

	e.ctx, e.cancel = context.WithCancel(ctx)
	e.started = true
	e.orch.Start(e.ctx)
	e.sched.Start(e.ctx)
	e.pool.Start(e.ctx)
	for _, acct := range e.pool.List() {
		e.watch(acct.Ordinal)
	}
	e.log.Info("engine started", "accounts", len(e.pool.List()), "monitors", len(e.reg.List()))
	return nil
}

// Stop cancels the pipeline and waits for dispatchers and in-flight actions
// to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.cancel()
	e.started = false
	e.mu.Unlock()

	e.wg.Wait()
	e.orch.Wait()
	e.flushCounters(context.Background())
	e.log.Info("engine stopped")
}

// flushCounters writes the current monitor and job execution counters to
// storage so a restart resumes from them instead of the values persisted at
// configuration time.
func (e *Engine) flushCounters(ctx context.Context) {
	if e.store == nil {
		return
	}
	for _, spec := range e.reg.List() {
		if err := e.store.UpsertMonitor(ctx, spec); err != nil {
			e.log.Error("flush monitor", "monitor_id", spec.ID, "error", err)
		}
	}
	for _, job := range e.sched.List() {
		if err := e.store.UpsertJob(ctx, job); err != nil {
			e.log.Error("flush job", "job_id", job.ID, "error", err)
		}
	}
}

func (e *Engine) loadState(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	accounts, err := e.store.ListAccounts(ctx)
	if err != nil {
		return err
	}
	for _, acct := range accounts {
		if err := e.pool.Restore(acct); err != nil {
			return fmt.Errorf("restore account %d: %w", acct.Ordinal, err)
		}
	}
	monitors, err := e.store.ListMonitors(ctx)
	if err != nil {
		return err
	}
	for _, spec := range monitors {
		if err := e.reg.Restore(spec); err != nil {
			return fmt.Errorf("restore monitor %d: %w", spec.ID, err)
		}
	}
	jobs, err := e.store.ListJobs(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := e.sched.Restore(job); err != nil {
			return fmt.Errorf("restore job %s: %w", job.ID, err)
		}
	}
	return nil
}

// watch runs one account's dispatcher loop: read normalized events off the
// session and push match results into the orchestrator. The loop exits when
// the session's event channel closes.
func (e *Engine) watch(ordinal int) {
	s, err := e.pool.Get(ordinal)
	if err != nil {
		e.log.Error("watch account", "ordinal", ordinal, "error", err)
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for ev := range s.Events() {
			ev := ev
			matches := e.matcher.Match(e.ctx, &ev)
			if len(matches) == 0 {
				continue
			}
			e.orch.Dispatch(e.ctx, matches)
		}
	}()
}

// AddAccount registers an account, persists it, and starts monitoring it.
func (e *Engine) AddAccount(ctx context.Context, identity, token string) (int, error) {
	ordinal, err := e.pool.Register(model.Account{Identity: identity, Token: token})
	if err != nil {
		return 0, err
	}
	if e.store != nil {
		acct, _ := e.pool.Get(ordinal)
		if err := e.store.UpsertAccount(ctx, acct.Account()); err != nil {
			// Keep pool and store in step; the ordinal stays retired.
			_ = e.pool.Remove(ordinal)
			return 0, err
		}
	}
	e.mu.Lock()
	if e.started {
		e.watch(ordinal)
	}
	e.mu.Unlock()
	return ordinal, nil
}

// RemoveAccount stops an account's session and deletes it. Its ordinal is
// never reassigned.
func (e *Engine) RemoveAccount(ctx context.Context, ordinal int) error {
	if err := e.pool.Remove(ordinal); err != nil {
		return err
	}
	if e.store != nil {
		return e.store.DeleteAccount(ctx, ordinal)
	}
	return nil
}

// PauseAccount toggles monitoring for an account without disconnecting it.
func (e *Engine) PauseAccount(ctx context.Context, ordinal int, paused bool) error {
	if err := e.pool.SetPaused(ordinal, paused); err != nil {
		return err
	}
	if e.store != nil {
		s, err := e.pool.Get(ordinal)
		if err != nil {
			return err
		}
		return e.store.UpsertAccount(ctx, s.Account())
	}
	return nil
}

// Accounts lists the registered accounts in ordinal order.
func (e *Engine) Accounts() []model.Account { return e.pool.List() }

// AddMonitor validates, registers, and persists a monitor spec.
func (e *Engine) AddMonitor(ctx context.Context, spec model.MonitorSpec) (int64, error) {
	id, err := e.reg.Add(spec)
	if err != nil {
		return 0, err
	}
	if err := e.persistMonitor(ctx, id); err != nil {
		return 0, err
	}
	e.log.Info("monitor added", "monitor_id", id, "kind", spec.Kind)
	return id, nil
}

// UpdateMonitor replaces a monitor's spec, keeping its execution count.
func (e *Engine) UpdateMonitor(ctx context.Context, id int64, spec model.MonitorSpec) error {
	if err := e.reg.Update(id, spec); err != nil {
		return err
	}
	return e.persistMonitor(ctx, id)
}

// DeleteMonitor removes a monitor.
func (e *Engine) DeleteMonitor(ctx context.Context, id int64) error {
	if err := e.reg.Delete(id); err != nil {
		return err
	}
	if e.store != nil {
		return e.store.DeleteMonitor(ctx, id)
	}
	return nil
}

// PauseMonitor flips a monitor's paused flag without touching its count.
func (e *Engine) PauseMonitor(ctx context.Context, id int64, paused bool) error {
	if err := e.reg.SetPaused(id, paused); err != nil {
		return err
	}
	return e.persistMonitor(ctx, id)
}

// ResetMonitor zeroes a monitor's execution count and unpauses it. This is
// the only operation that returns the count to zero.
func (e *Engine) ResetMonitor(ctx context.Context, id int64) error {
	if err := e.reg.ResetExecutions(id); err != nil {
		return err
	}
	return e.persistMonitor(ctx, id)
}

// Monitors lists the monitor specs in evaluation order.
func (e *Engine) Monitors() []model.MonitorSpec { return e.reg.List() }

func (e *Engine) persistMonitor(ctx context.Context, id int64) error {
	if e.store == nil {
		return nil
	}
	spec, err := e.reg.Get(id)
	if err != nil {
		return err
	}
	return e.store.UpsertMonitor(ctx, spec)
}

// SetExecutionMode replaces the default execution mode.
func (e *Engine) SetExecutionMode(mode model.ExecutionMode) error {
	if err := validMode(mode); err != nil {
		return err
	}
	e.orch.SetMode(mode)
	e.log.Info("execution mode set", "mode", mode)
	return nil
}

// SetChatExecutionMode overrides the execution mode for one chat.
func (e *Engine) SetChatExecutionMode(chatID int64, mode model.ExecutionMode) error {
	if err := validMode(mode); err != nil {
		return err
	}
	e.orch.SetChatMode(chatID, mode)
	return nil
}

// ClearChatExecutionMode removes a per-chat override.
func (e *Engine) ClearChatExecutionMode(chatID int64) { e.orch.ClearChatMode(chatID) }

func validMode(mode model.ExecutionMode) error {
	switch mode {
	case model.ModeMerge, model.ModeAll, model.ModeFirstMatch:
		return nil
	}
	return fmt.Errorf("unknown execution mode %q", mode)
}

// AddJob validates, registers, and persists a scheduled job.
func (e *Engine) AddJob(ctx context.Context, job model.ScheduledJob) (string, error) {
	if _, err := e.pool.Get(job.AccountOrdinal); err != nil {
		return "", fmt.Errorf("job account %d: %w", job.AccountOrdinal, err)
	}
	id, err := e.sched.Add(job)
	if err != nil {
		return "", err
	}
	if err := e.persistJob(ctx, id); err != nil {
		return "", err
	}
	e.log.Info("job added", "job_id", id, "cron", job.Cron)
	return id, nil
}

// DeleteJob removes a scheduled job.
func (e *Engine) DeleteJob(ctx context.Context, id string) error {
	if err := e.sched.Remove(id); err != nil {
		return err
	}
	if e.store != nil {
		return e.store.DeleteJob(ctx, id)
	}
	return nil
}

// EnableJob flips a job's enabled flag.
func (e *Engine) EnableJob(ctx context.Context, id string, enabled bool) error {
	if err := e.sched.SetEnabled(id, enabled); err != nil {
		return err
	}
	return e.persistJob(ctx, id)
}

// Jobs lists the scheduled jobs.
func (e *Engine) Jobs() []model.ScheduledJob { return e.sched.List() }

func (e *Engine) persistJob(ctx context.Context, id string) error {
	if e.store == nil {
		return nil
	}
	for _, job := range e.sched.List() {
		if job.ID == id {
			return e.store.UpsertJob(ctx, job)
		}
	}
	return fmt.Errorf("job %s not found", id)
}

// Export snapshots the full configuration as one serializable bundle.
func (e *Engine) Export() model.ConfigBundle {
	bundle := model.ConfigBundle{
		Accounts: make(map[string]model.AccountBundle),
		Monitors: e.reg.List(),
	}
	jobsByOrdinal := make(map[int][]model.ScheduledJob)
	for _, job := range e.sched.List() {
		jobsByOrdinal[job.AccountOrdinal] = append(jobsByOrdinal[job.AccountOrdinal], job)
	}
	for _, acct := range e.pool.List() {
		bundle.Accounts[acct.Identity] = model.AccountBundle{
			Account: acct,
			Jobs:    jobsByOrdinal[acct.Ordinal],
		}
	}
	return bundle
}

// Import restores a previously exported bundle into an empty engine and
// persists it.
func (e *Engine) Import(ctx context.Context, bundle model.ConfigBundle) error {
	for _, ab := range bundle.Accounts {
		if err := e.pool.Restore(ab.Account); err != nil {
			return fmt.Errorf("import account %q: %w", ab.Account.Identity, err)
		}
		if e.store != nil {
			if err := e.store.UpsertAccount(ctx, ab.Account); err != nil {
				return err
			}
		}
		e.mu.Lock()
		if e.started {
			e.watch(ab.Account.Ordinal)
		}
		e.mu.Unlock()
		for _, job := range ab.Jobs {
			if err := e.sched.Restore(job); err != nil {
				return fmt.Errorf("import job %s: %w", job.ID, err)
			}
			if e.store != nil {
				if err := e.store.UpsertJob(ctx, job); err != nil {
					return err
				}
			}
		}
	}
	for _, spec := range bundle.Monitors {
		if err := e.reg.Restore(spec); err != nil {
			return fmt.Errorf("import monitor %d: %w", spec.ID, err)
		}
		if e.store != nil {
			if err := e.store.UpsertMonitor(ctx, spec); err != nil {
				return err
			}
		}
	}
	e.log.Info("configuration imported",
		"accounts", len(bundle.Accounts), "monitors", len(bundle.Monitors))
	return nil
}
