package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tg_monitor/internal/action"
	"tg_monitor/internal/model"
	"tg_monitor/internal/monitor"
)

// Executor runs one job to completion.
type Executor interface {
	Run(ctx context.Context, job action.Job)
}

// Orchestrator turns match results into executor jobs according to the
// active execution mode, increments execution counts, and feeds a bounded
// queue drained by a fixed worker pool. Enqueueing never blocks the
// dispatcher: a full queue drops the job and records it as skipped.
type Orchestrator struct {
	reg     *monitor.Registry
	exec    Executor
	obs     action.Observer
	log     *slog.Logger
	workers int

	modeMu    sync.RWMutex
	mode      model.ExecutionMode
	chatModes map[int64]model.ExecutionMode

	queue chan action.Job
	wg    sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator with the given default execution
// mode, queue capacity, and worker count.
func NewOrchestrator(reg *monitor.Registry, exec Executor, obs action.Observer, mode model.ExecutionMode, queueSize, workers int, log *slog.Logger) *Orchestrator {
	if queueSize <= 0 {
		queueSize = 256
	}
	if workers <= 0 {
		workers = 4
	}
	return &Orchestrator{
		reg:       reg,
		exec:      exec,
		obs:       obs,
		log:       log,
		workers:   workers,
		mode:      mode,
		chatModes: make(map[int64]model.ExecutionMode),
		queue:     make(chan action.Job, queueSize),
	}
}

// Start launches the worker pool. After ctx is canceled the workers drain
// the jobs already enqueued before exiting; Wait blocks until they are done.
func (o *Orchestrator) Start(ctx context.Context) {
	o.wg.Add(o.workers)
	for i := 0; i < o.workers; i++ {
		go o.worker(ctx)
	}
}

// Wait blocks until all workers have exited.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	// Jobs in flight at shutdown finish on their own timeouts rather than
	// being killed mid-action.
	runCtx := context.WithoutCancel(ctx)
	for {
		select {
		case job := <-o.queue:
			o.exec.Run(runCtx, job)
		case <-ctx.Done():
			for {
				select {
				case job := <-o.queue:
					o.exec.Run(runCtx, job)
				default:
					return
				}
			}
		}
	}
}

// SetMode replaces the default execution mode.
func (o *Orchestrator) SetMode(mode model.ExecutionMode) {
	o.modeMu.Lock()
	o.mode = mode
	o.modeMu.Unlock()
}

// SetChatMode overrides the execution mode for one chat.
func (o *Orchestrator) SetChatMode(chatID int64, mode model.ExecutionMode) {
	o.modeMu.Lock()
	o.chatModes[chatID] = mode
	o.modeMu.Unlock()
}

// ClearChatMode removes a per-chat override.
func (o *Orchestrator) ClearChatMode(chatID int64) {
	o.modeMu.Lock()
	delete(o.chatModes, chatID)
	o.modeMu.Unlock()
}

// ModeFor returns the execution mode effective in a chat.
func (o *Orchestrator) ModeFor(chatID int64) model.ExecutionMode {
	o.modeMu.RLock()
	defer o.modeMu.RUnlock()
	if m, ok := o.chatModes[chatID]; ok {
		return m
	}
	return o.mode
}

// Dispatch resolves one event's matches into jobs and enqueues them. Matches
// must be in (priority, insertion) order, as the matcher produces them. Each
// involved monitor's execution count is incremented exactly once before any
// of its actions run; monitors that hit their limit in the meantime are
// recorded as skipped and contribute nothing to the event.
func (o *Orchestrator) Dispatch(ctx context.Context, matches []model.MatchResult) {
	if len(matches) == 0 {
		return
	}
	mode := o.ModeFor(matches[0].Event.ChatID)
	if mode == model.ModeFirstMatch {
		matches = matches[:1]
	}

	live := matches[:0:0]
	for _, m := range matches {
		allowed, err := o.reg.RecordExecution(m.MonitorID)
		if err != nil {
			o.log.Error("record execution", "monitor_id", m.MonitorID, "error", err)
			continue
		}
		if !allowed {
			o.skip(m.MonitorID, "execution limit reached")
			continue
		}
		live = append(live, m)
	}
	if len(live) == 0 {
		return
	}

	if mode == model.ModeMerge {
		o.enqueue(mergeJob(live))
		return
	}
	for _, m := range live {
		o.enqueue(jobFrom(m))
	}
}

func jobFrom(m model.MatchResult) action.Job {
	job := action.Job{
		MonitorID: m.MonitorID,
		Kind:      m.Kind,
		Actions:   m.Actions,
		Button:    m.Button,
		Event:     m.Event,
	}
	if m.Actions.LogPath != "" {
		job.LogPaths = []string{m.Actions.LogPath}
	}
	return job
}

// mergeJob collapses the matches of one event into a single job. Forward
// targets, notify recipients, and log paths are deduplicated unions; the
// reply and save configurations come from the highest-priority monitor that
// carries one; a click comes from the highest-priority button-kind match.
func mergeJob(matches []model.MatchResult) action.Job {
	job := action.Job{
		MonitorID: matches[0].MonitorID,
		Kind:      matches[0].Kind,
		Event:     matches[0].Event,
	}

	seenTargets := make(map[int64]bool)
	seenRecipients := make(map[string]bool)
	seenPaths := make(map[string]bool)
	var recipients []string

	for _, m := range matches {
		for _, t := range m.Actions.ForwardTargets {
			if !seenTargets[t] {
				seenTargets[t] = true
				job.Actions.ForwardTargets = append(job.Actions.ForwardTargets, t)
			}
		}
		if m.Actions.Reply != nil && job.Actions.Reply == nil {
			job.Actions.Reply = m.Actions.Reply
		}
		if m.Actions.Save != nil && job.Actions.Save == nil {
			job.Actions.Save = m.Actions.Save
		}
		if m.Actions.Notify != nil {
			for _, rcpt := range m.Actions.Notify.Recipients {
				if !seenRecipients[rcpt] {
					seenRecipients[rcpt] = true
					recipients = append(recipients, rcpt)
				}
			}
		}
		if p := m.Actions.LogPath; p != "" && !seenPaths[p] {
			seenPaths[p] = true
			job.LogPaths = append(job.LogPaths, p)
		}
		if job.Button == nil && (m.Kind == model.KindButtonKeyword || m.Kind == model.KindImageButton) {
			job.Kind = m.Kind
			job.Button = m.Button
		}
	}
	if len(recipients) > 0 {
		job.Actions.Notify = &model.NotifyConfig{Recipients: recipients}
	}
	return job
}

func (o *Orchestrator) skip(monitorID int64, reason string) {
	if o.obs == nil {
		return
	}
	o.obs.Record(model.ExecutionRecord{
		MonitorID: monitorID,
		Action:    "enqueue",
		Status:    model.ExecSkipped,
		Reason:    reason,
		Time:      time.Now().UTC(),
	})
}

func (o *Orchestrator) enqueue(job action.Job) {
	select {
	case o.queue <- job:
	default:
		o.log.Warn("action queue full, dropping job", "monitor_id", job.MonitorID)
		o.skip(job.MonitorID, "action queue full")
	}
}

// EnqueueScheduled accepts a scheduler-injected job into the same queue.
func (o *Orchestrator) EnqueueScheduled(job action.Job) { o.enqueue(job) }
