package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"tg_monitor/internal/model"
)

// Registry is the ordered set of monitor specs. Reads during matching take a
// shared lock; configuration writes take the exclusive lock. Per-monitor
// mutable state (execution count, paused flag) is serialized by the registry
// lock so concurrent events from different accounts never lose an update.
type Registry struct {
	mu      sync.RWMutex
	nextID  int64
	nextSeq int
	items   map[int64]*Compiled
}

// NewRegistry creates an empty monitor registry.
func NewRegistry() *Registry {
	return &Registry{nextID: 1, items: make(map[int64]*Compiled)}
}

// Add validates, compiles, and stores a monitor spec, returning its id.
func (r *Registry) Add(spec model.MonitorSpec) (int64, error) {
	spec.ExecutionCount = 0
	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now().UTC()
	}
	c, err := Compile(spec)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c.spec.ID = r.nextID
	c.seq = r.nextSeq
	r.nextID++
	r.nextSeq++
	r.items[c.spec.ID] = c
	return c.spec.ID, nil
}

// Restore inserts a previously persisted spec keeping its id and counters.
func (r *Registry) Restore(spec model.MonitorSpec) error {
	c, err := Compile(spec)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	c.seq = r.nextSeq
	r.nextSeq++
	r.items[spec.ID] = c
	if spec.ID >= r.nextID {
		r.nextID = spec.ID + 1
	}
	return nil
}

// Update replaces the spec stored under id. The execution count and paused
// state of the existing monitor are preserved.
func (r *Registry) Update(id int64, spec model.MonitorSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.items[id]
	if !ok {
		return fmt.Errorf("monitor %d not found", id)
	}
	spec.ID = id
	spec.ExecutionCount = old.spec.ExecutionCount
	spec.Paused = old.spec.Paused
	spec.CreatedAt = old.spec.CreatedAt
	c, err := Compile(spec)
	if err != nil {
		return err
	}
	c.seq = old.seq
	r.items[id] = c
	return nil
}

// Delete removes a monitor.
func (r *Registry) Delete(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return fmt.Errorf("monitor %d not found", id)
	}
	delete(r.items, id)
	return nil
}

// Get returns a copy of the spec stored under id.
func (r *Registry) Get(id int64) (model.MonitorSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[id]
	if !ok {
		return model.MonitorSpec{}, fmt.Errorf("monitor %d not found", id)
	}
	return c.spec, nil
}

// List returns copies of all specs in (priority, insertion) order.
func (r *Registry) List() []model.MonitorSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]model.MonitorSpec, 0, len(r.items))
	for _, c := range r.snapshotLocked() {
		specs = append(specs, c.spec)
	}
	return specs
}

// SetPaused flips a monitor's paused flag.
func (r *Registry) SetPaused(id int64, paused bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return fmt.Errorf("monitor %d not found", id)
	}
	c.spec.Paused = paused
	return nil
}

// ResetExecutions zeroes a monitor's execution count and unpauses it.
// This is the only way the count returns to zero.
func (r *Registry) ResetExecutions(id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return fmt.Errorf("monitor %d not found", id)
	}
	c.spec.ExecutionCount = 0
	c.spec.Paused = false
	return nil
}

// RecordExecution increments a monitor's execution count. When the count
// reaches the max-executions limit the monitor is paused in the same
// critical section, so two concurrent events cannot both push it past the
// limit. Returns false when the monitor was already paused, meaning the
// caller must not execute its actions.
func (r *Registry) RecordExecution(id int64) (allowed bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.items[id]
	if !ok {
		return false, fmt.Errorf("monitor %d not found", id)
	}
	if c.spec.Paused {
		return false, nil
	}
	c.spec.ExecutionCount++
	if c.spec.MaxExecutions > 0 && c.spec.ExecutionCount >= c.spec.MaxExecutions {
		c.spec.Paused = true
	}
	return true, nil
}

func (r *Registry) snapshotLocked() []*Compiled {
	out := make([]*Compiled, 0, len(r.items))
	for _, c := range r.items {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].spec.Priority != out[j].spec.Priority {
			return out[i].spec.Priority < out[j].spec.Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

const judgeTimeout = 30 * time.Second

// Matcher evaluates events against the registry.
type Matcher struct {
	reg          *Registry
	judge        Classifier
	log          *slog.Logger
	judgeTimeout time.Duration
}

// NewMatcher creates a Matcher. judge may be nil when no AI monitors exist.
func NewMatcher(reg *Registry, judge Classifier, log *slog.Logger) *Matcher {
	return &Matcher{reg: reg, judge: judge, log: log, judgeTimeout: judgeTimeout}
}

// Match evaluates one event against every enabled monitor scoped to its
// chat, in (priority, insertion) order. A monitor erroring during
// evaluation yields no match and never aborts the other monitors.
func (m *Matcher) Match(ctx context.Context, ev *model.Event) []model.MatchResult {
	m.reg.mu.RLock()
	snapshot := m.reg.snapshotLocked()
	m.reg.mu.RUnlock()

	var results []model.MatchResult
	for _, c := range snapshot {
		spec := c.spec
		if spec.Paused || !spec.InScope(ev.ChatID) || !spec.SenderAllowed(ev.SenderID) {
			continue
		}

		ok, err := m.evaluate(ctx, c, ev)
		if err != nil {
			m.log.Error("match evaluation error",
				"monitor_id", spec.ID, "kind", spec.Kind, "chat_id", ev.ChatID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		results = append(results, model.MatchResult{
			MonitorID: spec.ID,
			Kind:      spec.Kind,
			Priority:  spec.Priority,
			Actions:   spec.Actions,
			Button:    spec.Button,
			Event:     ev,
		})
	}
	return results
}

// evaluate runs one monitor's condition. Classifier calls are bounded by a
// per-call timeout so a hung provider cannot stall the dispatcher loop.
func (m *Matcher) evaluate(ctx context.Context, c *Compiled, ev *model.Event) (bool, error) {
	if c.spec.Kind == model.KindAISemantic {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.judgeTimeout)
		defer cancel()
	}
	return c.matches(ctx, ev, m.judge)
}
