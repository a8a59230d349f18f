package engine

import (
	"log/slog"
	"sync"

	"tg_monitor/internal/model"
)

// Journal keeps a bounded ring of recent execution records and mirrors each
// one to the log. It is observability data only; dropping the oldest entries
// never affects monitor state.
type Journal struct {
	log *slog.Logger
	max int

	mu   sync.Mutex
	recs []model.ExecutionRecord
}

// NewJournal creates a Journal retaining the last max records.
func NewJournal(max int, log *slog.Logger) *Journal {
	if max <= 0 {
		max = 1000
	}
	return &Journal{log: log, max: max}
}

// Record stores one execution record.
func (j *Journal) Record(rec model.ExecutionRecord) {
	j.log.Info("execution",
		"monitor_id", rec.MonitorID, "action", rec.Action,
		"status", rec.Status, "reason", rec.Reason)

	j.mu.Lock()
	defer j.mu.Unlock()
	j.recs = append(j.recs, rec)
	if len(j.recs) > j.max {
		j.recs = j.recs[len(j.recs)-j.max:]
	}
}

// Recent returns a copy of the retained records, oldest first.
func (j *Journal) Recent() []model.ExecutionRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]model.ExecutionRecord, len(j.recs))
	copy(out, j.recs)
	return out
}
