// Package action implements the typed action executors that run the
// consequences of a monitor match or a scheduled trigger.
package action

import (
	"context"
	"time"

	"tg_monitor/internal/model"
)

// Job is one unit of work for the executor pool: either the resolved action
// set of a matched event, or a scheduler-injected action (Scheduled != nil).
type Job struct {
	MonitorID int64
	Kind      model.MonitorKind
	Actions   model.ActionSet
	LogPaths  []string // merged structured-log targets, superset of Actions.LogPath
	Button    *model.ButtonRule
	Event     *model.Event

	Scheduled *model.ScheduledJob
	OnDone    func(err error) // optional completion callback (scheduler bookkeeping)
}

// Observer receives execution records as actions complete.
type Observer interface {
	Record(rec model.ExecutionRecord)
}

// Classifier selects a button label for the AI click action.
type Classifier interface {
	ChooseButton(ctx context.Context, prompt string, labels []string, image []byte) (string, error)
}

// Notifier delivers match summaries out of band (e.g. SMTP).
type Notifier interface {
	Send(ctx context.Context, s Summary) error
}

// Saver persists attachment bytes.
type Saver interface {
	Save(ctx context.Context, data []byte, path string) error
}

// Summary is the payload handed to the Notifier for one match.
type Summary struct {
	MonitorID  int64
	Kind       model.MonitorKind
	ChatID     int64
	Sender     string
	Text       string
	FileName   string
	Time       time.Time
	Recipients []string
}
