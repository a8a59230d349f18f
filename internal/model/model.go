// Package model defines the domain types used across the application.
package model

import "time"

// SessionState describes the lifecycle of an account's transport session.
type SessionState string

// Session states.
const (
	StateConnecting SessionState = "connecting"
	StateActive     SessionState = "active"
	StateDegraded   SessionState = "degraded"
	StateStopped    SessionState = "stopped"
)

// Account represents a registered messaging account.
// The ordinal is assigned at registration in insertion order and is never
// reused, so exported configuration can reference accounts stably.
type Account struct {
	Ordinal   int
	Identity  string // phone number or handle
	Token     string
	State     SessionState
	Paused    bool // monitoring paused; the session stays connected
	CreatedAt time.Time
}

// MonitorKind identifies one of the six monitor variants.
type MonitorKind string

// Supported monitor kinds.
const (
	KindKeyword       MonitorKind = "keyword"
	KindFileExtension MonitorKind = "file_extension"
	KindFullTraffic   MonitorKind = "full_traffic"
	KindAISemantic    MonitorKind = "ai_semantic"
	KindImageButton   MonitorKind = "image_button"
	KindButtonKeyword MonitorKind = "button_keyword"
)

// MatchMode defines how keyword patterns are compared against message text.
type MatchMode string

// Supported keyword match modes.
const (
	MatchExact    MatchMode = "exact"
	MatchContains MatchMode = "contains"
	MatchRegex    MatchMode = "regex"
)

// ExecutionMode governs how the actions of simultaneously matching monitors
// are combined for one event.
type ExecutionMode string

// Supported execution modes.
const (
	ModeMerge      ExecutionMode = "merge"
	ModeAll        ExecutionMode = "all"
	ModeFirstMatch ExecutionMode = "first_match"
)

// ReplyMode selects between replying to the triggering message and sending a
// plain message into the chat.
type ReplyMode string

// Supported reply modes.
const (
	ReplyToMessage ReplyMode = "reply"
	ReplySend      ReplyMode = "send"
)

// KeywordRule is the variant payload of a keyword monitor.
type KeywordRule struct {
	Patterns []string  `json:"patterns"`
	Mode     MatchMode `json:"mode"`
}

// FileExtensionRule is the variant payload of a file-extension monitor.
// Extensions include the leading dot and are compared case-insensitively.
type FileExtensionRule struct {
	Extensions []string `json:"extensions"`
}

// SemanticRule is the variant payload of an AI-semantic monitor.
type SemanticRule struct {
	Prompt string `json:"prompt"`
}

// ButtonRule is the variant payload of the button-keyword and image-button
// monitors. Keywords match button labels; Prompt drives AI label selection
// for the image-button kind.
type ButtonRule struct {
	Keywords []string `json:"keywords,omitempty"`
	Prompt   string   `json:"prompt,omitempty"`
}

// ReplyConfig configures the delayed-reply action.
type ReplyConfig struct {
	Phrases  []string      `json:"phrases"`
	DelayMin time.Duration `json:"delay_min"`
	DelayMax time.Duration `json:"delay_max"`
	Mode     ReplyMode     `json:"mode"`
}

// NotifyConfig configures the email-notification action.
type NotifyConfig struct {
	Recipients []string `json:"recipients"`
}

// SaveConfig configures the attachment-save action.
type SaveConfig struct {
	Dir       string `json:"dir"`
	MaxSizeMB int64  `json:"max_size_mb"` // 0 = no ceiling
}

// ActionSet is the set of actions a monitor runs on a match.
type ActionSet struct {
	ForwardTargets []int64       `json:"forward_targets,omitempty"`
	Reply          *ReplyConfig  `json:"reply,omitempty"`
	Notify         *NotifyConfig `json:"notify,omitempty"`
	Save           *SaveConfig   `json:"save,omitempty"`
	LogPath        string        `json:"log_path,omitempty"`
}

// MonitorSpec is a configured monitoring rule. Exactly one variant payload
// is populated, matching Kind; monitor.Compile enforces this.
type MonitorSpec struct {
	ID       int64
	Kind     MonitorKind
	Priority int     // lower runs first
	Chats    []int64 // empty = all chats
	Allowed  []int64 // sender allow list, empty = all senders
	Blocked  []int64 // sender deny list

	MaxExecutions  int // 0 = unlimited
	ExecutionCount int
	Paused         bool

	Actions ActionSet

	Keyword *KeywordRule
	FileExt *FileExtensionRule
	AI      *SemanticRule
	Button  *ButtonRule

	CreatedAt time.Time
}

// InScope reports whether the monitor watches the given chat.
func (s *MonitorSpec) InScope(chatID int64) bool {
	if len(s.Chats) == 0 {
		return true
	}
	for _, id := range s.Chats {
		if id == chatID {
			return true
		}
	}
	return false
}

// SenderAllowed applies the allow/deny lists to a sender id.
// The deny list wins over the allow list.
func (s *MonitorSpec) SenderAllowed(senderID int64) bool {
	for _, id := range s.Blocked {
		if id == senderID {
			return false
		}
	}
	if len(s.Allowed) == 0 {
		return true
	}
	for _, id := range s.Allowed {
		if id == senderID {
			return true
		}
	}
	return false
}

// Attachment describes a file attached to an event.
type Attachment struct {
	FileName  string
	Extension string // includes the leading dot, lowercase
	Size      int64
	FileID    string // transport handle for downloads
	IsImage   bool
}

// Button is one interactive control in an event's button layout.
type Button struct {
	Label string
	Row   int
	Col   int
	Data  string // transport handle for clicks
}

// Event is an immutable snapshot of one inbound update. It is created by the
// dispatcher and consumed read-only downstream.
type Event struct {
	AccountOrdinal int
	ChatID         int64
	MessageID      int
	SenderID       int64
	SenderName     string
	SenderIsBot    bool
	Text           string
	Attachment     *Attachment
	Buttons        []Button
	Time           time.Time
}

// HasButtons reports whether the event carries an interactive button layout.
func (e *Event) HasButtons() bool { return len(e.Buttons) > 0 }

// MatchResult links a matched monitor to the event it matched, carrying the
// monitor's action set. Produced by the matcher, consumed once by the
// orchestrator.
type MatchResult struct {
	MonitorID int64
	Kind      MonitorKind
	Priority  int
	Actions   ActionSet
	Button    *ButtonRule // click instructions for the button kinds
	Event     *Event
}

// ExecStatus is the outcome of one executed action.
type ExecStatus string

// Execution statuses.
const (
	ExecSucceeded ExecStatus = "succeeded"
	ExecRetried   ExecStatus = "retried_succeeded"
	ExecFailed    ExecStatus = "failed"
	ExecSkipped   ExecStatus = "skipped"
)

// ExecutionRecord reports the outcome of one action for one (monitor, event)
// pair. It is observability data, not authoritative state.
type ExecutionRecord struct {
	MonitorID int64
	Action    string
	Status    ExecStatus
	Reason    string
	Time      time.Time
}

// JobPayload selects what a scheduled job does when it fires.
type JobPayload string

// Scheduled job payloads.
const (
	JobSendMessage JobPayload = "message"
	JobPause       JobPayload = "pause"
	JobResume      JobPayload = "resume"
)

// ScheduledJob is a cron-triggered action independent of message traffic.
type ScheduledJob struct {
	ID              string
	AccountOrdinal  int
	TargetChat      int64
	Cron            string
	Payload         JobPayload
	Message         string
	RandomDelayMax  time.Duration
	DeleteAfterSend bool
	Enabled         bool
	MaxExecutions   int // 0 = unlimited
	ExecutionCount  int
	CreatedAt       time.Time
}

// AccountBundle groups one account and its scheduled jobs for export/import.
type AccountBundle struct {
	Account Account        `json:"account"`
	Jobs    []ScheduledJob `json:"jobs"`
}

// ConfigBundle is the full engine configuration: accounts keyed by identity,
// plus the shared monitor set.
type ConfigBundle struct {
	Accounts map[string]AccountBundle `json:"accounts"`
	Monitors []MonitorSpec            `json:"monitors"`
}
