package action

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tg_monitor/internal/model"
	"tg_monitor/internal/session"
)

const (
	defaultAIRetryDelay = 10 * time.Second
	defaultAITimeout    = 30 * time.Second
	notifyTimeout       = 30 * time.Second
)

// Config wires a Runner. Classifier, Notifier, and Saver may be nil when no
// monitor uses the corresponding action.
type Config struct {
	Pool       *session.Pool
	Classifier Classifier
	Notifier   Notifier
	Saver      Saver
	Observer   Observer
	Log        *slog.Logger

	TempDir      string        // "" = system default
	AIRetryDelay time.Duration // delay before the single AI retry
	AITimeout    time.Duration
}

// Runner executes jobs. Every action of a job runs independently: one
// failing action is recorded and never aborts the others.
type Runner struct {
	cfg Config
}

// NewRunner creates a Runner, filling in default timeouts.
func NewRunner(cfg Config) *Runner {
	if cfg.AIRetryDelay == 0 {
		cfg.AIRetryDelay = defaultAIRetryDelay
	}
	if cfg.AITimeout == 0 {
		cfg.AITimeout = defaultAITimeout
	}
	return &Runner{cfg: cfg}
}

// Run executes one job to completion.
func (r *Runner) Run(ctx context.Context, job Job) {
	if job.Scheduled != nil {
		r.runScheduled(ctx, job)
		return
	}

	ev := job.Event
	if len(job.Actions.ForwardTargets) > 0 {
		r.forward(ctx, job, ev)
	}
	if job.Actions.Reply != nil {
		r.reply(ctx, job, ev)
	}
	if job.Actions.Notify != nil {
		r.notify(ctx, job, ev)
	}
	if job.Actions.Save != nil {
		r.save(ctx, job, ev)
	}
	for _, path := range job.LogPaths {
		r.appendLog(job, ev, path)
	}
	switch job.Kind {
	case model.KindButtonKeyword:
		r.clickByKeyword(ctx, job, ev)
	case model.KindImageButton:
		r.clickByAI(ctx, job, ev)
	}
}

func (r *Runner) client(ordinal int) (session.Client, error) {
	s, err := r.cfg.Pool.Get(ordinal)
	if err != nil {
		return nil, err
	}
	return s.Client()
}

func (r *Runner) record(monitorID int64, action string, status model.ExecStatus, reason string) {
	rec := model.ExecutionRecord{
		MonitorID: monitorID,
		Action:    action,
		Status:    status,
		Reason:    reason,
		Time:      time.Now().UTC(),
	}
	if r.cfg.Observer != nil {
		r.cfg.Observer.Record(rec)
	}
	if status == model.ExecFailed {
		r.cfg.Log.Error("action failed", "monitor_id", monitorID, "action", action, "reason", reason)
	}
}

// forward copies the message to each target chat. Targets fail independently;
// the source chat itself is never a target.
func (r *Runner) forward(ctx context.Context, job Job, ev *model.Event) {
	client, err := r.client(ev.AccountOrdinal)
	if err != nil {
		r.record(job.MonitorID, "forward", model.ExecFailed, err.Error())
		return
	}
	for _, target := range job.Actions.ForwardTargets {
		if target == ev.ChatID {
			continue
		}
		if err := client.Forward(ctx, target, ev.ChatID, ev.MessageID); err != nil {
			r.record(job.MonitorID, fmt.Sprintf("forward:%d", target), model.ExecFailed, err.Error())
			continue
		}
		r.record(job.MonitorID, fmt.Sprintf("forward:%d", target), model.ExecSucceeded, "")
	}
}

// reply waits a uniformly random delay inside the configured window, then
// sends one random phrase.
func (r *Runner) reply(ctx context.Context, job Job, ev *model.Event) {
	cfg := job.Actions.Reply
	if err := sleep(ctx, randomDelay(cfg.DelayMin, cfg.DelayMax)); err != nil {
		r.record(job.MonitorID, "reply", model.ExecSkipped, "shutdown during delay")
		return
	}

	client, err := r.client(ev.AccountOrdinal)
	if err != nil {
		r.record(job.MonitorID, "reply", model.ExecFailed, err.Error())
		return
	}
	phrase := cfg.Phrases[rand.Intn(len(cfg.Phrases))]
	if cfg.Mode == model.ReplyToMessage {
		_, err = client.Reply(ctx, ev.ChatID, ev.MessageID, phrase)
	} else {
		_, err = client.SendMessage(ctx, ev.ChatID, phrase)
	}
	if err != nil {
		r.record(job.MonitorID, "reply", model.ExecFailed, err.Error())
		return
	}
	r.record(job.MonitorID, "reply", model.ExecSucceeded, "")
}

func (r *Runner) notify(ctx context.Context, job Job, ev *model.Event) {
	if r.cfg.Notifier == nil {
		r.record(job.MonitorID, "notify", model.ExecSkipped, "no notifier configured")
		return
	}
	s := Summary{
		MonitorID:  job.MonitorID,
		Kind:       job.Kind,
		ChatID:     ev.ChatID,
		Sender:     ev.SenderName,
		Text:       ev.Text,
		Time:       ev.Time,
		Recipients: job.Actions.Notify.Recipients,
	}
	if ev.Attachment != nil {
		s.FileName = ev.Attachment.FileName
	}

	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := r.cfg.Notifier.Send(ctx, s); err != nil {
		r.record(job.MonitorID, "notify", model.ExecFailed, err.Error())
		return
	}
	r.record(job.MonitorID, "notify", model.ExecSucceeded, "")
}

// save downloads the attachment and persists it under the configured
// directory. Oversized attachments are skipped, not failed.
func (r *Runner) save(ctx context.Context, job Job, ev *model.Event) {
	cfg := job.Actions.Save
	if ev.Attachment == nil {
		r.record(job.MonitorID, "save", model.ExecSkipped, "no attachment")
		return
	}
	if cfg.MaxSizeMB > 0 && ev.Attachment.Size > cfg.MaxSizeMB<<20 {
		r.record(job.MonitorID, "save", model.ExecSkipped,
			fmt.Sprintf("attachment %d bytes exceeds %d MB limit", ev.Attachment.Size, cfg.MaxSizeMB))
		return
	}
	if r.cfg.Saver == nil {
		r.record(job.MonitorID, "save", model.ExecSkipped, "no saver configured")
		return
	}

	client, err := r.client(ev.AccountOrdinal)
	if err != nil {
		r.record(job.MonitorID, "save", model.ExecFailed, err.Error())
		return
	}
	data, err := client.Download(ctx, ev.Attachment.FileID)
	if err != nil {
		r.record(job.MonitorID, "save", model.ExecFailed, fmt.Sprintf("download: %v", err))
		return
	}
	path := filepath.Join(cfg.Dir, fmt.Sprintf("%d_%s", ev.MessageID, filepath.Base(ev.Attachment.FileName)))
	if err := r.cfg.Saver.Save(ctx, data, path); err != nil {
		r.record(job.MonitorID, "save", model.ExecFailed, err.Error())
		return
	}
	r.record(job.MonitorID, "save", model.ExecSucceeded, path)
}

func (r *Runner) appendLog(job Job, ev *model.Event, path string) {
	line := fmt.Sprintf("%s | monitor=%d chat=%d sender=%s | %s\n",
		ev.Time.UTC().Format("2006-01-02 15:04:05"), job.MonitorID, ev.ChatID, ev.SenderName,
		strings.ReplaceAll(ev.Text, "\n", " "))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		r.record(job.MonitorID, "log", model.ExecFailed, err.Error())
		return
	}
	_, werr := f.WriteString(line)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		r.record(job.MonitorID, "log", model.ExecFailed, werr.Error())
		return
	}
	r.record(job.MonitorID, "log", model.ExecSucceeded, path)
}

// clickByKeyword clicks the first button whose label contains one of the
// configured keywords.
func (r *Runner) clickByKeyword(ctx context.Context, job Job, ev *model.Event) {
	if job.Button == nil {
		return
	}
	btn, ok := findButton(ev.Buttons, job.Button.Keywords)
	if !ok {
		r.record(job.MonitorID, "click", model.ExecSkipped, "no button label matched")
		return
	}
	client, err := r.client(ev.AccountOrdinal)
	if err != nil {
		r.record(job.MonitorID, "click", model.ExecFailed, err.Error())
		return
	}
	if err := client.Click(ctx, ev.ChatID, ev.MessageID, btn.Data); err != nil {
		r.record(job.MonitorID, "click", model.ExecFailed, err.Error())
		return
	}
	r.record(job.MonitorID, "click", model.ExecSucceeded, btn.Label)
}

// clickByAI downloads the attached image, asks the classifier which button
// label to press, and clicks it. The classifier call is retried exactly once
// after a fixed delay; the downloaded image is removed when the action ends,
// on success and on final failure alike.
func (r *Runner) clickByAI(ctx context.Context, job Job, ev *model.Event) {
	if job.Button == nil || ev.Attachment == nil {
		return
	}
	if r.cfg.Classifier == nil {
		r.record(job.MonitorID, "ai_click", model.ExecSkipped, "no classifier configured")
		return
	}
	client, err := r.client(ev.AccountOrdinal)
	if err != nil {
		r.record(job.MonitorID, "ai_click", model.ExecFailed, err.Error())
		return
	}

	data, err := client.Download(ctx, ev.Attachment.FileID)
	if err != nil {
		r.record(job.MonitorID, "ai_click", model.ExecFailed, fmt.Sprintf("download: %v", err))
		return
	}
	tmp, err := writeTemp(r.cfg.TempDir, data, ev.Attachment.Extension)
	if err != nil {
		r.record(job.MonitorID, "ai_click", model.ExecFailed, err.Error())
		return
	}
	defer os.Remove(tmp)

	labels := make([]string, 0, len(ev.Buttons))
	for _, b := range ev.Buttons {
		labels = append(labels, b.Label)
	}

	label, retried, err := r.chooseWithRetry(ctx, job.Button.Prompt, labels, data)
	if err != nil {
		r.record(job.MonitorID, "ai_click", model.ExecFailed, err.Error())
		return
	}
	btn, ok := matchLabel(ev.Buttons, label)
	if !ok {
		r.record(job.MonitorID, "ai_click", model.ExecFailed,
			fmt.Sprintf("chosen label %q not on the message", label))
		return
	}
	if err := client.Click(ctx, ev.ChatID, ev.MessageID, btn.Data); err != nil {
		r.record(job.MonitorID, "ai_click", model.ExecFailed, err.Error())
		return
	}
	status := model.ExecSucceeded
	if retried {
		status = model.ExecRetried
	}
	r.record(job.MonitorID, "ai_click", status, btn.Label)
}

func (r *Runner) chooseWithRetry(ctx context.Context, prompt string, labels []string, image []byte) (string, bool, error) {
	choose := func() (string, error) {
		cctx, cancel := context.WithTimeout(ctx, r.cfg.AITimeout)
		defer cancel()
		return r.cfg.Classifier.ChooseButton(cctx, prompt, labels, image)
	}

	label, err := choose()
	if err == nil {
		return label, false, nil
	}
	r.cfg.Log.Warn("button selection failed, retrying once", "error", err)
	if serr := sleep(ctx, r.cfg.AIRetryDelay); serr != nil {
		return "", false, err
	}
	label, err = choose()
	if err != nil {
		return "", true, fmt.Errorf("button selection failed after retry: %w", err)
	}
	return label, true, nil
}

// runScheduled executes a scheduler-injected job.
func (r *Runner) runScheduled(ctx context.Context, job Job) {
	sj := job.Scheduled
	err := r.doScheduled(ctx, sj)
	switch sj.Payload {
	case model.JobSendMessage:
		r.recordScheduled("scheduled_send", err)
	case model.JobPause:
		r.recordScheduled("account_pause", err)
	case model.JobResume:
		r.recordScheduled("account_resume", err)
	}
	if job.OnDone != nil {
		job.OnDone(err)
	}
}

func (r *Runner) doScheduled(ctx context.Context, sj *model.ScheduledJob) error {
	switch sj.Payload {
	case model.JobPause:
		return r.cfg.Pool.SetPaused(sj.AccountOrdinal, true)
	case model.JobResume:
		return r.cfg.Pool.SetPaused(sj.AccountOrdinal, false)
	}

	if sj.RandomDelayMax > 0 {
		if err := sleep(ctx, randomDelay(0, sj.RandomDelayMax)); err != nil {
			return err
		}
	}
	client, err := r.client(sj.AccountOrdinal)
	if err != nil {
		return err
	}
	msgID, err := client.SendMessage(ctx, sj.TargetChat, sj.Message)
	if err != nil {
		return err
	}
	if sj.DeleteAfterSend {
		if err := client.DeleteMessage(ctx, sj.TargetChat, msgID); err != nil {
			return fmt.Errorf("delete after send: %w", err)
		}
	}
	return nil
}

func (r *Runner) recordScheduled(action string, err error) {
	if err != nil {
		r.record(0, action, model.ExecFailed, err.Error())
		return
	}
	r.record(0, action, model.ExecSucceeded, "")
}

func findButton(buttons []model.Button, keywords []string) (model.Button, bool) {
	for _, b := range buttons {
		label := strings.ToLower(b.Label)
		for _, kw := range keywords {
			if strings.Contains(label, strings.ToLower(kw)) {
				return b, true
			}
		}
	}
	return model.Button{}, false
}

// matchLabel resolves the classifier's answer to an actual button, tolerating
// partial answers by falling back to a substring match.
func matchLabel(buttons []model.Button, label string) (model.Button, bool) {
	for _, b := range buttons {
		if strings.EqualFold(strings.TrimSpace(b.Label), strings.TrimSpace(label)) {
			return b, true
		}
	}
	want := strings.ToLower(strings.TrimSpace(label))
	if want == "" {
		return model.Button{}, false
	}
	for _, b := range buttons {
		got := strings.ToLower(b.Label)
		if strings.Contains(got, want) || strings.Contains(want, got) {
			return b, true
		}
	}
	return model.Button{}, false
}

func writeTemp(dir string, data []byte, ext string) (string, error) {
	f, err := os.CreateTemp(dir, "monitor-image-*"+ext)
	if err != nil {
		return "", err
	}
	_, werr := f.Write(data)
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		os.Remove(f.Name())
		return "", werr
	}
	return f.Name(), nil
}

// randomDelay picks uniformly from the inclusive [min, max] window.
func randomDelay(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
