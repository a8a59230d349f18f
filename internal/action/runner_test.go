package action

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tg_monitor/internal/model"
	"tg_monitor/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentMessage struct {
	ChatID  int64
	ReplyTo int
	Text    string
}

type forwardCall struct {
	ToChat    int64
	FromChat  int64
	MessageID int
}

// recClient is a transport fake that records every call.
type recClient struct {
	mu         sync.Mutex
	events     chan model.Event
	sent       []sentMessage
	forwards   []forwardCall
	clicks     []string
	deleted    []int
	download   []byte
	forwardErr map[int64]error
}

func newRecClient() *recClient {
	return &recClient{events: make(chan model.Event, 16)}
}

func (c *recClient) Connect(context.Context) error { return nil }

func (c *recClient) Events(context.Context) (<-chan model.Event, error) { return c.events, nil }

func (c *recClient) SendMessage(_ context.Context, chatID int64, text string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{ChatID: chatID, Text: text})
	return 100 + len(c.sent), nil
}

func (c *recClient) Reply(_ context.Context, chatID int64, messageID int, text string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, sentMessage{ChatID: chatID, ReplyTo: messageID, Text: text})
	return 100 + len(c.sent), nil
}

func (c *recClient) Forward(_ context.Context, toChat, fromChat int64, messageID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.forwardErr[toChat]; err != nil {
		return err
	}
	c.forwards = append(c.forwards, forwardCall{ToChat: toChat, FromChat: fromChat, MessageID: messageID})
	return nil
}

func (c *recClient) Click(_ context.Context, _ int64, _ int, data string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clicks = append(c.clicks, data)
	return nil
}

func (c *recClient) Download(context.Context, string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.download, nil
}

func (c *recClient) DeleteMessage(_ context.Context, _ int64, messageID int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleted = append(c.deleted, messageID)
	return nil
}

func (c *recClient) Close() error { return nil }

func (c *recClient) sentMessages() []sentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]sentMessage, len(c.sent))
	copy(cp, c.sent)
	return cp
}

type recObserver struct {
	mu   sync.Mutex
	recs []model.ExecutionRecord
}

func (o *recObserver) Record(rec model.ExecutionRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.recs = append(o.recs, rec)
}

func (o *recObserver) records() []model.ExecutionRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := make([]model.ExecutionRecord, len(o.recs))
	copy(cp, o.recs)
	return cp
}

func (o *recObserver) byAction(action string) []model.ExecutionRecord {
	var out []model.ExecutionRecord
	for _, r := range o.records() {
		if r.Action == action {
			out = append(out, r)
		}
	}
	return out
}

// flakyChooser fails a fixed number of times before answering.
type flakyChooser struct {
	mu       sync.Mutex
	failures int
	answer   string
	calls    int
}

func (f *flakyChooser) ChooseButton(context.Context, string, []string, []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return "", fmt.Errorf("model overloaded")
	}
	return f.answer, nil
}

type memSaver struct {
	mu    sync.Mutex
	paths []string
	data  [][]byte
}

func (s *memSaver) Save(_ context.Context, data []byte, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths = append(s.paths, path)
	s.data = append(s.data, data)
	return nil
}

func newTestPool(t *testing.T, client *recClient) *session.Pool {
	t.Helper()
	pool := session.New(func(model.Account) (session.Client, error) {
		return client, nil
	}, nil, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	pool.Start(ctx)
	if _, err := pool.Register(model.Account{Identity: "alice", Token: "t"}); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	s, err := pool.Get(1)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := s.Client(); err == nil {
			return pool
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("session never became active")
	return nil
}

func baseEvent() *model.Event {
	return &model.Event{
		AccountOrdinal: 1,
		ChatID:         100,
		MessageID:      55,
		SenderID:       7,
		SenderName:     "carol",
		Text:           "trigger",
		Time:           time.Now().UTC(),
	}
}

func TestReplyDelayWindowAndPhrase(t *testing.T) {
	client := newRecClient()
	pool := newTestPool(t, client)
	obs := &recObserver{}
	runner := NewRunner(Config{Pool: pool, Observer: obs, Log: testLogger()})

	phrases := []string{"sure", "on it", "done"}
	job := Job{
		MonitorID: 1,
		Kind:      model.KindKeyword,
		Event:     baseEvent(),
		Actions: model.ActionSet{Reply: &model.ReplyConfig{
			Phrases:  phrases,
			DelayMin: 60 * time.Millisecond,
			DelayMax: 120 * time.Millisecond,
			Mode:     model.ReplyToMessage,
		}},
	}

	start := time.Now()
	runner.Run(context.Background(), job)
	elapsed := time.Since(start)

	if elapsed < 60*time.Millisecond {
		t.Errorf("reply fired after %v, want at least the 60ms minimum delay", elapsed)
	}
	sent := client.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].ReplyTo != 55 {
		t.Errorf("ReplyTo = %d, want 55", sent[0].ReplyTo)
	}
	var known bool
	for _, p := range phrases {
		if sent[0].Text == p {
			known = true
		}
	}
	if !known {
		t.Errorf("reply text %q not one of the configured phrases", sent[0].Text)
	}
	if recs := obs.byAction("reply"); len(recs) != 1 || recs[0].Status != model.ExecSucceeded {
		t.Errorf("reply records = %+v, want one succeeded", recs)
	}
}

func TestRandomDelayWindowIsInclusive(t *testing.T) {
	sawMax := false
	for i := 0; i < 200; i++ {
		d := randomDelay(0, 1)
		if d < 0 || d > 1 {
			t.Fatalf("randomDelay(0, 1) = %d, outside the window", d)
		}
		if d == 1 {
			sawMax = true
		}
	}
	if !sawMax {
		t.Error("randomDelay(0, 1) never returned the window maximum")
	}
}

func TestForwardTargetsFailIndependently(t *testing.T) {
	client := newRecClient()
	client.forwardErr = map[int64]error{200: fmt.Errorf("chat not found")}
	pool := newTestPool(t, client)
	obs := &recObserver{}
	runner := NewRunner(Config{Pool: pool, Observer: obs, Log: testLogger()})

	job := Job{
		MonitorID: 1,
		Kind:      model.KindKeyword,
		Event:     baseEvent(),
		Actions:   model.ActionSet{ForwardTargets: []int64{200, 300, 100}},
	}
	runner.Run(context.Background(), job)

	client.mu.Lock()
	forwards := len(client.forwards)
	client.mu.Unlock()
	if forwards != 1 {
		t.Fatalf("forwarded %d times, want 1 (failing target isolated, source chat skipped)", forwards)
	}
	if recs := obs.byAction("forward:200"); len(recs) != 1 || recs[0].Status != model.ExecFailed {
		t.Errorf("forward:200 records = %+v, want one failed", recs)
	}
	if recs := obs.byAction("forward:300"); len(recs) != 1 || recs[0].Status != model.ExecSucceeded {
		t.Errorf("forward:300 records = %+v, want one succeeded", recs)
	}
}

func TestSaveSkipsOversizedAttachment(t *testing.T) {
	client := newRecClient()
	pool := newTestPool(t, client)
	obs := &recObserver{}
	saver := &memSaver{}
	runner := NewRunner(Config{Pool: pool, Observer: obs, Saver: saver, Log: testLogger()})

	ev := baseEvent()
	ev.Attachment = &model.Attachment{FileName: "dump.bin", Extension: ".bin", Size: 3 << 20, FileID: "f1"}
	job := Job{
		MonitorID: 1,
		Kind:      model.KindFileExtension,
		Event:     ev,
		Actions:   model.ActionSet{Save: &model.SaveConfig{Dir: t.TempDir(), MaxSizeMB: 2}},
	}
	runner.Run(context.Background(), job)

	if len(saver.paths) != 0 {
		t.Errorf("saver called %d times, want 0", len(saver.paths))
	}
	recs := obs.byAction("save")
	if len(recs) != 1 || recs[0].Status != model.ExecSkipped {
		t.Fatalf("save records = %+v, want one skipped", recs)
	}
}

func TestSaveDownloadsAttachment(t *testing.T) {
	client := newRecClient()
	client.download = []byte("file-bytes")
	pool := newTestPool(t, client)
	obs := &recObserver{}
	saver := &memSaver{}
	runner := NewRunner(Config{Pool: pool, Observer: obs, Saver: saver, Log: testLogger()})

	dir := t.TempDir()
	ev := baseEvent()
	ev.Attachment = &model.Attachment{FileName: "report.pdf", Extension: ".pdf", Size: 10, FileID: "f1"}
	job := Job{
		MonitorID: 1,
		Kind:      model.KindFileExtension,
		Event:     ev,
		Actions:   model.ActionSet{Save: &model.SaveConfig{Dir: dir}},
	}
	runner.Run(context.Background(), job)

	if len(saver.paths) != 1 {
		t.Fatalf("saver called %d times, want 1", len(saver.paths))
	}
	want := filepath.Join(dir, "55_report.pdf")
	if saver.paths[0] != want {
		t.Errorf("save path = %q, want %q", saver.paths[0], want)
	}
	if string(saver.data[0]) != "file-bytes" {
		t.Errorf("saved %q, want downloaded bytes", saver.data[0])
	}
}

func TestLogActionAppendsLine(t *testing.T) {
	client := newRecClient()
	pool := newTestPool(t, client)
	obs := &recObserver{}
	runner := NewRunner(Config{Pool: pool, Observer: obs, Log: testLogger()})

	path := filepath.Join(t.TempDir(), "hits.log")
	job := Job{MonitorID: 3, Kind: model.KindKeyword, Event: baseEvent(), LogPaths: []string{path}}
	runner.Run(context.Background(), job)
	runner.Run(context.Background(), job)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("log has %d lines, want 2", lines)
	}
}

func TestKeywordClickPicksMatchingButton(t *testing.T) {
	client := newRecClient()
	pool := newTestPool(t, client)
	obs := &recObserver{}
	runner := NewRunner(Config{Pool: pool, Observer: obs, Log: testLogger()})

	ev := baseEvent()
	ev.Buttons = []model.Button{
		{Label: "Cancel", Data: "cb-cancel"},
		{Label: "Confirm Entry", Data: "cb-confirm"},
	}
	job := Job{
		MonitorID: 1,
		Kind:      model.KindButtonKeyword,
		Event:     ev,
		Button:    &model.ButtonRule{Keywords: []string{"confirm"}},
	}
	runner.Run(context.Background(), job)

	client.mu.Lock()
	clicks := append([]string(nil), client.clicks...)
	client.mu.Unlock()
	if len(clicks) != 1 || clicks[0] != "cb-confirm" {
		t.Errorf("clicks = %v, want [cb-confirm]", clicks)
	}
}

func TestAIClickRetriesOnceThenSucceeds(t *testing.T) {
	client := newRecClient()
	client.download = []byte("png-bytes")
	pool := newTestPool(t, client)
	obs := &recObserver{}
	chooser := &flakyChooser{failures: 1, answer: "Confirm Entry"}
	tempDir := t.TempDir()
	runner := NewRunner(Config{
		Pool:         pool,
		Classifier:   chooser,
		Observer:     obs,
		Log:          testLogger(),
		TempDir:      tempDir,
		AIRetryDelay: 20 * time.Millisecond,
	})

	ev := baseEvent()
	ev.Attachment = &model.Attachment{FileName: "captcha.png", Extension: ".png", FileID: "f1", IsImage: true}
	ev.Buttons = []model.Button{
		{Label: "Cancel", Data: "cb-cancel"},
		{Label: "Confirm Entry", Data: "cb-confirm"},
	}
	job := Job{
		MonitorID: 1,
		Kind:      model.KindImageButton,
		Event:     ev,
		Button:    &model.ButtonRule{Prompt: "pick the right option"},
	}

	start := time.Now()
	runner.Run(context.Background(), job)
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("retry fired after %v, want at least the configured delay", elapsed)
	}

	if chooser.calls != 2 {
		t.Errorf("classifier called %d times, want 2", chooser.calls)
	}
	client.mu.Lock()
	clicks := append([]string(nil), client.clicks...)
	client.mu.Unlock()
	if len(clicks) != 1 || clicks[0] != "cb-confirm" {
		t.Errorf("clicks = %v, want [cb-confirm]", clicks)
	}
	recs := obs.byAction("ai_click")
	if len(recs) != 1 || recs[0].Status != model.ExecRetried {
		t.Fatalf("ai_click records = %+v, want one retried_succeeded", recs)
	}
	assertNoTempFiles(t, tempDir)
}

func TestAIClickFailsAfterSingleRetry(t *testing.T) {
	client := newRecClient()
	client.download = []byte("png-bytes")
	pool := newTestPool(t, client)
	obs := &recObserver{}
	chooser := &flakyChooser{failures: 10}
	tempDir := t.TempDir()
	runner := NewRunner(Config{
		Pool:         pool,
		Classifier:   chooser,
		Observer:     obs,
		Log:          testLogger(),
		TempDir:      tempDir,
		AIRetryDelay: time.Millisecond,
	})

	ev := baseEvent()
	ev.Attachment = &model.Attachment{FileName: "captcha.png", Extension: ".png", FileID: "f1", IsImage: true}
	ev.Buttons = []model.Button{{Label: "Go", Data: "cb-go"}}
	job := Job{
		MonitorID: 1,
		Kind:      model.KindImageButton,
		Event:     ev,
		Button:    &model.ButtonRule{Prompt: "pick"},
	}
	runner.Run(context.Background(), job)

	if chooser.calls != 2 {
		t.Errorf("classifier called %d times, want exactly 2 (one retry)", chooser.calls)
	}
	client.mu.Lock()
	clicks := len(client.clicks)
	client.mu.Unlock()
	if clicks != 0 {
		t.Errorf("clicked %d times after final failure, want 0", clicks)
	}
	recs := obs.byAction("ai_click")
	if len(recs) != 1 || recs[0].Status != model.ExecFailed {
		t.Fatalf("ai_click records = %+v, want one failed", recs)
	}
	assertNoTempFiles(t, tempDir)
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read temp dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("temp dir still holds %d files, want 0", len(entries))
	}
}

func TestScheduledSendWithDeleteAfter(t *testing.T) {
	client := newRecClient()
	pool := newTestPool(t, client)
	obs := &recObserver{}
	runner := NewRunner(Config{Pool: pool, Observer: obs, Log: testLogger()})

	var doneErr error
	done := make(chan struct{})
	job := Job{
		Scheduled: &model.ScheduledJob{
			ID:              "j1",
			AccountOrdinal:  1,
			TargetChat:      500,
			Payload:         model.JobSendMessage,
			Message:         "gm",
			DeleteAfterSend: true,
			Enabled:         true,
		},
		OnDone: func(err error) {
			doneErr = err
			close(done)
		},
	}
	runner.Run(context.Background(), job)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnDone never called")
	}
	if doneErr != nil {
		t.Fatalf("OnDone error: %v", doneErr)
	}
	sent := client.sentMessages()
	if len(sent) != 1 || sent[0].ChatID != 500 || sent[0].Text != "gm" {
		t.Fatalf("sent = %+v, want one gm to chat 500", sent)
	}
	client.mu.Lock()
	deleted := append([]int(nil), client.deleted...)
	client.mu.Unlock()
	if len(deleted) != 1 {
		t.Errorf("deleted %d messages, want 1", len(deleted))
	}
}

func TestScheduledPauseTogglesAccount(t *testing.T) {
	client := newRecClient()
	pool := newTestPool(t, client)
	runner := NewRunner(Config{Pool: pool, Observer: &recObserver{}, Log: testLogger()})

	runner.Run(context.Background(), Job{
		Scheduled: &model.ScheduledJob{ID: "j1", AccountOrdinal: 1, Payload: model.JobPause, Enabled: true},
	})
	if accts := pool.List(); !accts[0].Paused {
		t.Error("account not paused after pause job")
	}

	runner.Run(context.Background(), Job{
		Scheduled: &model.ScheduledJob{ID: "j2", AccountOrdinal: 1, Payload: model.JobResume, Enabled: true},
	})
	if accts := pool.List(); accts[0].Paused {
		t.Error("account still paused after resume job")
	}
}
