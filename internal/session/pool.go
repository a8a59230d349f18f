// Package session manages the pool of live messaging-account sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"tg_monitor/internal/model"
)

// ErrNotFound is returned when no session exists for an ordinal.
var ErrNotFound = errors.New("session not found")

// Client is the transport capability for one connected account.
type Client interface {
	Connect(ctx context.Context) error
	Events(ctx context.Context) (<-chan model.Event, error)
	SendMessage(ctx context.Context, chatID int64, text string) (messageID int, err error)
	Reply(ctx context.Context, chatID int64, messageID int, text string) (int, error)
	Forward(ctx context.Context, toChat, fromChat int64, messageID int) error
	Click(ctx context.Context, chatID int64, messageID int, data string) error
	Download(ctx context.Context, fileID string) ([]byte, error)
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	Close() error
}

// Dialer creates a transport client for an account.
type Dialer func(account model.Account) (Client, error)

// HealthFunc observes session state transitions.
type HealthFunc func(ordinal int, state model.SessionState)

const reconnectCap = 30 * time.Second

// Pool holds one live session per registered account. Ordinals are assigned
// monotonically in registration order and never reused, even after removal.
type Pool struct {
	dial   Dialer
	log    *slog.Logger
	health HealthFunc

	mu          sync.Mutex
	ctx         context.Context
	nextOrdinal int
	sessions    map[int]*Session
}

// Session is one account's live connection and event stream.
type Session struct {
	mu      sync.Mutex
	account model.Account
	client  Client
	out     chan model.Event
	cancel  context.CancelFunc
}

// Account returns a snapshot of the session's account record.
func (s *Session) Account() model.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// Events returns the session's normalized event stream. The channel is
// closed when the session stops.
func (s *Session) Events() <-chan model.Event { return s.out }

// Client returns the live transport client, or an error while the session
// is not connected.
func (s *Session) Client() (Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.account.State != model.StateActive || s.client == nil {
		return nil, fmt.Errorf("session %d is %s", s.account.Ordinal, s.account.State)
	}
	return s.client, nil
}

// New creates a Pool. health may be nil.
func New(dial Dialer, health HealthFunc, log *slog.Logger) *Pool {
	return &Pool{
		dial:     dial,
		log:      log,
		health:   health,
		sessions: make(map[int]*Session),
	}
}

// Start binds the pool to a lifecycle context. Sessions registered before
// Start begin connecting now; later registrations start immediately.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx != nil {
		return
	}
	p.ctx = ctx
	for _, s := range p.sessions {
		p.launchLocked(s)
	}
}

// Register adds an account to the pool and returns its ordinal.
func (p *Pool) Register(account model.Account) (int, error) {
	if account.Identity == "" {
		return 0, fmt.Errorf("account identity is required")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextOrdinal++
	account.Ordinal = p.nextOrdinal
	account.State = model.StateConnecting
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	s := &Session{account: account, out: make(chan model.Event, 64)}
	p.sessions[account.Ordinal] = s
	if p.ctx != nil {
		p.launchLocked(s)
	}
	return account.Ordinal, nil
}

// Restore re-adds an exported account under its original ordinal, keeping
// ordinal assignment monotonic afterwards.
func (p *Pool) Restore(account model.Account) error {
	if account.Ordinal <= 0 {
		return fmt.Errorf("account ordinal %d is invalid", account.Ordinal)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.sessions[account.Ordinal]; ok {
		return fmt.Errorf("ordinal %d already registered", account.Ordinal)
	}
	if account.Ordinal > p.nextOrdinal {
		p.nextOrdinal = account.Ordinal
	}
	account.State = model.StateConnecting
	s := &Session{account: account, out: make(chan model.Event, 64)}
	p.sessions[account.Ordinal] = s
	if p.ctx != nil {
		p.launchLocked(s)
	}
	return nil
}

// Get returns the session for an ordinal.
func (p *Pool) Get(ordinal int) (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[ordinal]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove stops and removes an account's session. The ordinal is retired.
func (p *Pool) Remove(ordinal int) error {
	p.mu.Lock()
	s, ok := p.sessions[ordinal]
	if ok {
		delete(p.sessions, ordinal)
	}
	p.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// SetPaused flips monitoring for an account. The session stays connected;
// the dispatcher simply receives no events while paused.
func (p *Pool) SetPaused(ordinal int, paused bool) error {
	s, err := p.Get(ordinal)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.account.Paused = paused
	s.mu.Unlock()
	p.log.Info("account monitoring toggled", "ordinal", ordinal, "paused", paused)
	return nil
}

// List returns the registered accounts in ordinal order.
func (p *Pool) List() []model.Account {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Account, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s.Account())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

func (p *Pool) launchLocked(s *Session) {
	ctx, cancel := context.WithCancel(p.ctx)
	s.cancel = cancel
	go p.run(ctx, s)
}

// run keeps one session alive: connect, stream events, and on transport
// failure mark the session degraded and reconnect with capped exponential
// backoff. The account is never silently dropped.
func (p *Pool) run(ctx context.Context, s *Session) {
	defer close(s.out)
	defer p.setState(s, model.StateStopped)

	for ctx.Err() == nil {
		client, err := p.connect(ctx, s)
		if err != nil {
			return // only on context cancellation
		}
		p.setState(s, model.StateActive)
		s.mu.Lock()
		s.client = client
		s.mu.Unlock()

		events, err := client.Events(ctx)
		if err != nil {
			p.log.Error("open event stream", "ordinal", s.Account().Ordinal, "error", err)
		} else {
			p.pump(ctx, s, events)
		}

		_ = client.Close()
		s.mu.Lock()
		s.client = nil
		s.mu.Unlock()
		if ctx.Err() == nil {
			p.setState(s, model.StateDegraded)
		}
	}
}

func (p *Pool) connect(ctx context.Context, s *Session) (Client, error) {
	p.setState(s, model.StateConnecting)
	backoff := retry.WithCappedDuration(reconnectCap, retry.NewExponential(time.Second))

	var client Client
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := p.dial(s.Account())
		if err == nil {
			err = c.Connect(ctx)
		}
		if err != nil {
			p.log.Warn("connect failed, retrying",
				"ordinal", s.Account().Ordinal, "identity", s.Account().Identity, "error", err)
			return retry.RetryableError(err)
		}
		client = c
		return nil
	})
	return client, err
}

func (p *Pool) pump(ctx context.Context, s *Session, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return // transport dropped
			}
			if s.Account().Paused {
				continue
			}
			select {
			case s.out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pool) setState(s *Session, state model.SessionState) {
	s.mu.Lock()
	prev := s.account.State
	s.account.State = state
	ordinal := s.account.Ordinal
	s.mu.Unlock()

	if prev == state {
		return
	}
	p.log.Info("session state", "ordinal", ordinal, "from", prev, "to", state)
	if p.health != nil {
		p.health(ordinal, state)
	}
}
