// Package session implements the shared engine for timed chat activities: a
// keep-alive clock measured from the last qualifying event, reminder
// thresholds, a participant ledger, per-channel mutual exclusion, and an
// event bus for live observers. The train and trivia managers build their
// behavior on top of it.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/chat-rally/telemetry"
)

// Notifier delivers chat-facing output. Implemented by twitchapi.Announcer;
// tests substitute fakes. All calls happen on the session goroutine (or the
// caller of Begin), never on the event-ingestion path.
type Notifier interface {
	// Announce posts a new message and returns its handle.
	Announce(ctx context.Context, channel, text string) (string, error)
	// Update replaces the message identified by handle with text, returning
	// the replacement's handle.
	Update(ctx context.Context, channel, handle, text string) (string, error)
	// Reply posts a threaded reply to the message identified by parentID.
	Reply(ctx context.Context, channel, parentID, text string) (string, error)
	// SetWriteAccess opens or closes the channel for general chatting.
	SetWriteAccess(ctx context.Context, channel string, open bool) error
}

// Summary describes a finished activation, handed to OnTimeout.
type Summary struct {
	ID           string
	Channel      string
	StartedAt    time.Time
	ResolvedAt   time.Time
	Participants []Participant
	Events       int
}

// Config parameterizes one session activation.
type Config struct {
	Channel    string
	Activity   string // "train" or "trivia", stamped on bus events
	Budget     time.Duration
	Tick       time.Duration
	Thresholds []Threshold
	// StartText is announced by Begin; its handle becomes the status
	// message that every render replaces.
	StartText string
	// RenderStatus formats the live status line.
	RenderStatus func(Status) string
	// OnTimeout runs exactly once when the budget expires without an event.
	// Never invoked after Cancel.
	OnTimeout func(context.Context, Summary)
	// OnEvent observes qualifying events after they are recorded. Optional.
	OnEvent func(participantID, displayName string)
	// Now is the clock, injectable for tests. Defaults to time.Now.
	Now func() time.Time
}

// Session is a single activation of a timed activity in one channel. The
// zero value is unusable; construct with New.
type Session struct {
	cfg      Config
	notifier Notifier
	bus      *Bus
	id       string

	mu        sync.Mutex
	begun     bool
	active    bool
	startedAt time.Time
	lastEvent time.Time
	lastFired time.Duration
	ledger    *Ledger
	ticker    *time.Ticker

	refresh chan struct{}
	done    chan struct{}
}

func New(cfg Config, n Notifier, b *Bus) *Session {
	if cfg.Budget <= 0 {
		cfg.Budget = 60 * time.Second
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RenderStatus == nil {
		cfg.RenderStatus = func(st Status) string {
			return fmt.Sprintf("%d seconds remaining", int(st.Remaining.Seconds()))
		}
	}
	return &Session{
		cfg:      cfg,
		notifier: n,
		bus:      b,
		id:       uuid.NewString(),
		ledger:   NewLedger(),
		refresh:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// ID returns the activation id.
func (s *Session) ID() string { return s.id }

// Channel returns the channel this activation runs in.
func (s *Session) Channel() string { return s.cfg.Channel }

// Active reports whether the session has begun and not yet ended.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Snapshot returns the live status, the ledger, and the start time.
func (s *Session) Snapshot() (Status, []Participant, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status(), s.ledger.Snapshot(), s.startedAt
}

// Begin announces the start text, renders the initial status over it, and
// starts the tick goroutine. A session can begin at most once.
func (s *Session) Begin(ctx context.Context) error {
	s.mu.Lock()
	if s.begun {
		s.mu.Unlock()
		return fmt.Errorf("session already begun")
	}
	s.begun = true
	now := s.cfg.Now()
	s.startedAt = now
	s.lastEvent = now
	s.active = true
	s.ticker = time.NewTicker(s.cfg.Tick)
	s.mu.Unlock()

	handle, err := s.notifier.Announce(ctx, s.cfg.Channel, s.cfg.StartText)
	if err != nil {
		s.mu.Lock()
		s.active = false
		s.ticker.Stop()
		s.mu.Unlock()
		return fmt.Errorf("announce session start: %w", err)
	}
	s.publish(EventStarted, nil)

	handle = s.render(ctx, handle)

	go s.run(handle)
	return nil
}

// RecordEvent feeds one qualifying chat message into the session: the ledger
// is updated, the clock resets to now, the tick phase re-aligns to the
// event, and an asynchronous status refresh is requested. Returns false
// without mutating anything when the session is not active. Never blocks.
func (s *Session) RecordEvent(participantID, displayName string) bool {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return false
	}
	now := s.cfg.Now()
	s.ledger.Record(participantID, displayName, now)
	s.lastEvent = now
	s.lastFired = 0
	s.ticker.Reset(s.cfg.Tick)
	s.mu.Unlock()

	if s.cfg.OnEvent != nil {
		s.cfg.OnEvent(participantID, displayName)
	}
	s.publish(EventMessage, map[string]any{"participant": participantID})

	select {
	case s.refresh <- struct{}{}:
	default:
	}
	return true
}

// Cancel ends the session without resolution. OnTimeout will not run.
// Returns false when the session already ended.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return false
	}
	s.active = false
	s.ticker.Stop()
	s.mu.Unlock()
	close(s.done)
	return true
}

// status computes the clock view. Callers hold s.mu.
func (s *Session) status() Status {
	elapsed := s.cfg.Now().Sub(s.lastEvent)
	return ComputeStatus(elapsed, s.cfg.Budget, s.cfg.Thresholds, s.lastFired)
}

// render publishes the status line and returns the current status handle.
// Failures are logged and skipped; the next tick re-renders.
func (s *Session) render(ctx context.Context, handle string) string {
	s.mu.Lock()
	st := s.status()
	s.mu.Unlock()
	fresh, err := s.notifier.Update(ctx, s.cfg.Channel, handle, s.cfg.RenderStatus(st))
	if err != nil {
		slog.Warn("status render failed",
			slog.String("channel", s.cfg.Channel),
			slog.Any("err", err))
		return handle
	}
	return fresh
}

// run drives the session until cancel or timeout. It owns the status handle
// and is the only goroutine talking to the notifier after Begin.
func (s *Session) run(handle string) {
	ctx := context.Background()
	defer s.ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-s.refresh:
			handle = s.render(ctx, handle)
		case <-s.ticker.C:
			var fired *Threshold
			var timedOut bool
			var summary Summary

			s.mu.Lock()
			if !s.active {
				s.mu.Unlock()
				return
			}
			st := s.status()
			if st.Due != nil {
				s.lastFired = st.Due.At
				fired = st.Due
			}
			if st.Elapsed >= s.cfg.Budget {
				s.active = false
				timedOut = true
				summary = Summary{
					ID:           s.id,
					Channel:      s.cfg.Channel,
					StartedAt:    s.startedAt,
					ResolvedAt:   s.cfg.Now(),
					Participants: s.ledger.Snapshot(),
					Events:       s.ledger.Events(),
				}
			}
			s.mu.Unlock()

			if fresh, err := s.notifier.Update(ctx, s.cfg.Channel, handle, s.cfg.RenderStatus(st)); err != nil {
				slog.Warn("status render failed",
					slog.String("channel", s.cfg.Channel),
					slog.Any("err", err))
			} else {
				handle = fresh
			}

			if fired != nil {
				if _, err := s.notifier.Announce(ctx, s.cfg.Channel, fired.Message); err != nil {
					slog.Warn("reminder announce failed",
						slog.String("channel", s.cfg.Channel),
						slog.Any("err", err))
				}
				telemetry.Inc(telemetry.RemindersFired)
				s.publish(EventReminder, map[string]any{"at_seconds": fired.At.Seconds()})
			}

			if timedOut {
				if s.cfg.OnTimeout != nil {
					s.cfg.OnTimeout(ctx, summary)
				}
				return
			}
		}
	}
}

func (s *Session) publish(typ string, detail map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(Event{
		Time:      s.cfg.Now(),
		Channel:   s.cfg.Channel,
		Activity:  s.cfg.Activity,
		Type:      typ,
		SessionID: s.id,
		Detail:    detail,
	})
}
