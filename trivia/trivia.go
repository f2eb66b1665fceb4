// Package trivia implements the scheduled quiz activity: an ordered question
// set runs in a channel, the first correct answer wins each round, and a
// fixed delay with the channel locked separates consecutive questions.
// Question sets live in Postgres and arrive via CSV upload or Sheets import.
package trivia

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"database/sql"

	"github.com/google/uuid"

	"github.com/onnwee/chat-rally/history"
	"github.com/onnwee/chat-rally/session"
	"github.com/onnwee/chat-rally/telemetry"
)

// ErrNoActiveTrivia is returned for cancel/status on an idle channel.
var ErrNoActiveTrivia = errors.New("no trivia running in this channel")

// Bounds on the between-question delay. Overridable in tests.
var (
	minInterval = time.Second
	maxInterval = time.Hour
)

// loadSet is swappable for tests that run without Postgres.
var loadSet = LoadSet

// Manager owns at most one trivia run per channel.
type Manager struct {
	db       *sql.DB
	notifier session.Notifier
	registry *session.Registry
	bus      *session.Bus

	mu   sync.Mutex
	runs map[string]*Sequencer
}

func NewManager(dbc *sql.DB, notifier session.Notifier, registry *session.Registry, bus *session.Bus) *Manager {
	return &Manager{
		db:       dbc,
		notifier: notifier,
		registry: registry,
		bus:      bus,
		runs:     make(map[string]*Sequencer),
	}
}

// Sequencer drives one trivia run: question index, waiting phase, wins
// ledger, and the one-shot advance timer. All transitions hold its mutex;
// notifier calls happen outside it.
type Sequencer struct {
	m         *Manager
	id        string
	channel   string
	set       string
	questions []Question
	interval  time.Duration

	mu        sync.Mutex
	active    bool
	waiting   bool
	idx       int
	epoch     int
	locked    bool
	startedAt time.Time
	wins      *session.Ledger
	timer     *time.Timer
}

// Start begins a trivia run in the channel. The set must exist and be
// non-empty; the interval is the fixed gap between questions.
func (m *Manager) Start(ctx context.Context, channel, setName string, interval time.Duration) error {
	if channel == "" {
		return errors.New("channel required")
	}
	setName = strings.TrimSpace(setName)
	if setName == "" {
		return errors.New("a question set name is required")
	}
	if interval < minInterval || interval > maxInterval {
		return fmt.Errorf("interval must be between %s and %s", minInterval, maxInterval)
	}

	questions, err := loadSet(ctx, m.db, setName)
	if err != nil {
		return err
	}
	if err := m.registry.Acquire(channel, "trivia"); err != nil {
		return err
	}

	s := &Sequencer{
		m:         m,
		id:        uuid.NewString(),
		channel:   channel,
		set:       setName,
		questions: questions,
		interval:  interval,
		active:    true,
		startedAt: time.Now(),
		wins:      session.NewLedger(),
	}

	if _, err := m.notifier.Announce(ctx, channel, openingText(setName, len(questions))); err != nil {
		m.registry.Release(channel)
		return fmt.Errorf("announce trivia start: %w", err)
	}

	m.mu.Lock()
	m.runs[channel] = s
	m.mu.Unlock()

	telemetry.Inc(telemetry.TriviaStarted)
	telemetry.SessionOpened()
	m.publish(channel, s.id, session.EventStarted, map[string]any{
		"set":       setName,
		"questions": len(questions),
	})
	slog.Info("trivia started",
		slog.String("channel", channel),
		slog.String("set", setName),
		slog.Int("questions", len(questions)),
		slog.Duration("interval", interval))

	s.openQuestion(ctx, 0)
	return nil
}

// HandleMessage evaluates one chat message as an answer to the channel's
// open question. Returns true when it won the round. Messages during the
// waiting phase, for idle channels, or with wrong answers are inert.
func (m *Manager) HandleMessage(ctx context.Context, channel, userID, displayName, messageID, text string) bool {
	m.mu.Lock()
	s, ok := m.runs[channel]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return s.handleAnswer(ctx, userID, displayName, messageID, text)
}

// Cancel ends the channel's trivia run, stopping any pending advance.
func (m *Manager) Cancel(ctx context.Context, channel string) error {
	m.mu.Lock()
	s, ok := m.runs[channel]
	m.mu.Unlock()
	if !ok {
		return ErrNoActiveTrivia
	}
	if !s.cancel(ctx) {
		return ErrNoActiveTrivia
	}
	return nil
}

func (s *Sequencer) handleAnswer(ctx context.Context, userID, displayName, messageID, text string) bool {
	answer := strings.TrimSpace(text)
	if answer == "" {
		return false
	}

	s.mu.Lock()
	if !s.active || s.waiting {
		s.mu.Unlock()
		return false
	}
	q := s.questions[s.idx]
	if !strings.EqualFold(answer, q.Answer) {
		s.mu.Unlock()
		return false
	}

	// First correct answer wins the round; the flags below make any
	// later message inert before this mutex is released.
	s.wins.Record(userID, displayName, time.Now())
	name := s.wins.Name(userID)
	won := s.idx
	last := won == len(s.questions)-1
	var epoch int
	if last {
		s.active = false
	} else {
		s.waiting = true
		epoch = s.epoch
	}
	s.mu.Unlock()

	telemetry.Inc(telemetry.TriviaCorrect)
	s.m.publish(s.channel, s.id, session.EventAnswer, map[string]any{
		"winner":   name,
		"question": won + 1,
	})
	if _, err := s.m.notifier.Reply(ctx, s.channel, messageID, correctText(name, q.Reward)); err != nil {
		slog.Warn("answer reply failed", slog.String("channel", s.channel), slog.Any("err", err))
		telemetry.Inc(telemetry.NotifyFailures)
	}

	if last {
		s.complete(ctx)
		return true
	}

	s.setLock(ctx, true)
	if _, err := s.m.notifier.Announce(ctx, s.channel, nextQuestionText(s.interval)); err != nil {
		slog.Warn("waiting announce failed", slog.String("channel", s.channel), slog.Any("err", err))
		telemetry.Inc(telemetry.NotifyFailures)
	}

	s.mu.Lock()
	armed := s.active
	if armed {
		s.timer = time.AfterFunc(s.interval, func() { s.advance(epoch) })
	}
	s.mu.Unlock()
	if !armed {
		// A cancel landed between the win and the timer arm; it captured the
		// lock state before setLock above, so reopen the channel here.
		s.setLock(ctx, false)
	}
	return true
}

// advance opens the next question when the waiting delay elapses. A stale
// timer (cancelled run or superseded cycle) is a guarded no-op.
func (s *Sequencer) advance(epoch int) {
	s.mu.Lock()
	if !s.active || epoch != s.epoch {
		s.mu.Unlock()
		slog.Debug("stale trivia advance ignored", slog.String("channel", s.channel))
		return
	}
	s.epoch++
	s.waiting = false
	s.idx++
	next := s.idx
	s.mu.Unlock()

	s.openQuestion(context.Background(), next)
}

// openQuestion unlocks the channel and posts question i.
func (s *Sequencer) openQuestion(ctx context.Context, i int) {
	s.setLock(ctx, false)
	if _, err := s.m.notifier.Announce(ctx, s.channel, questionText(i, len(s.questions), s.questions[i].Prompt)); err != nil {
		slog.Warn("question announce failed", slog.String("channel", s.channel), slog.Any("err", err))
		telemetry.Inc(telemetry.NotifyFailures)
	}
	telemetry.Inc(telemetry.TriviaQuestions)
	s.m.publish(s.channel, s.id, session.EventQuestion, map[string]any{
		"question": i + 1,
		"total":    len(s.questions),
	})
}

// complete runs exactly once when the final question is answered.
func (s *Sequencer) complete(ctx context.Context) {
	s.mu.Lock()
	scores := s.wins.Snapshot()
	total := s.wins.Events()
	startedAt := s.startedAt
	s.mu.Unlock()

	if _, err := s.m.notifier.Announce(ctx, s.channel, completionText(scores)); err != nil {
		slog.Warn("completion announce failed", slog.String("channel", s.channel), slog.Any("err", err))
		telemetry.Inc(telemetry.NotifyFailures)
	}

	telemetry.Inc(telemetry.TriviaCompleted)
	telemetry.ObserveDuration(telemetry.SessionDuration, time.Since(startedAt))

	top := topScorer(scores)
	topName := top.DisplayName
	if topName == "" {
		topName = top.ID
	}
	if s.m.db != nil {
		if _, err := history.Record(ctx, s.m.db, history.Result{
			SessionID:    s.id,
			Channel:      s.channel,
			Kind:         "trivia",
			Outcome:      history.OutcomeCompleted,
			WinnerID:     top.ID,
			WinnerName:   topName,
			Participants: scores,
			EventCount:   total,
			StartedAt:    startedAt,
			EndedAt:      time.Now(),
		}); err != nil {
			slog.Warn("failed to record trivia result",
				slog.String("channel", s.channel), slog.Any("err", err))
		}
	}

	s.m.finish(s.channel)
	s.m.publish(s.channel, s.id, session.EventCompleted, map[string]any{
		"questions": len(s.questions),
		"winner":    topName,
	})
	slog.Info("trivia completed",
		slog.String("channel", s.channel),
		slog.Int("questions", len(s.questions)),
		slog.Int("answers", total))
}

// cancel is the other terminal transition. Returns false when the run
// already ended.
func (s *Sequencer) cancel(ctx context.Context) bool {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return false
	}
	s.active = false
	s.epoch++
	if s.timer != nil {
		s.timer.Stop()
	}
	wasLocked := s.locked
	scores := s.wins.Snapshot()
	total := s.wins.Events()
	startedAt := s.startedAt
	s.mu.Unlock()

	if wasLocked {
		s.setLock(ctx, false)
	}
	if _, err := s.m.notifier.Announce(ctx, s.channel, cancelText()); err != nil {
		slog.Warn("trivia cancel announce failed", slog.String("channel", s.channel), slog.Any("err", err))
		telemetry.Inc(telemetry.NotifyFailures)
	}

	telemetry.Inc(telemetry.TriviaCancelled)
	if s.m.db != nil {
		if _, err := history.Record(ctx, s.m.db, history.Result{
			SessionID:    s.id,
			Channel:      s.channel,
			Kind:         "trivia",
			Outcome:      history.OutcomeCancelled,
			Participants: scores,
			EventCount:   total,
			StartedAt:    startedAt,
			EndedAt:      time.Now(),
		}); err != nil {
			slog.Warn("failed to record cancelled trivia",
				slog.String("channel", s.channel), slog.Any("err", err))
		}
	}

	s.m.finish(s.channel)
	s.m.publish(s.channel, s.id, session.EventCancelled, map[string]any{
		"outcome": history.OutcomeCancelled,
	})
	slog.Info("trivia cancelled", slog.String("channel", s.channel))
	return true
}

// setLock toggles emote-only style write access and tracks the applied
// state. Failures are logged and skipped; the run proceeds unlocked.
func (s *Sequencer) setLock(ctx context.Context, lock bool) {
	if err := s.m.notifier.SetWriteAccess(ctx, s.channel, !lock); err != nil {
		slog.Warn("write access toggle failed",
			slog.String("channel", s.channel),
			slog.Bool("lock", lock),
			slog.Any("err", err))
		telemetry.Inc(telemetry.NotifyFailures)
		return
	}
	s.mu.Lock()
	s.locked = lock
	s.mu.Unlock()
}

func (m *Manager) finish(channel string) {
	m.mu.Lock()
	delete(m.runs, channel)
	m.mu.Unlock()
	m.registry.Release(channel)
	telemetry.SessionClosed()
}

func (m *Manager) publish(channel, sessionID, typ string, detail map[string]any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(session.Event{
		Channel:   channel,
		Activity:  "trivia",
		Type:      typ,
		SessionID: sessionID,
		Detail:    detail,
	})
}

// Status is a point-in-time public view of one trivia run.
type Status struct {
	SessionID     string                `json:"session_id"`
	Channel       string                `json:"channel"`
	Set           string                `json:"set"`
	Question      int                   `json:"question"`
	QuestionCount int                   `json:"question_count"`
	Waiting       bool                  `json:"waiting"`
	StartedAt     time.Time             `json:"started_at"`
	Scores        []session.Participant `json:"scores"`
}

// StatusFor snapshots the channel's trivia run, or ErrNoActiveTrivia.
func (m *Manager) StatusFor(channel string) (Status, error) {
	m.mu.Lock()
	s, ok := m.runs[channel]
	m.mu.Unlock()
	if !ok {
		return Status{}, ErrNoActiveTrivia
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		SessionID:     s.id,
		Channel:       s.channel,
		Set:           s.set,
		Question:      s.idx + 1,
		QuestionCount: len(s.questions),
		Waiting:       s.waiting,
		StartedAt:     s.startedAt,
		Scores:        s.wins.Snapshot(),
	}, nil
}

// Active snapshots every running trivia session, ordered by channel.
func (m *Manager) Active() []Status {
	m.mu.Lock()
	channels := make([]string, 0, len(m.runs))
	for c := range m.runs {
		channels = append(channels, c)
	}
	m.mu.Unlock()
	sort.Strings(channels)

	out := []Status{}
	for _, c := range channels {
		if st, err := m.StatusFor(c); err == nil {
			out = append(out, st)
		}
	}
	return out
}

// topScorer returns the participant with the most wins; ties go to the
// earlier first answer.
func topScorer(scores []session.Participant) session.Participant {
	var top session.Participant
	for _, p := range scores {
		if p.Count > top.Count {
			top = p
		}
	}
	return top
}
