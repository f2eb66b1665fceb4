// Package train implements the message-train activity: a moderator starts a
// run with a reward on the line, any chat message keeps the clock alive, and
// when the budget finally runs out one rider is drawn uniformly at random to
// win the reward. Cancelling a train never draws a winner.
package train

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/chat-rally/history"
	"github.com/onnwee/chat-rally/session"
	"github.com/onnwee/chat-rally/telemetry"
)

// ErrNoActiveTrain is returned for cancel/status on an idle channel.
var ErrNoActiveTrain = errors.New("no active train in this channel")

// IdentityResolver resolves a participant id to their current display name.
// Implemented by twitchapi.Announcer.
type IdentityResolver interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

// pickIndex draws the winning index; swappable for deterministic tests.
//
//nolint:gosec // G404: non-cryptographic draw for a chat giveaway
var pickIndex = rand.Intn

// Options tune the train clock.
type Options struct {
	Budget time.Duration // default 60s
	Tick   time.Duration // default 5s
}

// Manager owns at most one train per channel.
type Manager struct {
	db       *sql.DB
	notifier session.Notifier
	resolver IdentityResolver
	registry *session.Registry
	bus      *session.Bus
	opts     Options

	mu     sync.Mutex
	trains map[string]*run // channel → active run
}

type run struct {
	sess   *session.Session
	reward string
}

func NewManager(dbc *sql.DB, notifier session.Notifier, resolver IdentityResolver, registry *session.Registry, bus *session.Bus, opts Options) *Manager {
	if opts.Budget <= 0 {
		opts.Budget = 60 * time.Second
	}
	if opts.Tick <= 0 {
		opts.Tick = 5 * time.Second
	}
	return &Manager{
		db:       dbc,
		notifier: notifier,
		resolver: resolver,
		registry: registry,
		bus:      bus,
		opts:     opts,
		trains:   make(map[string]*run),
	}
}

// Start begins a train in the channel. The reward is required; a busy
// channel surfaces session.ErrAlreadyActive.
func (m *Manager) Start(ctx context.Context, channel, reward string) error {
	reward = strings.TrimSpace(reward)
	if channel == "" {
		return errors.New("channel required")
	}
	if reward == "" {
		return errors.New("a reward is required to start a train")
	}
	if err := m.registry.Acquire(channel, "train"); err != nil {
		return err
	}

	budget := m.opts.Budget
	cfg := session.Config{
		Channel:  channel,
		Activity: "train",
		Budget:   budget,
		Tick:     m.opts.Tick,
		Thresholds: []session.Threshold{
			{At: budget / 2, Message: halfwayText(reward)},
			{At: budget, Message: timeUpText()},
		},
		StartText: startText(reward),
		RenderStatus: func(st session.Status) string {
			return statusText(reward, st, budget)
		},
		OnTimeout: func(ctx context.Context, sum session.Summary) {
			m.resolve(ctx, reward, sum)
		},
		OnEvent: func(string, string) {
			telemetry.Inc(telemetry.TrainEvents)
		},
	}

	s := session.New(cfg, m.notifier, m.bus)
	if err := s.Begin(ctx); err != nil {
		m.registry.Release(channel)
		return err
	}

	m.mu.Lock()
	m.trains[channel] = &run{sess: s, reward: reward}
	m.mu.Unlock()

	telemetry.Inc(telemetry.TrainsStarted)
	telemetry.SessionOpened()
	slog.Info("message train started",
		slog.String("channel", channel),
		slog.String("reward", reward),
		slog.String("session_id", s.ID()))
	return nil
}

// HandleMessage feeds a qualifying chat message to the channel's train.
// Channels without an active train ignore it.
func (m *Manager) HandleMessage(channel, userID, displayName string) bool {
	m.mu.Lock()
	r, ok := m.trains[channel]
	m.mu.Unlock()
	if !ok {
		return false
	}
	return r.sess.RecordEvent(userID, displayName)
}

// Cancel ends the channel's train without drawing a winner.
func (m *Manager) Cancel(ctx context.Context, channel string) error {
	m.mu.Lock()
	r, ok := m.trains[channel]
	m.mu.Unlock()
	if !ok {
		return ErrNoActiveTrain
	}
	if !r.sess.Cancel() {
		// The timeout got there first; resolution is already running.
		return ErrNoActiveTrain
	}

	_, participants, startedAt := r.sess.Snapshot()
	events := 0
	for _, p := range participants {
		events += p.Count
	}

	if _, err := m.notifier.Announce(ctx, channel, cancelText(r.reward)); err != nil {
		slog.Warn("train cancel announce failed",
			slog.String("channel", channel), slog.Any("err", err))
		telemetry.Inc(telemetry.NotifyFailures)
	}

	if m.db != nil {
		if _, err := history.Record(ctx, m.db, history.Result{
			SessionID:    r.sess.ID(),
			Channel:      channel,
			Kind:         "train",
			Reward:       r.reward,
			Outcome:      history.OutcomeCancelled,
			Participants: participants,
			EventCount:   events,
			StartedAt:    startedAt,
			EndedAt:      time.Now(),
		}); err != nil {
			slog.Warn("failed to record cancelled train",
				slog.String("channel", channel), slog.Any("err", err))
		}
	}

	telemetry.Inc(telemetry.TrainsCancelled)
	m.finish(channel)
	m.publish(channel, r.sess.ID(), session.EventCancelled, map[string]any{
		"outcome": history.OutcomeCancelled,
	})
	slog.Info("message train cancelled", slog.String("channel", channel))
	return nil
}

// resolve runs on the session goroutine exactly once per timed-out train.
func (m *Manager) resolve(ctx context.Context, reward string, sum session.Summary) {
	telemetry.Inc(telemetry.TrainsResolved)
	telemetry.ObserveDuration(telemetry.SessionDuration, sum.ResolvedAt.Sub(sum.StartedAt))

	result := history.Result{
		SessionID:    sum.ID,
		Channel:      sum.Channel,
		Kind:         "train",
		Reward:       reward,
		Participants: sum.Participants,
		EventCount:   sum.Events,
		StartedAt:    sum.StartedAt,
		EndedAt:      sum.ResolvedAt,
	}
	detail := map[string]any{}

	if len(sum.Participants) == 0 {
		result.Outcome = history.OutcomeExpired
		if _, err := m.notifier.Announce(ctx, sum.Channel, noRiderText(reward)); err != nil {
			slog.Warn("train no-rider announce failed",
				slog.String("channel", sum.Channel), slog.Any("err", err))
			telemetry.Inc(telemetry.NotifyFailures)
		}
		slog.Info("message train expired with no riders", slog.String("channel", sum.Channel))
	} else {
		// Every distinct rider has equal odds regardless of message volume.
		winner := sum.Participants[pickIndex(len(sum.Participants))]
		name, err := m.resolver.DisplayName(ctx, winner.ID)
		if err != nil || name == "" {
			slog.Warn("winner identity lookup failed, using ledger name",
				slog.String("user_id", winner.ID), slog.Any("err", err))
			name = winner.DisplayName
			if name == "" {
				name = winner.ID
			}
		}

		result.Outcome = history.OutcomeCompleted
		result.WinnerID = winner.ID
		result.WinnerName = name
		detail["winner"] = name

		text := winnerText(name, reward, len(sum.Participants), sum.Events)
		if _, err := m.notifier.Announce(ctx, sum.Channel, text); err != nil {
			slog.Warn("train winner announce failed",
				slog.String("channel", sum.Channel), slog.Any("err", err))
			telemetry.Inc(telemetry.NotifyFailures)
		}
		slog.Info("message train resolved",
			slog.String("channel", sum.Channel),
			slog.String("winner_id", winner.ID),
			slog.Int("riders", len(sum.Participants)),
			slog.Int("events", sum.Events))
	}
	detail["outcome"] = result.Outcome

	if m.db != nil {
		if _, err := history.Record(ctx, m.db, result); err != nil {
			slog.Warn("failed to record train result",
				slog.String("channel", sum.Channel), slog.Any("err", err))
		}
	}

	// Free the channel before observers hear about the resolution.
	m.finish(sum.Channel)
	m.publish(sum.Channel, sum.ID, session.EventResolved, detail)
}

// finish releases everything the train held in the channel.
func (m *Manager) finish(channel string) {
	m.mu.Lock()
	delete(m.trains, channel)
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
		Activity:  "train",
		Type:      typ,
		SessionID: sessionID,
		Detail:    detail,
	})
}

// Status is a point-in-time public view of one active train.
type Status struct {
	SessionID    string                `json:"session_id"`
	Channel      string                `json:"channel"`
	Reward       string                `json:"reward"`
	StartedAt    time.Time             `json:"started_at"`
	RemainingSec int                   `json:"remaining_seconds"`
	Riders       []session.Participant `json:"riders"`
	Events       int                   `json:"events"`
}

// StatusFor snapshots the channel's train, or ErrNoActiveTrain.
func (m *Manager) StatusFor(channel string) (Status, error) {
	m.mu.Lock()
	r, ok := m.trains[channel]
	m.mu.Unlock()
	if !ok {
		return Status{}, ErrNoActiveTrain
	}

	st, participants, startedAt := r.sess.Snapshot()
	events := 0
	for _, p := range participants {
		events += p.Count
	}
	return Status{
		SessionID:    r.sess.ID(),
		Channel:      channel,
		Reward:       r.reward,
		StartedAt:    startedAt,
		RemainingSec: int(st.Remaining.Seconds()),
		Riders:       participants,
		Events:       events,
	}, nil
}

// Active snapshots every running train, ordered by channel.
func (m *Manager) Active() []Status {
	m.mu.Lock()
	channels := make([]string, 0, len(m.trains))
	for c := range m.trains {
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
