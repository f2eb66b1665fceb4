package twitchapi

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// Announcer delivers session output to Twitch chat over Helix and implements
// the engine's notifier contract. Channel logins resolve to ids lazily and
// stay cached for the process lifetime; the bot's own id is cached the same
// way.
type Announcer struct {
	Client   *HelixClient
	BotLogin string

	mu    sync.Mutex
	ids   map[string]string // login -> user id
	botID string
}

func (a *Announcer) broadcasterID(ctx context.Context, channel string) (string, error) {
	login := strings.ToLower(strings.TrimPrefix(channel, "#"))
	a.mu.Lock()
	if id, ok := a.ids[login]; ok {
		a.mu.Unlock()
		return id, nil
	}
	a.mu.Unlock()

	id, err := a.Client.GetUserID(ctx, login)
	if err != nil {
		return "", fmt.Errorf("resolve channel %s: %w", login, err)
	}
	a.mu.Lock()
	if a.ids == nil {
		a.ids = make(map[string]string)
	}
	a.ids[login] = id
	a.mu.Unlock()
	return id, nil
}

func (a *Announcer) selfID(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.botID != "" {
		id := a.botID
		a.mu.Unlock()
		return id, nil
	}
	a.mu.Unlock()

	id, err := a.Client.GetUserID(ctx, a.BotLogin)
	if err != nil {
		return "", fmt.Errorf("resolve bot account %s: %w", a.BotLogin, err)
	}
	a.mu.Lock()
	a.botID = id
	a.mu.Unlock()
	return id, nil
}

// Announce sends a line to the channel and returns its message handle.
func (a *Announcer) Announce(ctx context.Context, channel, text string) (string, error) {
	b, err := a.broadcasterID(ctx, channel)
	if err != nil {
		return "", err
	}
	s, err := a.selfID(ctx)
	if err != nil {
		return "", err
	}
	return a.Client.SendChatMessage(ctx, b, s, text, "")
}

// Update replaces a previously announced line: best-effort delete of the old
// message, then a fresh send. The fresh handle is returned even when the
// delete fails, since the old message may already be gone.
func (a *Announcer) Update(ctx context.Context, channel, handle, text string) (string, error) {
	b, err := a.broadcasterID(ctx, channel)
	if err != nil {
		return "", err
	}
	s, err := a.selfID(ctx)
	if err != nil {
		return "", err
	}
	if handle != "" {
		if err := a.Client.DeleteChatMessage(ctx, b, s, handle); err != nil {
			slog.Debug("stale status message delete failed", slog.String("channel", channel), slog.Any("err", err))
		}
	}
	return a.Client.SendChatMessage(ctx, b, s, text, "")
}

// Reply sends a threaded reply to a specific message.
func (a *Announcer) Reply(ctx context.Context, channel, parentID, text string) (string, error) {
	b, err := a.broadcasterID(ctx, channel)
	if err != nil {
		return "", err
	}
	s, err := a.selfID(ctx)
	if err != nil {
		return "", err
	}
	return a.Client.SendChatMessage(ctx, b, s, text, parentID)
}

// SetWriteAccess opens or closes general chat for a channel. Closed maps to
// emote-only mode, so moderators keep their override.
func (a *Announcer) SetWriteAccess(ctx context.Context, channel string, open bool) error {
	b, err := a.broadcasterID(ctx, channel)
	if err != nil {
		return err
	}
	s, err := a.selfID(ctx)
	if err != nil {
		return err
	}
	return a.Client.SetEmoteOnly(ctx, b, s, !open)
}

// DisplayName resolves a user's current display name, falling back to the
// login when Helix has no display name set.
func (a *Announcer) DisplayName(ctx context.Context, userID string) (string, error) {
	u, err := a.Client.GetUserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	if u.DisplayName != "" {
		return u.DisplayName, nil
	}
	return u.Login, nil
}
