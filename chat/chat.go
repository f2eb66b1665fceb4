package chat

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/chat-rally/db"
	"github.com/onnwee/chat-rally/train"
	"github.com/onnwee/chat-rally/trivia"
)

// TrainManager is the slice of the train engine the bot drives.
type TrainManager interface {
	Start(ctx context.Context, channel, reward string) error
	Cancel(ctx context.Context, channel string) error
	StatusFor(channel string) (train.Status, error)
	HandleMessage(channel, userID, displayName string) bool
}

// TriviaManager is the slice of the trivia engine the bot drives.
type TriviaManager interface {
	Start(ctx context.Context, channel, setName string, interval time.Duration) error
	Cancel(ctx context.Context, channel string) error
	HandleMessage(ctx context.Context, channel, userID, displayName, messageID, text string) bool
}

// sender is the part of the IRC client the command router replies through.
type sender interface {
	Reply(channel, parentID, text string)
}

// listSets is swappable for tests that run without Postgres.
var listSets = trivia.ListSets

const messageBuffer = 256

// Bot routes inbound Twitch chat through the command router and into the
// train and trivia engines.
type Bot struct {
	irc      sender
	trains   TrainManager
	quiz     TriviaManager
	db       *sql.DB
	self     string
	messages chan twitch.PrivateMessage
}

func newBot(irc sender, dbc *sql.DB, trains TrainManager, quiz TriviaManager, self string) *Bot {
	return &Bot{
		irc:      irc,
		trains:   trains,
		quiz:     quiz,
		db:       dbc,
		self:     strings.ToLower(self),
		messages: make(chan twitch.PrivateMessage, messageBuffer),
	}
}

// StartBot connects the bot account to Twitch IRC and blocks until ctx is
// cancelled. Missing credentials log and return without connecting.
//
// Env knobs:
//
//	TWITCH_BOT_USERNAME  bot account login (required)
//	TWITCH_CHANNELS      comma-separated channel logins to join (required)
//	TWITCH_OAUTH_TOKEN   chat token; falls back to the stored "twitch" token
func StartBot(ctx context.Context, dbc *sql.DB, trains TrainManager, quiz TriviaManager) {
	username := os.Getenv("TWITCH_BOT_USERNAME")
	channels := splitChannels(os.Getenv("TWITCH_CHANNELS"))
	if username == "" || len(channels) == 0 {
		slog.Info("chat bot: TWITCH_BOT_USERNAME or TWITCH_CHANNELS not set; not connecting")
		return
	}
	token := chatToken(ctx, dbc)
	if token == "" {
		slog.Info("chat bot: no oauth token available; not connecting")
		return
	}

	client := twitch.NewClient(username, token)
	bot := newBot(client, dbc, trains, quiz, username)
	client.OnPrivateMessage(bot.enqueue)

	go bot.run(ctx)
	go func() {
		<-ctx.Done()
		client.Disconnect()
	}()

	client.Join(channels...)
	slog.Info("chat bot: connecting",
		slog.String("username", username),
		slog.Any("channels", channels))
	if err := client.Connect(); err != nil && ctx.Err() == nil {
		slog.Error("chat bot: connection closed", slog.Any("err", err))
	}
}

// chatToken resolves the IRC token: env first, then the stored twitch token.
// The oauth: prefix the IRC server expects is added when missing.
func chatToken(ctx context.Context, dbc *sql.DB) string {
	token := os.Getenv("TWITCH_OAUTH_TOKEN")
	if token == "" && dbc != nil {
		access, _, _, _, err := db.GetOAuthToken(ctx, dbc, "twitch")
		if err == nil && access != "" {
			token = access
			slog.Info("chat bot: using stored twitch token")
		}
	}
	if token == "" {
		return ""
	}
	if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}
	return token
}

func splitChannels(raw string) []string {
	var out []string
	for _, c := range strings.Split(raw, ",") {
		c = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c), "#"))
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

// enqueue hands a message to the dispatch worker without blocking the IRC
// read loop. A full queue drops the message.
func (b *Bot) enqueue(msg twitch.PrivateMessage) {
	select {
	case b.messages <- msg:
	default:
		slog.Warn("chat bot: message queue full, dropping",
			slog.String("channel", msg.Channel))
	}
}

func (b *Bot) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.messages:
			b.dispatch(ctx, msg)
		}
	}
}

// dispatch routes one message: the bot's own lines are dropped, the message
// counts as activity for both engines, then commands are handled. Activity
// first means a `!train start` line never rides the train it creates, while
// commands sent during a live session still count like any other message.
func (b *Bot) dispatch(ctx context.Context, msg twitch.PrivateMessage) {
	if strings.EqualFold(msg.User.Name, b.self) {
		return
	}
	b.trains.HandleMessage(msg.Channel, msg.User.ID, msg.User.DisplayName)
	b.quiz.HandleMessage(ctx, msg.Channel, msg.User.ID, msg.User.DisplayName, msg.ID, msg.Message)
	if strings.HasPrefix(msg.Message, "!") {
		b.handleCommand(ctx, msg)
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg twitch.PrivateMessage) {
	fields := strings.Fields(msg.Message)
	if len(fields) == 0 {
		return
	}
	cmd := strings.ToLower(fields[0])
	if cmd != "!train" && cmd != "!trivia" {
		return
	}
	if !isElevated(msg.User) {
		b.reply(msg, "Only moderators can run that command.")
		return
	}
	sub := ""
	var args []string
	if len(fields) > 1 {
		sub = strings.ToLower(fields[1])
		args = fields[2:]
	}
	switch cmd {
	case "!train":
		b.trainCommand(ctx, msg, sub, args)
	case "!trivia":
		b.triviaCommand(ctx, msg, sub, args)
	}
}

func (b *Bot) trainCommand(ctx context.Context, msg twitch.PrivateMessage, sub string, args []string) {
	switch sub {
	case "start":
		if err := b.trains.Start(ctx, msg.Channel, strings.Join(args, " ")); err != nil {
			b.replyErr(msg, err)
		}
	case "cancel":
		if err := b.trains.Cancel(ctx, msg.Channel); err != nil {
			b.replyErr(msg, err)
		}
	case "status":
		st, err := b.trains.StatusFor(msg.Channel)
		if err != nil {
			b.replyErr(msg, err)
			return
		}
		b.reply(msg, fmt.Sprintf("🚂 Train for %s: %d riders, %d messages, %ds remaining.",
			st.Reward, len(st.Riders), st.Events, st.RemainingSec))
	default:
		b.reply(msg, "Usage: !train start <reward> | !train cancel | !train status")
	}
}

func (b *Bot) triviaCommand(ctx context.Context, msg twitch.PrivateMessage, sub string, args []string) {
	switch sub {
	case "start":
		if len(args) < 2 {
			b.reply(msg, "Usage: !trivia start <set> <interval>, e.g. !trivia start capitals 5m")
			return
		}
		interval, err := time.ParseDuration(args[1])
		if err != nil {
			b.reply(msg, "Can't read that interval. Try something like 30s or 5m.")
			return
		}
		if err := b.quiz.Start(ctx, msg.Channel, args[0], interval); err != nil {
			b.replyErr(msg, err)
		}
	case "cancel":
		if err := b.quiz.Cancel(ctx, msg.Channel); err != nil {
			b.replyErr(msg, err)
		}
	case "sets":
		b.reply(msg, b.setsSummary(ctx))
	default:
		b.reply(msg, "Usage: !trivia start <set> <interval> | !trivia cancel | !trivia sets")
	}
}

func (b *Bot) setsSummary(ctx context.Context) string {
	sets, err := listSets(ctx, b.db)
	if err != nil {
		slog.Warn("chat bot: list question sets", slog.Any("err", err))
		return "Couldn't look up question sets."
	}
	if len(sets) == 0 {
		return "No question sets are loaded."
	}
	parts := make([]string, len(sets))
	for i, s := range sets {
		parts[i] = fmt.Sprintf("%s (%d)", s.Name, s.QuestionCount)
	}
	return "Question sets: " + strings.Join(parts, ", ")
}

func (b *Bot) reply(msg twitch.PrivateMessage, text string) {
	b.irc.Reply(msg.Channel, msg.ID, text)
}

func (b *Bot) replyErr(msg twitch.PrivateMessage, err error) {
	b.reply(msg, "⚠️ "+err.Error())
}

// isElevated reports whether the author carries a moderator or broadcaster
// badge.
func isElevated(u twitch.User) bool {
	return u.Badges["moderator"] > 0 || u.Badges["broadcaster"] > 0
}
