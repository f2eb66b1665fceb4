// Package chat connects the bot account to Twitch IRC and routes inbound
// messages into the activity engines.
//
// Dispatch order for each message: the bot's own lines are dropped, then the
// message counts as activity for the train and trivia managers (each ignores
// channels with nothing running), then "!"-prefixed lines go through the
// command router. Messages are handed to a single worker goroutine so
// handling never blocks the IRC read loop.
//
// Commands require a moderator or broadcaster badge:
//
//	!train start <reward>    !trivia start <set> <interval>
//	!train cancel            !trivia cancel
//	!train status            !trivia sets
//
// Credentials come from TWITCH_BOT_USERNAME and TWITCH_OAUTH_TOKEN; when the
// env token is absent the stored "twitch" token from oauth_tokens is used
// instead. TWITCH_CHANNELS names the channels to join.
package chat
