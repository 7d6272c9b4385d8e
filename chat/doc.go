// Package chat is the consumer side of the bot: it logs incoming chat and cheer
// events and, when enabled, thanks cheerers in chat.
//
// Outgoing messages go over Twitch IRC (go-twitch-irc) authenticated as the bot
// account. The IRC token is taken from the bot's oauth.Manager on every connect,
// so a refreshed or re-authorized credential is picked up on the next reconnect.
// The bot account needs chat:read and chat:edit.
package chat
