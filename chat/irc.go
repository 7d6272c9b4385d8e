package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/onnwee/sub-tender/twitchapi"
)

const (
	ircReconnectDelay = 5 * time.Second
	// ircStopTimeout bounds how long a cancelled connect waits for the handshake to
	// reach a state Disconnect can act on.
	ircStopTimeout = 2 * time.Second
	ircStopPoll    = 50 * time.Millisecond
)

// IRC is a chat connection for the bot account.
type IRC struct {
	Username string
	Tokens   twitchapi.Authorizer
	// Address overrides the Twitch IRC endpoint (host:port, plain TCP). Tests only.
	Address string

	mu     sync.Mutex
	client *twitch.Client
}

// Run keeps the bot joined to channel until ctx is done.
func (i *IRC) Run(ctx context.Context, channel string) error {
	log := slog.Default().With(slog.String("component", "chat_irc"), slog.String("channel", channel))
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := i.connect(ctx, channel, log)
		if ctx.Err() != nil {
			return nil
		}
		log.Warn("twitch chat disconnected; reconnecting", slog.Any("err", err), slog.Duration("delay", ircReconnectDelay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(ircReconnectDelay):
		}
	}
}

func (i *IRC) connect(ctx context.Context, channel string, log *slog.Logger) error {
	tok, err := i.Tokens.AccessToken(ctx)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(tok, "oauth:") {
		tok = "oauth:" + tok
	}
	client := twitch.NewClient(i.Username, tok)
	if i.Address != "" {
		client.IrcAddress = i.Address
		client.TLS = false
	}
	client.OnConnect(func() { log.Info("twitch chat connected") })

	i.mu.Lock()
	i.client = client
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		i.client = nil
		i.mu.Unlock()
	}()

	client.Join(channel)
	errc := make(chan error, 1)
	go func() { errc <- client.Connect() }()

	select {
	case err := <-errc:
		if errors.Is(err, twitch.ErrClientDisconnected) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// Disconnect is a no-op until the server has sent its welcome, so keep asking
	// until Connect returns.
	poll := time.NewTicker(ircStopPoll)
	defer poll.Stop()
	giveUp := time.NewTimer(ircStopTimeout)
	defer giveUp.Stop()
	for {
		_ = client.Disconnect()
		select {
		case <-errc:
			return nil
		case <-poll.C:
		case <-giveUp.C:
			log.Warn("twitch chat handshake did not finish; abandoning connection")
			return nil
		}
	}
}

// Say sends text to channel. Messages are dropped while disconnected.
func (i *IRC) Say(channel, text string) {
	i.mu.Lock()
	c := i.client
	i.mu.Unlock()
	if c == nil {
		slog.Warn("twitch chat not connected; message dropped", slog.String("component", "chat_irc"), slog.String("channel", channel))
		return
	}
	c.Say(channel, text)
}
