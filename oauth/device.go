package oauth

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/sub-tender/twitchapi"
)

const (
	defaultPollInterval = 5 * time.Second
	slowDownStep        = 5 * time.Second
)

// DeviceFlow implements the OAuth device authorization grant: the user enters a
// short code at twitch.tv/activate while the bot polls the token endpoint.
type DeviceFlow struct {
	Client *twitchapi.OAuthClient
	Clock  clockwork.Clock
	Out    io.Writer
}

func (f *DeviceFlow) Method() Method { return MethodDevice }

func (f *DeviceFlow) Authorize(ctx context.Context, scopes []string) (*twitchapi.TokenResponse, error) {
	clk := f.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	da, err := f.Client.RequestDeviceCode(ctx, scopes)
	if err != nil {
		return nil, err
	}
	interval := time.Duration(da.Interval) * time.Second
	if interval <= 0 {
		interval = defaultPollInterval
	}
	var deadline time.Time
	if !da.Expiry.IsZero() {
		deadline = clk.Now().Add(time.Until(da.Expiry))
	}
	f.prompt(da.VerificationURI, da.UserCode)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-clk.After(interval):
		}
		if !deadline.IsZero() && !clk.Now().Before(deadline) {
			return nil, ErrDeviceCodeExpired
		}
		tr, err := f.Client.PollDeviceToken(ctx, da.DeviceCode, scopes)
		switch {
		case err == nil:
			return tr, nil
		case twitchapi.IsAuthCode(err, twitchapi.CodeAuthorizationPending):
			slog.Debug("device authorization pending", slog.Duration("interval", interval))
		case twitchapi.IsAuthCode(err, twitchapi.CodeSlowDown):
			interval += slowDownStep
			slog.Info("device authorization asked to slow down", slog.Duration("interval", interval))
		default:
			return nil, err
		}
	}
}

func (f *DeviceFlow) prompt(uri, code string) {
	out := f.Out
	if out == nil {
		out = os.Stderr
	}
	fmt.Fprintf(out, "\n%s\n", bold("Authorize this bot on Twitch"))
	fmt.Fprintf(out, "  1. Open   %s\n", color.CyanString(uri))
	fmt.Fprintf(out, "  2. Enter  %s\n\n", yellow(code))
	fmt.Fprintln(out, "Waiting for approval...")
}
