package cli

import (
	"context"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/onnwee/sub-tender/chat"
	"github.com/onnwee/sub-tender/eventsub"
	"github.com/onnwee/sub-tender/oauth"
	"github.com/onnwee/sub-tender/queue"
	"github.com/onnwee/sub-tender/server"
	"github.com/onnwee/sub-tender/telemetry"
)

func (a *app) newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Authorize both accounts and stream EventSub chat and cheers (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context())
		},
	}
}

// run wires the whole bot: both token managers, the EventSub listener, the
// delivery queue and its consumer, the optional chat sender and the ops server.
func (a *app) run(ctx context.Context) error {
	cfg := a.cfg
	if err := cfg.ValidateRun(); err != nil {
		return err
	}
	rate, err := cfg.Rate()
	if err != nil {
		return err
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(telemetry.TracingConfig{
		ServiceName:    "sub-tender",
		ServiceVersion: Version,
		Endpoint:       cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		SampleRatio:    cfg.TraceSampleRatio,
	})
	if err != nil {
		return err
	}
	defer shutdownTracing()

	s, err := a.openStack(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	broadcaster, err := a.broadcasterManager(ctx, s)
	if err != nil {
		return err
	}
	bot, err := a.botManager(ctx, s)
	if err != nil {
		return err
	}
	// Authorize up front so any interactive prompt happens before streaming.
	for _, m := range []*oauth.Manager{broadcaster, bot} {
		cred, err := m.GetValidCredential(ctx)
		if err != nil {
			return err
		}
		slog.Info("credential ready", slog.String("component", "oauth"),
			slog.String("login", m.Login()), slog.String("identity", cred.Identity), slog.String("token", oauth.MaskToken(cred.AccessToken)),
			slog.Time("expires_at", cred.ExpiresAt))
		oauth.StartRefresher(ctx, m, cfg.RefreshInterval, cfg.RefreshWindow)
	}

	resolver, err := a.identityResolver(s, broadcaster)
	if err != nil {
		return err
	}
	// Websocket subscriptions need a user token; the broadcaster's carries bits:read.
	subs := &eventsub.SubscriptionClient{Helix: s.helix(broadcaster)}

	q := queue.New[eventsub.Event](cfg.QueueCapacity)
	listener := eventsub.NewListener(eventsub.ListenerConfig{
		URL:              cfg.EventSubURL,
		BroadcasterLogin: cfg.BroadcasterUsername,
		BotLogin:         cfg.BotUsername,
		ReconnectDelay:   cfg.ReconnectDelay,
		KeepaliveGrace:   cfg.KeepaliveGrace,
	}, resolver, subs, q)

	handler := &chat.Handler{Channel: cfg.BroadcasterUsername, ThankCheers: cfg.ChatThankCheers}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	goRun := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil {
				slog.Error("background task failed", slog.String("task", name), slog.Any("err", err))
			}
		}()
	}

	if cfg.ChatThankCheers {
		irc := &chat.IRC{Username: bot.Login(), Tokens: bot}
		handler.Sayer = irc
		goRun("chat_irc", func(ctx context.Context) error { return irc.Run(ctx, broadcaster.Login()) })
	}
	if cfg.HTTPAddr != "" {
		h := server.NewHandlers(listener, s.db)
		goRun("http", func(ctx context.Context) error { return server.Start(ctx, cfg.HTTPAddr, h) })
	}
	goRun("consumer", func(ctx context.Context) error {
		err := queue.Consume(ctx, q, rate, handler.Handle)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	slog.Info("sub-tender running",
		slog.String("broadcaster", broadcaster.Login()), slog.String("bot", bot.Login()),
		slog.Float64("consumer_rate", rate), slog.Int("queue_capacity", q.Cap()))
	err = listener.Run(runCtx)
	cancel()
	wg.Wait()
	if err == nil {
		slog.Info("sub-tender stopped")
	}
	return err
}
