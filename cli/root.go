// Package cli is the sub-tender command line: `run` (the default) starts the bot,
// `auth` performs or checks an authorization, `resolve` looks up user ids and
// `title` runs the stream title updater on its own.
package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/onnwee/sub-tender/config"
	"github.com/onnwee/sub-tender/eventsub"
	"github.com/onnwee/sub-tender/oauth"
)

// Version is stamped at build time with -ldflags "-X".
var Version = "dev"

// app carries what the subcommands share once the root has loaded config.
type app struct {
	envFile string
	cfg     *config.Config
	out     io.Writer
	// httpClient reaches Twitch; nil means http.DefaultClient.
	httpClient *http.Client
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&app{})
}

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:     "sub-tender",
		Short:   "Twitch bot: keeps OAuth tokens fresh and streams chat and cheers over EventSub",
		Version: Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.out = cmd.OutOrStdout()
			cfg, err := config.LoadFile(a.envFile)
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel, cfg.LogFormat, os.Stdout)
			a.cfg = cfg
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context())
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the environment (missing is fine)")

	root.AddCommand(
		a.newRunCommand(),
		a.newAuthCommand(),
		a.newResolveCommand(),
		a.newTitleCommand(),
	)
	return root
}

// Execute runs the CLI until SIGINT/SIGTERM and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := NewRootCommand().ExecuteContext(ctx)
	if err != nil {
		slog.Error("sub-tender failed", slog.Any("err", err))
	}
	return ExitCode(err)
}

// ExitCode maps a command error to the process exit status: 0 for a clean stop, 2 for
// configuration problems, 3 when Twitch refuses a subscription, 1 otherwise.
func ExitCode(err error) int {
	if err == nil || errors.Is(err, context.Canceled) {
		return 0
	}
	var cfgErr *config.Error
	if errors.As(err, &cfgErr) || errors.Is(err, oauth.ErrMissingClientCredentials) {
		return 2
	}
	var forbidden *eventsub.ForbiddenSubscriptionError
	if errors.As(err, &forbidden) {
		return 3
	}
	return 1
}

// setupLogging installs the default slog logger. Defaults: level=info, format=text.
func setupLogging(level, format string, w io.Writer) {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(w, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", level))
	}
	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
}
