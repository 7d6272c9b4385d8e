package cli

import (
	"github.com/spf13/cobra"

	"github.com/onnwee/sub-tender/config"
	"github.com/onnwee/sub-tender/title"
)

func (a *app) newTitleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "title",
		Short: "Grow the stream title counter from BASE_SUBS to MAX_SUBS every UPDATE_INTERVAL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := a.cfg
			if err := cfg.ValidateTitle(); err != nil {
				return err
			}
			growth, err := title.ParseGrowth(cfg.Growth)
			if err != nil {
				return &config.Error{Reason: err.Error()}
			}

			s, err := a.openStack(ctx)
			if err != nil {
				return err
			}
			defer s.Close()
			broadcaster, err := a.broadcasterManager(ctx, s)
			if err != nil {
				return err
			}
			resolver, err := a.identityResolver(s, broadcaster)
			if err != nil {
				return err
			}
			id, err := resolver.Resolve(ctx, cfg.BroadcasterUsername)
			if err != nil {
				return err
			}

			u := &title.Updater{
				// PATCH /channels needs channel:manage:broadcast on the broadcaster token.
				Channel:       s.helix(broadcaster),
				BroadcasterID: id,
				Prefix:        cfg.TitlePrefix,
				Suffix:        cfg.TitleSuffix,
				Interval:      cfg.UpdateInterval,
				Counter: title.Counter{
					Value:  cfg.BaseSubs,
					Base:   cfg.BaseSubs,
					Max:    cfg.MaxSubs,
					Mult:   cfg.BaseMult,
					Growth: growth,
				},
			}
			return u.Run(ctx)
		},
	}
}
