package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onnwee/sub-tender/oauth"
	"github.com/onnwee/sub-tender/twitchapi"
)

func (a *app) newResolveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <login>...",
		Short: "Print the Twitch user id for each login",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.openStack(ctx)
			if err != nil {
				return err
			}
			defer s.Close()

			var user *oauth.Manager
			if a.cfg.IdentityToken == "user" {
				if user, err = a.broadcasterManager(ctx, s); err != nil {
					return err
				}
			}
			r, err := a.identityResolver(s, user)
			if err != nil {
				return err
			}

			var failed error
			for _, login := range args {
				id, err := r.Resolve(ctx, login)
				if errors.Is(err, twitchapi.ErrUserNotFound) {
					fmt.Fprintf(a.out, "%s\tnot found\n", login)
					failed = err
					continue
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(a.out, "%s\t%s\n", login, id)
			}
			return failed
		},
	}
}
