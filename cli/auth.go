package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/onnwee/sub-tender/oauth"
)

func (a *app) newAuthCommand() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:       "auth <broadcaster|bot>",
		Short:     "Obtain (or check) the stored credential for one account",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"broadcaster", "bot"},
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStack(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			var m *oauth.Manager
			switch strings.ToLower(args[0]) {
			case "broadcaster":
				m, err = a.broadcasterManager(cmd.Context(), s)
			case "bot":
				m, err = a.botManager(cmd.Context(), s)
			default:
				return fmt.Errorf("unknown account %q (want broadcaster or bot)", args[0])
			}
			if err != nil {
				return err
			}

			var cred *oauth.Credential
			if force {
				cred, err = m.ForceReauthorize(cmd.Context())
			} else {
				cred, err = m.GetValidCredential(cmd.Context())
			}
			if err != nil {
				return err
			}
			printCredential(a, m.Login(), cred)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "ignore the stored credential and run the authorization flow")
	return cmd
}

func printCredential(a *app, login string, cred *oauth.Credential) {
	green := color.New(color.FgGreen, color.Bold).SprintFunc()
	fmt.Fprintf(a.out, "%s %s (id %s)\n", green("authorized"), login, cred.Identity)
	fmt.Fprintf(a.out, "  token:   %s\n", oauth.MaskToken(cred.AccessToken))
	fmt.Fprintf(a.out, "  scopes:  %s\n", strings.Join(cred.Scopes, " "))
	fmt.Fprintf(a.out, "  expires: %s (in %s)\n", cred.ExpiresAt.Format(time.RFC3339), time.Until(cred.ExpiresAt).Round(time.Second))
	fmt.Fprintf(a.out, "  refresh: %t\n", cred.CanRefresh())
}
