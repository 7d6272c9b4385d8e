// Command sub-tender is a Twitch bot that keeps a broadcaster and a bot account
// authorized and streams chat messages and cheers from EventSub into a rate-limited
// consumer. See `sub-tender --help` for the subcommands.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"os"

	"github.com/onnwee/sub-tender/cli"
)

func main() {
	os.Exit(cli.Execute())
}
