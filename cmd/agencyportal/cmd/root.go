package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X .../cmd.Version=...".
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "agencyportal",
	Short: "Agency Portal is the creator and admin front end for the invoicing backend",
	Long: `Agency Portal serves the creator passkey sign-in, the agency admin console
and the reminder workflow in front of the invoicing backend.

The server reads its configuration from --config, PORTAL_CONFIG, ./portal.yaml
or the environment. The creator and admin commands talk to a running portal.`,
	SilenceUsage: true,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = Version
}
