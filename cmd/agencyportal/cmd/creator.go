package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/agencyportal/authflow"
)

var creatorPasskey string

var creatorCmd = &cobra.Command{
	Use:   "creator",
	Short: "Creator sign-in against a running portal",
}

var creatorLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with a creator passkey",
	Long: `Resolve a passkey to its creator, ask for confirmation and start a creator
session. The passkey is read from --passkey, PORTAL_PASSKEY or a prompt.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newPortalClient()
		if err != nil {
			return err
		}
		p := newPrompter(cmd)
		out := cmd.OutOrStdout()

		passkey := creatorPasskey
		if passkey == "" {
			passkey = os.Getenv("PORTAL_PASSKEY")
		}
		if passkey == "" {
			if passkey, err = p.secret("Passkey: "); err != nil {
				return err
			}
		}

		flow := authflow.NewPasskeyFlow(c)
		defer flow.Close()

		snap, err := flow.Lookup(cmd.Context(), passkey)
		if err != nil {
			return flowError(snap, err)
		}
		ok, err := p.confirm(fmt.Sprintf("Sign in as %s?", snap.CreatorName))
		if err != nil {
			return err
		}
		if !ok {
			flow.NotMe()
			fmt.Fprintln(out, "Not signed in.")
			return nil
		}

		snap, err = flow.Confirm(cmd.Context())
		if err != nil {
			return flowError(snap, err)
		}
		fmt.Fprintf(out, "Signed in as %s. Continue at %s%s\n", snap.CreatorName, portalURL, snap.RedirectTo)
		return nil
	},
}

// flowError reports the flow's inline message rather than the raw error.
func flowError(snap authflow.Snapshot, err error) error {
	if errors.Is(err, authflow.ErrSuperseded) {
		return errors.New("sign-in was interrupted")
	}
	if snap.Message != "" {
		return errors.New(snap.Message)
	}
	return userError(err)
}

func init() {
	rootCmd.AddCommand(creatorCmd)
	creatorCmd.AddCommand(creatorLoginCmd)
	addPortalFlags(creatorCmd)
	creatorLoginCmd.Flags().StringVar(&creatorPasskey, "passkey", "", "Creator passkey")
}
