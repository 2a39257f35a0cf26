package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmcleod/agencyportal/api"
	"github.com/jmcleod/agencyportal/authflow"
	"github.com/jmcleod/agencyportal/client"
)

var (
	adminPassword  string
	idempotencyKey string
	maxMessages    int
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Agency admin operations against a running portal",
	Long: `Agency admin operations against a running portal. Each command signs in
first; the password is read from --password, PORTAL_ADMIN_PASSWORD or a prompt.`,
}

// signInAdmin runs the admin sign-in flow and returns the signed-in client.
func signInAdmin(cmd *cobra.Command) (*client.Client, error) {
	c, err := newPortalClient()
	if err != nil {
		return nil, err
	}
	password := adminPassword
	if password == "" {
		password = os.Getenv("PORTAL_ADMIN_PASSWORD")
	}
	if password == "" {
		if password, err = newPrompter(cmd).secret("Admin password: "); err != nil {
			return nil, err
		}
	}

	flow := authflow.NewAdminFlow(c)
	defer flow.Close()
	snap, err := flow.Submit(cmd.Context(), password)
	if err != nil {
		return nil, flowError(snap, err)
	}
	return c, nil
}

var adminLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Check the admin password",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := signInAdmin(cmd); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Signed in. Continue at %s%s\n", portalURL, authflow.DefaultDashboardPath)
		return nil
	},
}

var adminPasskeyCmd = &cobra.Command{
	Use:   "passkey <creator-id>",
	Short: "Issue a new passkey for a creator and show it once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := signInAdmin(cmd)
		if err != nil {
			return err
		}
		if _, err := c.IssuePasskey(cmd.Context(), args[0]); err != nil {
			return userError(err)
		}
		env, ok, err := c.FlashSecret(cmd.Context())
		if err != nil {
			return userError(err)
		}
		if !ok {
			return errors.New("the new passkey was issued but could not be retrieved; issue another")
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "New passkey for %s (%s):\n\n  %s\n\n", env.CreatorName, env.CreatorID, env.Passkey)
		fmt.Fprintln(out, "It will not be shown again.")
		return nil
	},
}

var remindersCmd = &cobra.Command{
	Use:   "reminders",
	Short: "Run the invoice reminder workflow",
}

var remindersDryRunCmd = &cobra.Command{
	Use:   "dry-run",
	Short: "Preview which invoices would be reminded",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := signInAdmin(cmd)
		if err != nil {
			return err
		}
		resp, err := c.DryRun(cmd.Context())
		return printReminder(cmd.OutOrStdout(), resp, err)
	},
}

var remindersEvaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Record a reminder run to send later",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := signInAdmin(cmd)
		if err != nil {
			return err
		}
		resp, err := c.Evaluate(cmd.Context(), idempotencyKey)
		if err := printReminder(cmd.OutOrStdout(), resp, err); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s is ready. Send it with:\n  agencyportal admin reminders send %s\n",
			resp.PendingRunID, resp.PendingRunID)
		return nil
	},
}

var remindersSendCmd = &cobra.Command{
	Use:   "send <run-id>",
	Short: "Send a previously evaluated run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := signInAdmin(cmd)
		if err != nil {
			return err
		}
		resp, err := c.Send(cmd.Context(), args[0], maxMessages)
		return printReminder(cmd.OutOrStdout(), resp, err)
	},
}

var remindersRunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List the reminder runs this portal has recorded",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := signInAdmin(cmd)
		if err != nil {
			return err
		}
		runs, err := c.Runs(cmd.Context())
		if err != nil {
			return userError(err)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tSTATE\tELIGIBLE\tSENT\tATTEMPTS\tUPDATED")
		for _, r := range runs {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
				r.RunID, r.State, r.EligibleCount, r.SentCount, r.SendAttempts, r.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	},
}

// printReminder shows the outcome banner and any per-invoice results. A
// failed phase is returned as its banner.
func printReminder(w io.Writer, resp api.ReminderResponse, err error) error {
	if err != nil {
		if resp.Message != "" {
			return errors.New(resp.Message)
		}
		return userError(err)
	}
	fmt.Fprintln(w, resp.Message)
	if len(resp.Results) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INVOICE\tCREATOR\tSTATUS\tREASON")
	for _, r := range resp.Results {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.InvoiceID, r.CreatorID, r.Status, r.Reason)
	}
	return tw.Flush()
}

func init() {
	rootCmd.AddCommand(adminCmd)
	addPortalFlags(adminCmd)
	adminCmd.PersistentFlags().StringVar(&adminPassword, "password", "", "Admin password (prefer PORTAL_ADMIN_PASSWORD or the prompt)")

	adminCmd.AddCommand(adminLoginCmd, adminPasskeyCmd, remindersCmd)
	remindersCmd.AddCommand(remindersDryRunCmd, remindersEvaluateCmd, remindersSendCmd, remindersRunsCmd)
	remindersEvaluateCmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "Key for retrying the same evaluation (generated when empty)")
	remindersSendCmd.Flags().IntVar(&maxMessages, "max-messages", 0, "Maximum reminders to send (0 means no cap)")
}
