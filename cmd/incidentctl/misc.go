package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nhle/incidentwatch/internal/app"
	"github.com/nhle/incidentwatch/internal/credential"
	"github.com/nhle/incidentwatch/internal/theme"
)

var dashCmd = &cobra.Command{
	Use:   "dash",
	Short: "Open the interactive dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		return app.Run(rt)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check that the incident service is reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		h, err := rt.Client.Health(cmd.Context())
		if err != nil {
			return fmt.Errorf("%s unreachable: %w", rt.Client.BaseURL(), err)
		}
		fmt.Printf("%s: %s (version %s, %s)\n", rt.Client.BaseURL(), h.Status, h.Version, h.Timestamp)
		return nil
	},
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List unread new-incident notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		markRead, _ := cmd.Flags().GetBool("mark-read")
		ack, _ := cmd.Flags().GetString("ack")

		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		if ack != "" {
			if err := rt.Store.MarkNotificationRead(cmd.Context(), ack); err != nil {
				return fmt.Errorf("acknowledging %s: %w", ack, err)
			}
			return nil
		}

		unread, err := rt.Store.GetUnreadNotifications(cmd.Context())
		if err != nil {
			return fmt.Errorf("reading notifications: %w", err)
		}
		if len(unread) == 0 {
			fmt.Println("No unread notifications.")
			return nil
		}
		for _, n := range unread {
			sev := theme.SeverityStyle(string(n.Severity)).Render(fmt.Sprintf("%-8s", n.Severity))
			fmt.Printf("%s  %s  #%-6s %s  %s\n", n.ID, n.CreatedAt.Local().Format("01-02 15:04"), n.IncidentID, sev, n.Message)
		}

		if markRead {
			if err := rt.Store.MarkAllNotificationsRead(cmd.Context()); err != nil {
				return fmt.Errorf("marking notifications read: %w", err)
			}
		}
		return nil
	},
}

var intakeCmd = &cobra.Command{
	Use:   "intake",
	Short: "Upload log attachments from the configured IMAP mailbox",
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")
		storePassword, _ := cmd.Flags().GetBool("store-password")

		if storePassword {
			password, err := promptPassword("Mailbox password: ")
			if err != nil {
				return err
			}
			if err := credential.Set(credential.MailboxPasswordKey, password); err != nil {
				return fmt.Errorf("storing mailbox password: %w", err)
			}
			fmt.Println("Mailbox password stored")
			return nil
		}

		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		defer rt.Close()

		in, err := rt.Mailbox()
		if err != nil {
			return err
		}

		if watch {
			interval := time.Duration(rt.Config.Mailbox.PollIntervalSec) * time.Second
			rt.Logger.Info("watching mailbox", "interval", interval)
			return in.Run(cmd.Context(), interval)
		}

		report, err := in.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("%d messages, %d uploads (%d ok, %d failed), %d skipped\n",
			report.Messages, report.Submitted, report.Succeeded, report.Failed, report.Skipped)
		return nil
	},
}

func init() {
	notificationsCmd.Flags().Bool("mark-read", false, "mark listed notifications as read")
	notificationsCmd.Flags().String("ack", "", "mark one notification read by id")
	intakeCmd.Flags().Bool("watch", false, "keep polling the mailbox")
	intakeCmd.Flags().Bool("store-password", false, "prompt for the mailbox password and save it in the keyring")

	rootCmd.AddCommand(dashCmd, healthCmd, notificationsCmd, intakeCmd)
}
