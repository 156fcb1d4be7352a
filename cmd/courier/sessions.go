package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func buildSessionsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and control managed process sessions",
	}

	var userID string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List process sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := loadService(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			sessions, err := svc.Sessions(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("no sessions")
				return nil
			}
			for _, s := range sessions {
				line := fmt.Sprintf("%s  %-8s  user=%s  %s", s.ID, s.Status, s.UserID, s.Command)
				if s.ExitCode != nil {
					line += fmt.Sprintf(" (exit %d)", *s.ExitCode)
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&userID, "user", "", "User ID (empty lists all users)")

	statusCmd := &cobra.Command{
		Use:   "status <session-id>",
		Short: "Show one session's state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := loadService(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			s, err := svc.SessionStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("id:        %s\nstatus:    %s\nuser:      %s\ncommand:   %s\nstarted:   %s\n",
				s.ID, s.Status, s.UserID, s.Command, s.StartedAt.Format("2006-01-02 15:04:05"))
			if s.EndReason != "" {
				fmt.Printf("end:       %s\n", s.EndReason)
			}
			if s.ExitCode != nil {
				fmt.Printf("exit code: %d\n", *s.ExitCode)
			}
			fmt.Printf("log:       %s\n", s.LogPath)
			return nil
		},
	}

	terminateCmd := &cobra.Command{
		Use:   "terminate <session-id>",
		Short: "Stop a running session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := loadService(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := svc.TerminateSession(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("terminated")
			return nil
		},
	}

	cmd.AddCommand(listCmd, statusCmd, terminateCmd)
	return cmd
}
