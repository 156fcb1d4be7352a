package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func buildApprovalsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approvals",
		Short: "Inspect and answer pending approvals",
	}

	var userID string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's live pending approvals",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := loadService(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			pending, err := svc.PendingApprovals(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("no pending approvals")
				return nil
			}
			for _, rec := range pending {
				fmt.Printf("%s  %-12s  %s  expires %s\n",
					rec.ID, rec.Call.Name, string(rec.Call.Args), rec.ExpiresAt.Format("15:04:05"))
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&userID, "user", "", "User ID (empty lists all users)")

	decide := func(use, short string, approve bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <approval-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				svc, cleanup, err := loadService(*configPath)
				if err != nil {
					return err
				}
				defer cleanup()

				out, err := svc.ResolveApproval(cmd.Context(), args[0], "operator", approve)
				if err != nil {
					return err
				}
				fmt.Println(out)
				return nil
			},
		}
	}

	cmd.AddCommand(
		listCmd,
		decide("approve", "Approve a pending request and execute the held call", true),
		decide("deny", "Deny a pending request", false),
	)
	return cmd
}
