// Package commands – schedule.go manages scheduled tasks from the CLI.
package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newScheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage scheduled tasks",
	}
	cmd.PersistentFlags().String("tenant", "", "tenant ID")
	cmd.PersistentFlags().String("user", "", "user key (e.g. phone)")
	_ = cmd.MarkPersistentFlagRequired("tenant")
	_ = cmd.MarkPersistentFlagRequired("user")

	cmd.AddCommand(newScheduleAddCmd(), newScheduleListCmd(), newScheduleCancelCmd())
	return cmd
}

func newScheduleAddCmd() *cobra.Command {
	var timezone string

	cmd := &cobra.Command{
		Use:   "add <prompt> <schedule>",
		Short: "Create a scheduled task",
		Long: `Create a scheduled task from a natural language schedule.

Examples:
  bizclaw schedule add --tenant acme --user +5511999 "send the sales report" "every day at 9am"
  bizclaw schedule add --tenant acme --user +5511999 "remind me about the invoice" "tomorrow at 3pm"`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, _, err := setup(cmd)
			if err != nil {
				return err
			}
			defer svc.Shutdown(cmd.Context())

			tenant, _ := cmd.Flags().GetString("tenant")
			user, _ := cmd.Flags().GetString("user")

			task, err := svc.ScheduleTask(cmd.Context(), tenant, user, args[0], args[1], timezone)
			if err != nil {
				return err
			}
			fmt.Printf("Scheduled %s: next run %s\n",
				task.ID, task.NextRunAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&timezone, "timezone", "", "IANA timezone (default UTC)")
	return cmd
}

func newScheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List a user's scheduled tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, _, err := setup(cmd)
			if err != nil {
				return err
			}
			defer svc.Shutdown(cmd.Context())

			tenant, _ := cmd.Flags().GetString("tenant")
			user, _ := cmd.Flags().GetString("user")

			tasks, err := svc.ListSchedules(cmd.Context(), tenant, user)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Println("No scheduled tasks.")
				return nil
			}
			for _, t := range tasks {
				fmt.Printf("%s  %-9s  next %s  errors %d\n  %s\n",
					t.ID, t.TaskType, t.NextRunAt.Format(time.RFC3339), t.ErrorCount, t.Prompt)
			}
			return nil
		},
	}
}

func newScheduleCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a scheduled task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, _, err := setup(cmd)
			if err != nil {
				return err
			}
			defer svc.Shutdown(cmd.Context())

			tenant, _ := cmd.Flags().GetString("tenant")
			user, _ := cmd.Flags().GetString("user")

			if err := svc.CancelSchedule(cmd.Context(), tenant, user, args[0]); err != nil {
				return err
			}
			fmt.Println("Task cancelled.")
			return nil
		},
	}
}
