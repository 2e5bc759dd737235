// Package commands – jobs.go inspects the async job queue.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/bizclaw/pkg/bizclaw/store"
)

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect the async job queue",
	}
	cmd.AddCommand(newJobsStatsCmd(), newJobsActiveCmd())
	return cmd
}

func newJobsStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-status job counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, _, err := setup(cmd)
			if err != nil {
				return err
			}
			defer svc.Shutdown(cmd.Context())

			stats, err := svc.JobStats(cmd.Context())
			if err != nil {
				return err
			}
			order := []store.JobStatus{
				store.JobPending, store.JobRunning, store.JobCompleted,
				store.JobFailed, store.JobCancelled, store.JobInterrupted,
			}
			for _, status := range order {
				fmt.Printf("%-12s %d\n", status, stats[status])
			}
			return nil
		},
	}
}

func newJobsActiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "active",
		Short: "Show a user's active job",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, _, err := setup(cmd)
			if err != nil {
				return err
			}
			defer svc.Shutdown(cmd.Context())

			tenant, _ := cmd.Flags().GetString("tenant")
			user, _ := cmd.Flags().GetString("user")

			job, err := svc.ActiveJob(cmd.Context(), tenant, user)
			if err != nil {
				return err
			}
			if job == nil {
				fmt.Println("No active job.")
				return nil
			}
			fmt.Printf("%s  %s  %s  attempts %d\n  %s\n",
				job.ID, job.Type, job.Status, job.Attempts, job.Payload)
			return nil
		},
	}

	cmd.Flags().String("tenant", "", "tenant ID")
	cmd.Flags().String("user", "", "user key")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
