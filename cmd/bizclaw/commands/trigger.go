// Package commands – trigger.go manages triggers from the CLI.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jholhewres/bizclaw/pkg/bizclaw/store"
	"github.com/jholhewres/bizclaw/pkg/bizclaw/trigger"
)

func newTriggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Manage triggers",
	}
	cmd.PersistentFlags().String("tenant", "", "tenant ID")
	cmd.PersistentFlags().String("user", "", "user key (e.g. phone)")
	_ = cmd.MarkPersistentFlagRequired("tenant")
	_ = cmd.MarkPersistentFlagRequired("user")

	cmd.AddCommand(newTriggerAddCmd(), newTriggerListCmd(), newTriggerTestCmd())
	return cmd
}

func newTriggerAddCmd() *cobra.Command {
	var (
		triggerType   string
		autonomy      string
		cronExpr      string
		eventType     string
		source        string
		expression    string
		webhookPath   string
		webhookSecret string
		cooldown      int
	)

	cmd := &cobra.Command{
		Use:   "add <task-prompt>",
		Short: "Create a trigger",
		Long: `Create a trigger that runs a task prompt when it fires.

Examples:
  bizclaw trigger add --tenant acme --user +5511999 --type TIME --cron "0 9 * * 1" \
      --autonomy NOTIFY "weekly pipeline review"
  bizclaw trigger add --tenant acme --user +5511999 --type CONDITION \
      --source https://api.example.com/stock --expression "value <= 100" \
      --autonomy CONFIRM "reorder stock"
  bizclaw trigger add --tenant acme --user +5511999 --type WEBHOOK \
      --path acme-crm --secret s3cret --autonomy AUTO "process the new lead"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, _, err := setup(cmd)
			if err != nil {
				return err
			}
			defer svc.Shutdown(cmd.Context())

			tenant, _ := cmd.Flags().GetString("tenant")
			user, _ := cmd.Flags().GetString("user")

			t, err := svc.CreateTrigger(cmd.Context(), tenant, user, trigger.TriggerSpec{
				Type:            store.TriggerType(triggerType),
				Autonomy:        store.Autonomy(autonomy),
				TaskPrompt:      args[0],
				CronExpr:        cronExpr,
				EventType:       eventType,
				Source:          source,
				Expression:      expression,
				WebhookPath:     webhookPath,
				WebhookSecret:   webhookSecret,
				CooldownSeconds: cooldown,
			})
			if err != nil {
				return err
			}
			fmt.Printf("Trigger created: %s\n", t.ID)
			if t.WebhookPath != "" {
				fmt.Printf("Webhook URL path: /hooks/%s\n", t.WebhookPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&triggerType, "type", "", "trigger type: TIME, EVENT, CONDITION, WEBHOOK")
	cmd.Flags().StringVar(&autonomy, "autonomy", "NOTIFY", "autonomy: NOTIFY, CONFIRM, AUTO")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression (TIME)")
	cmd.Flags().StringVar(&eventType, "event", "", "event type (EVENT, \"*\" for all)")
	cmd.Flags().StringVar(&source, "source", "", "condition source URL (CONDITION)")
	cmd.Flags().StringVar(&expression, "expression", "", "condition expression, e.g. \"value <= 100\" (CONDITION)")
	cmd.Flags().StringVar(&webhookPath, "path", "", "webhook path (WEBHOOK)")
	cmd.Flags().StringVar(&webhookSecret, "secret", "", "webhook HMAC secret (WEBHOOK)")
	cmd.Flags().IntVar(&cooldown, "cooldown", 0, "cooldown between firings, in seconds")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newTriggerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List a user's triggers",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, _, err := setup(cmd)
			if err != nil {
				return err
			}
			defer svc.Shutdown(cmd.Context())

			tenant, _ := cmd.Flags().GetString("tenant")
			user, _ := cmd.Flags().GetString("user")

			triggers, err := svc.ListTriggers(cmd.Context(), tenant, user)
			if err != nil {
				return err
			}
			if len(triggers) == 0 {
				fmt.Println("No triggers.")
				return nil
			}
			for _, t := range triggers {
				fmt.Printf("%s  %-9s  %-7s  %-6s  errors %d\n  %s\n",
					t.ID, t.Type, t.Autonomy, t.Status, t.ErrorCount, t.TaskPrompt)
			}
			return nil
		},
	}
}

func newTriggerTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test <trigger-id>",
		Short: "Fire a trigger immediately and reset its circuit breaker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, _, err := setup(cmd)
			if err != nil {
				return err
			}
			defer svc.Shutdown(cmd.Context())

			tenant, _ := cmd.Flags().GetString("tenant")
			user, _ := cmd.Flags().GetString("user")

			if err := svc.TestTrigger(cmd.Context(), tenant, user, args[0]); err != nil {
				return err
			}
			fmt.Println("Trigger fired.")
			return nil
		},
	}
}
