package main

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/attache/internal/state"
)

func init() {
	rootCmd.AddCommand(automationCmd)
	automationCmd.AddCommand(automationAddCmd, automationListCmd, automationRemoveCmd, automationEnableCmd, automationDisableCmd)

	automationAddCmd.Flags().String("name", "", "automation name (required)")
	automationAddCmd.Flags().String("prompt", "", "prompt text (required)")
	automationAddCmd.Flags().String("schedule", "", "cron schedule expression")
	automationAddCmd.Flags().String("session-key", "", "session key (required)")
	_ = automationAddCmd.MarkFlagRequired("name")
	_ = automationAddCmd.MarkFlagRequired("prompt")
	_ = automationAddCmd.MarkFlagRequired("session-key")
}

func automationStore() *state.AutomationStore {
	cfg := loadConfig()
	return state.NewAutomationStore(filepath.Join(cfg.DataDir, "automations.json"))
}

var automationCmd = &cobra.Command{
	Use:   "automation",
	Short: "Manage scheduled automations",
}

var automationAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a new automation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		prompt, _ := cmd.Flags().GetString("prompt")
		schedule, _ := cmd.Flags().GetString("schedule")
		sessionKey, _ := cmd.Flags().GetString("session-key")

		store := automationStore()
		automation := &state.Automation{
			Name:       name,
			Prompt:     prompt,
			Schedule:   schedule,
			SessionKey: sessionKey,
			Enabled:    true,
		}
		if err := store.Add(automation); err != nil {
			return fmt.Errorf("add automation: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Automation %q added.\n", name)
		return nil
	},
}

var automationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all automations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := automationStore()
		automations, err := store.List()
		if err != nil {
			return fmt.Errorf("list automations: %w", err)
		}

		if len(automations) == 0 {
			fmt.Println("No automations configured.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSCHEDULE\tENABLED\tSESSION KEY")
		for _, a := range automations {
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\n",
				a.Name,
				a.Schedule,
				a.Enabled,
				a.SessionKey,
			)
		}
		return w.Flush()
	},
}

var automationRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an automation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := automationStore()
		if err := store.Remove(args[0]); err != nil {
			return fmt.Errorf("remove automation: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Automation %q removed.\n", args[0])
		return nil
	},
}

var automationEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable an automation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := automationStore()
		if err := store.SetEnabled(args[0], true); err != nil {
			return fmt.Errorf("enable automation: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Automation %q enabled.\n", args[0])
		return nil
	},
}

var automationDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable an automation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := automationStore()
		if err := store.SetEnabled(args[0], false); err != nil {
			return fmt.Errorf("disable automation: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Automation %q disabled.\n", args[0])
		return nil
	},
}
