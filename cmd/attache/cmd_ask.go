package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/user/attache/internal/types"
)

func init() {
	rootCmd.AddCommand(askCmd)
	askCmd.Flags().String("session-key", "", "resume an ongoing session instead of a one-off run")
}

var askCmd = &cobra.Command{
	Use:   "ask <text>",
	Short: "Submit a single turn and print the reply",
	Long: "ask wires the full agent core in-process, submits one turn, waits\n" +
		"for the reply, and exits. Without --session-key the turn runs in a\n" +
		"one-off session.",
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}

		st, err := buildStack(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		st.queue.Start(ctx)
		defer st.queue.Stop()

		sessionKey, _ := cmd.Flags().GetString("session-key")
		kind := types.SessionOngoing
		if sessionKey == "" {
			sessionKey = "cli:" + string(types.NewSessionID())[:8]
			kind = types.SessionOneOff
		}

		response, err := st.harness.SubmitTurnAndWait(ctx, &types.InboundTurn{
			SessionKey: types.SessionKey(sessionKey),
			Kind:       kind,
			UserID:     "cli",
			Text:       strings.Join(args, " "),
		})
		if err != nil {
			return err
		}

		fmt.Fprintln(os.Stdout, response)
		return nil
	},
}
