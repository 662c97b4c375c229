package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/attache/internal/state"
	"github.com/user/attache/internal/types"
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionExportCmd, sessionForkCmd, sessionArchiveCmd, sessionAuditCmd)
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions := state.NewSessionStore(cfg.DataDir)

		list, err := sessions.List(context.Background())
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKEY\tKIND\tSTATUS\tTURNS\tTOKENS\tLAST ACTIVE")
		for _, s := range list {
			status := s.Status
			if s.Corrupted {
				status += " (corrupt)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
				s.SessionID,
				s.SessionKey,
				s.Kind,
				status,
				s.TurnCount,
				s.TokensUsed,
				s.LastActive.Format("2006-01-02 15:04:05"),
			)
		}
		return w.Flush()
	},
}

var sessionExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Export a session's full turn history as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions := state.NewSessionStore(cfg.DataDir)

		turns, err := sessions.Export(context.Background(), types.SessionID(args[0]))
		if err != nil {
			return fmt.Errorf("export session: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(turns)
	},
}

var sessionForkCmd = &cobra.Command{
	Use:   "fork <id>",
	Short: "Fork a session into a new session with copied history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions := state.NewSessionStore(cfg.DataDir)

		fork, err := sessions.Fork(context.Background(), types.SessionID(args[0]))
		if err != nil {
			return fmt.Errorf("fork session: %w", err)
		}

		fmt.Fprintf(os.Stdout, "Forked %s -> %s (key %s)\n", args[0], fork.SessionID, fork.SessionKey)
		return nil
	},
}

var sessionArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Archive a session (history is kept, never deleted)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		sessions := state.NewSessionStore(cfg.DataDir)

		if err := sessions.Archive(context.Background(), types.SessionID(args[0])); err != nil {
			return fmt.Errorf("archive session: %w", err)
		}

		fmt.Fprintf(os.Stdout, "Session %s archived.\n", args[0])
		return nil
	},
}

var sessionAuditCmd = &cobra.Command{
	Use:   "audit <id>",
	Short: "Show a session's tool-call audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		audit := state.NewAuditLog(cfg.DataDir)

		entries, err := audit.Query(context.Background(), types.SessionID(args[0]))
		if err != nil {
			return fmt.Errorf("query audit log: %w", err)
		}

		if len(entries) == 0 {
			fmt.Println("No audit entries.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AT\tTOOL\tACCESS\tOUTCOME\tREASON")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				e.At.Format("2006-01-02 15:04:05"),
				e.Tool,
				e.Access,
				e.Outcome,
				e.Reason,
			)
		}
		return w.Flush()
	},
}
