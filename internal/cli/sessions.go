package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/ranya-agent/internal/config"
	"github.com/harun/ranya-agent/pkg/session"
)

var pruneMaxIdleDays int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage stored conversations",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored conversations",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <conversation>",
	Short: "Print the stored messages and summary of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <conversation>",
	Short: "Delete a conversation and its compaction state",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete conversations idle for longer than the configured limit",
	Args:  cobra.NoArgs,
	RunE:  runSessionsPrune,
}

func init() {
	sessionsPruneCmd.Flags().IntVar(&pruneMaxIdleDays, "max-idle-days", 0, "override store.max_idle_days")
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd, sessionsPruneCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func withStore(cmd *cobra.Command, fn func(cfg *config.Config, store session.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cfg, zerolog.Nop())
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	defer store.Close()
	return fn(cfg, store)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(cfg *config.Config, store session.Store) error {
		ctx := cmd.Context()
		ids, err := store.ListConversations(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(ids) == 0 {
			fmt.Fprintln(out, "No conversations")
			return nil
		}
		for _, id := range ids {
			idle := "unknown"
			if last, err := store.LastActivity(ctx, id); err == nil {
				idle = formatDuration(time.Since(last))
			}
			fmt.Fprintf(out, "%s\tidle %s\n", id, idle)
		}
		return nil
	})
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(cfg *config.Config, store session.Store) error {
		ctx := cmd.Context()
		id := args[0]
		msgs, err := store.LoadHistory(ctx, id)
		if err != nil {
			return err
		}
		state, err := store.LoadCompactionState(ctx, id)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if state.CompactedMessageCount > 0 {
			fmt.Fprintf(out, "# %d messages compacted", state.CompactedMessageCount)
			if !state.LastCompactedAt.IsZero() {
				fmt.Fprintf(out, " (last %s)", state.LastCompactedAt.Format(time.RFC3339))
			}
			fmt.Fprintln(out)
			if state.ArchivalSummary != "" {
				fmt.Fprintf(out, "## archival summary\n%s\n", state.ArchivalSummary)
			}
			if state.RollingSummary != "" {
				fmt.Fprintf(out, "## rolling summary\n%s\n", state.RollingSummary)
			}
		}
		for _, m := range msgs {
			text := m.Content
			for _, tc := range m.ToolCalls {
				text = strings.TrimSpace(text + fmt.Sprintf(" [call %s %s]", tc.Name, tc.Arguments))
			}
			fmt.Fprintf(out, "%s: %s\n", m.Role, text)
		}
		return nil
	})
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(cfg *config.Config, store session.Store) error {
		if err := store.DeleteConversation(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	})
}

func runSessionsPrune(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(cfg *config.Config, store session.Store) error {
		maxIdle := cfg.MaxIdle()
		if pruneMaxIdleDays > 0 {
			maxIdle = time.Duration(pruneMaxIdleDays) * 24 * time.Hour
		}
		deleted, err := session.NewCleanup(store, maxIdle, zerolog.Nop()).CleanupNow(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d idle conversations\n", deleted)
		return nil
	})
}
