package cli

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/ranya-agent/internal/config"
	"github.com/harun/ranya-agent/pkg/llm"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configured profiles and store status",
	Long:  `Show the provider profiles in failover order and the status of the conversation store.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	fmt.Fprintf(out, "Config: %s\n", config.NewLoader(cfgFile).GetConfigPath())
	profiles := cfg.FailoverProfiles()
	if len(profiles) == 0 {
		fmt.Fprintln(out, "Profiles: none")
	} else {
		fmt.Fprintln(out, "Profiles:")
		for i, p := range profiles {
			fmt.Fprintf(out, "  %d. %s  %s  %s (%s)\n", i+1, p.ID, p.Model, p.BaseURL, llm.ResolveProtocol(p))
		}
	}

	fmt.Fprintf(out, "Store: %s %s\n", cfg.Store.Backend, cfg.StorePath())
	store, err := openStore(cfg, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(out, "Store status: unavailable (%v)\n", err)
		return nil
	}
	defer store.Close()

	ctx := cmd.Context()
	ids, err := store.ListConversations(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Conversations: %d\n", len(ids))

	var newest time.Time
	for _, id := range ids {
		if last, err := store.LastActivity(ctx, id); err == nil && last.After(newest) {
			newest = last
		}
	}
	if !newest.IsZero() {
		fmt.Fprintf(out, "Last activity: %s ago\n", formatDuration(time.Since(newest)))
	}

	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
