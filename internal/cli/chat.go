package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harun/ranya-agent/pkg/agent"
)

var (
	chatConversation string
	chatNoTools      bool
	chatJSON         bool
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with the agent",
	Long: `Send a message to the agent and stream the answer to stdout.
Without a message, an interactive session reads one message per line
from stdin until EOF or "/exit".`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatConversation, "conversation", "c", "cli", "conversation id")
	chatCmd.Flags().BoolVar(&chatNoTools, "no-tools", false, "answer without offering tools")
	chatCmd.Flags().BoolVar(&chatJSON, "json", false, "print stream items as JSON lines")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := newRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	out := cmd.OutOrStdout()
	if len(args) > 0 {
		return rt.turn(ctx, out, strings.Join(args, " "))
	}

	if err := rt.watchConfig(cfgFile); err != nil {
		rt.logger.Debug().Err(err).Msg("Config hot reload disabled")
	}

	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	prompt := func() { fmt.Fprint(cmd.ErrOrStderr(), "> ") }

	for prompt(); scanner.Scan(); prompt() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/exit" || line == "/quit" {
			return nil
		}
		if err := rt.turn(ctx, out, line); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return scanner.Err()
}

func (rt *runtime) turn(ctx context.Context, out io.Writer, content string) error {
	stream := rt.runner.Run(ctx, agent.RunInput{
		ConversationID: chatConversation,
		Content:        content,
		DisableTools:   chatNoTools,
	})
	if chatJSON {
		return printJSON(out, stream)
	}
	return printStream(out, stream)
}

var errTurnFailed = errors.New("turn failed")

// printStream writes answer text to out. Deltas are written as they come;
// of the final text only the part that was not streamed is written.
func printStream(out io.Writer, stream <-chan agent.StreamItem) error {
	var streamed strings.Builder
	failed := false

	for item := range stream {
		switch item.Kind {
		case agent.KindDelta:
			streamed.WriteString(item.Text)
			fmt.Fprint(out, item.Text)
		case agent.KindToolCall:
			args, _ := json.Marshal(item.Args)
			fmt.Fprintf(out, "\n[tool] %s %s\n", item.Name, args)
		case agent.KindToolResult:
			if item.Success {
				fmt.Fprintf(out, "[tool] %s ok\n", item.Name)
			} else {
				fmt.Fprintf(out, "[tool] %s failed: %s\n", item.Name, item.Error)
			}
		case agent.KindFinal:
			fmt.Fprintln(out, unstreamed(item.Text, streamed.String()))
		case agent.KindStatus:
			if item.Status == agent.StatusError {
				failed = true
			}
		}
	}

	if failed {
		return errTurnFailed
	}
	return nil
}

func unstreamed(final, streamed string) string {
	if rest, ok := strings.CutPrefix(final, streamed); ok {
		return rest
	}
	return "\n" + final
}

func printJSON(out io.Writer, stream <-chan agent.StreamItem) error {
	enc := json.NewEncoder(out)
	failed := false
	for item := range stream {
		if err := enc.Encode(item); err != nil {
			return err
		}
		if item.Kind == agent.KindStatus && item.Status == agent.StatusError {
			failed = true
		}
	}
	if failed {
		return errTurnFailed
	}
	return nil
}
