package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/jholhewres/openclaw/pkg/openclaw/app"
)

// newChatCmd creates the `openclaw chat` command for local conversations.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the agent from the terminal",
		Long: `Run one message against the agent's main session, or start an
interactive REPL when no message is given.

Examples:
  openclaw chat "summarize my unread messages"
  openclaw chat`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}
	cmd.Flags().StringP("model", "m", "", "model override (e.g. gpt-4o-mini)")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.LLM.Model = model
	}
	logger := newLogger(cmd, cfg)

	gw, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	ctx := context.Background()

	// Single-shot mode.
	if len(args) > 0 {
		reply, err := gw.Chat(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	}

	rl, err := readline.New("openclaw> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println("Interactive chat. Type /quit to leave.")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "/quit" || line == "/exit" {
			return nil
		}

		reply, err := gw.Chat(ctx, line)
		if err != nil {
			fmt.Printf("error: %v\n", err)
			continue
		}
		fmt.Println(reply)
	}
}
