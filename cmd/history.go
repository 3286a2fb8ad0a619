package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shawkym/reqchat/pkg/history"
)

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Fetch a stored conversation and export it",
	Long: `Fetch a conversation from the backend and write it as Markdown, JSON or
HTML. The conversation id may also come from --conversation or the
history.conversation_id config key.

Examples:
  reqchat history 17
  reqchat history 17 --format html -o conversation.html`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	addExportFlags(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	id := cfg.History.ConversationID
	if len(args) == 1 {
		id = args[0]
	}
	if id == "" {
		return fmt.Errorf("conversation id required")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	client := history.NewClient(cfg.History.BaseURL, cfg.History.Timeout, nil)
	entries, err := client.Conversation(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to fetch conversation %s: %w", id, err)
	}

	title := exportTitle
	if title == "" {
		title = "Conversation " + id
	}
	return writeExport(entries, title, cmd.OutOrStdout())
}
