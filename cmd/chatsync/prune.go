package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(pruneCmd)

	pruneCmd.Flags().Int("keep", 0, "Number of newest messages to keep (default: sync.retention.keep)")
	pruneCmd.Flags().Bool("all", false, "Apply to every cached conversation")
}

var pruneCmd = &cobra.Command{
	Use:   "prune [conversation-id]",
	Short: "Drop old messages from the local cache",
	Long:  "Keep only the newest N cached messages. Nothing is deleted on the server;\npruned history is fetched again when scrolled back to.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keep, _ := cmd.Flags().GetInt("keep")
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			return fmt.Errorf("give either a conversation id or --all")
		}

		cfg := mustLoadConfig()
		if !cmd.Flags().Changed("keep") {
			if cfg.Sync.Retention.Keep <= 0 {
				return fmt.Errorf("no --keep given and sync.retention.keep is not set")
			}
			keep = cfg.Sync.Retention.Keep
		}

		return withEngine(cfg, func(ctx context.Context, e *chatsync.Engine) error {
			var removed int
			var err error
			if all {
				removed, err = e.Retention.EnforceAll(ctx, keep)
			} else {
				removed, err = e.ClearLocalHistory(ctx, args[0], keep)
			}
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d cached messages (keeping %d per conversation)\n", removed, keep)
			return nil
		})
	},
}
