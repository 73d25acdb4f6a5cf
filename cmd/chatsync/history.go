package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(deleteCmd)

	conversationsCmd.Flags().Bool("refresh", false, "Fetch the list from the server before printing")
	conversationsCmd.Flags().Bool("json", false, "Output raw JSON")

	historyCmd.Flags().IntP("limit", "n", 0, "Only print the newest N messages")
	historyCmd.Flags().Bool("open", false, "Open the conversation: mark it read and fetch a page if needed")
	historyCmd.Flags().Bool("older", false, "Fetch one more page of older messages")
	historyCmd.Flags().Bool("json", false, "Output raw JSON")
}

// withEngine opens the cache and runs fn against a started engine that has
// the stored credential but no live transport.
func withEngine(cfg *Config, fn func(ctx context.Context, e *chatsync.Engine) error) error {
	cache, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer cache.Close()

	engine, err := chatsync.NewEngineForClient(cfg.Sync, cache, newClient(cfg))
	if err != nil {
		return err
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := engine.Start(ctx); err != nil {
		return err
	}
	return fn(ctx, engine)
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List cached conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		refresh, _ := cmd.Flags().GetBool("refresh")
		asJSON, _ := cmd.Flags().GetBool("json")
		cfg := mustLoadConfig()
		if refresh {
			requireToken(cfg)
		}

		return withEngine(cfg, func(ctx context.Context, e *chatsync.Engine) error {
			if refresh {
				if err := e.Conversations.Refresh(ctx); err != nil {
					return err
				}
			}
			list := e.Conversations.List()
			if asJSON {
				return printJSON(list)
			}
			if len(list) == 0 {
				fmt.Println("No cached conversations.")
				return nil
			}
			for _, c := range list {
				last := "-"
				if c.LastMessage != nil {
					last = c.LastMessage.ServerTimestamp.Local().Format(time.DateTime)
				}
				fmt.Printf("%-24s %-10s %-20s unread=%-3d last=%s\n",
					c.ID, c.Type, valueOrDefault(c.Name, "(direct)"), c.UnreadCount, last)
			}
			return nil
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the messages of a conversation",
	Long:  "Print cached messages oldest first. With --open or --older the server is contacted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		limit, _ := cmd.Flags().GetInt("limit")
		open, _ := cmd.Flags().GetBool("open")
		older, _ := cmd.Flags().GetBool("older")
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg := mustLoadConfig()
		if open || older {
			requireToken(cfg)
		}

		return withEngine(cfg, func(ctx context.Context, e *chatsync.Engine) error {
			if open {
				if err := e.SetActiveConversation(ctx, id); err != nil {
					return err
				}
			} else if err := e.Conversations.LoadCached(ctx, id); err != nil {
				return err
			}
			if older {
				n, err := e.FetchOlderMessages(ctx, id)
				if err != nil {
					return err
				}
				fmt.Printf("Fetched %d older messages\n", n)
			}

			msgs := e.Conversations.Messages(id)
			if limit > 0 && len(msgs) > limit {
				msgs = msgs[len(msgs)-limit:]
			}
			if asJSON {
				return printJSON(msgs)
			}
			for _, m := range msgs {
				author := m.AuthorID()
				if m.Sender != nil && m.Sender.Username != "" {
					author = m.Sender.Username
				}
				fmt.Printf("[%s] %s: %s\n", m.ServerTimestamp.Local().Format(time.DateTime), author, m.Content)
			}
			fmt.Printf("(%d messages, history %s)\n", len(msgs), e.Conversations.Cursor(id))
			return nil
		})
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation-id>",
	Short: "Delete a conversation on the server and locally",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		requireToken(cfg)
		return withEngine(cfg, func(ctx context.Context, e *chatsync.Engine) error {
			if err := e.DeleteConversation(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted %s\n", args[0])
			return nil
		})
	},
}
