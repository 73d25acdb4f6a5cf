package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration, cache and connectivity",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		sc := cfg.Sync.Resolved()

		fmt.Println("Configuration:")
		fmt.Printf("  API Base URL: %s\n", sc.APIBaseURL)
		fmt.Printf("  Push URL:     %s\n", sc.PushURL)
		fmt.Printf("  Cache:        %s\n", sc.CachePath)
		fmt.Printf("  Games order:  %s\n", sc.Games.Ordering)
		if sc.Retention.Keep > 0 {
			fmt.Printf("  Retention:    keep %d per conversation\n", sc.Retention.Keep)
		} else {
			fmt.Println("  Retention:    (off)")
		}

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Username:     %s\n", valueOrDefault(cfg.Auth.Username, "(not set)"))
		fmt.Printf("  User ID:      %s\n", valueOrDefault(cfg.Auth.UserID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:        %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:        (not logged in)")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Cache:")
		cache, err := openCache(cfg)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
		} else {
			defer cache.Close()
			convs, err := cache.Conversations(ctx)
			if err != nil {
				fmt.Printf("  Error reading cache: %v\n", err)
			} else {
				total := 0
				for _, c := range convs {
					msgs, err := cache.Messages(ctx, c.ID)
					if err != nil {
						fmt.Printf("  Error reading %s: %v\n", c.ID, err)
						continue
					}
					total += len(msgs)
				}
				fmt.Printf("  Conversations: %d\n", len(convs))
				fmt.Printf("  Messages:      %d\n", total)
			}
		}

		if cfg.Auth.Token == "" {
			return nil
		}

		fmt.Println()
		fmt.Println("Live status:")
		client := newClient(cfg)
		convs, err := client.Conversations.List(ctx)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		unread := 0
		for _, c := range convs {
			unread += c.UnreadCount
		}
		fmt.Printf("  Conversations: %d\n", len(convs))
		fmt.Printf("  Unread:        %d\n", unread)

		friends, err := client.Friends.List(ctx)
		if err != nil {
			fmt.Printf("  Error fetching friends: %v\n", err)
			return nil
		}
		fmt.Printf("  Friends:       %d\n", len(friends))
		return nil
	},
}
