package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)

	loginCmd.Flags().String("user-id", "", "Your user id (needed for unread counting)")
	loginCmd.Flags().String("username", "", "Your username")
	loginCmd.Flags().Bool("skip-verify", false, "Store the token without checking it against the server")
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a bearer token in ~/.chatsync/config.toml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user-id")
		username, _ := cmd.Flags().GetString("username")
		skipVerify, _ := cmd.Flags().GetBool("skip-verify")

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg.Auth = ConfigAuth{Token: args[0], UserID: userID, Username: username}

		if !skipVerify {
			client := newClient(cfg)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			convs, err := client.Conversations.List(ctx)
			if err != nil {
				if errors.Is(err, chatsync.ErrUnauthorized) {
					return fmt.Errorf("token rejected by server")
				}
				return fmt.Errorf("failed to verify token: %w", err)
			}
			fmt.Printf("Token verified (%d conversations)\n", len(convs))
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		if userID == "" {
			fmt.Fprintln(os.Stderr, "Warning: no --user-id given; your own messages will count as unread.")
		}
		fmt.Printf("Logged in as %s\n", valueOrDefault(username, valueOrDefault(userID, "(unknown)")))
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token and wipe the local cache",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()

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
		if err := engine.InvalidateCredential(context.Background()); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}

		stored, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		stored.Auth = ConfigAuth{}
		if err := saveConfig(stored); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}
		fmt.Println("Logged out, local cache cleared")
		return nil
	},
}
