package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Prismer-AI/chatsync"
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().Duration("wait", 10*time.Second, "How long to wait for the push connection")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message...>",
	Short: "Send a message over the push channel",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		wait, _ := cmd.Flags().GetDuration("wait")
		cfg := mustLoadConfig()
		requireToken(cfg)

		return withEngine(cfg, func(ctx context.Context, e *chatsync.Engine) error {
			e.SetCredential(cfg.Auth.Token, cfg.Auth.UserID)

			deadline := time.Now().Add(wait)
			for e.Status().State != chatsync.StateConnected {
				if time.Now().After(deadline) {
					return fmt.Errorf("push channel not connected after %s", wait)
				}
				time.Sleep(50 * time.Millisecond)
			}

			id, err := e.SendMessage(ctx, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Printf("Sent (request %s)\n", id)
			return nil
		})
	},
}
