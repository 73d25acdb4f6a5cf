package main

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <api-base-url>",
	Short: "Store the API base URL in ~/.chatsync/config.toml",
	Long:  "Initialize chatsync by storing the chat service API base URL and a default cache location.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		base := strings.TrimRight(args[0], "/")
		if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
			return fmt.Errorf("api base url must start with http:// or https://")
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Sync.APIBaseURL = base
		if cfg.Sync.CachePath == "" {
			dir, err := configDir()
			if err != nil {
				return err
			}
			cfg.Sync.CachePath = filepath.Join(dir, "cache.db")
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("API base URL saved to %s\n", path)
		return nil
	},
}
