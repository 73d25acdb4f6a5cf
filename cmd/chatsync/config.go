package main

import (
	"fmt"
	"io"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowRaw bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "print the stored file without environment overrides or defaults")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration sync runs with",
	Long: "Print the effective configuration: the stored file, CHATSYNC_* environment\n" +
		"overrides and the built-in [sync] defaults. The token is masked.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if configShowRaw {
			return printRawConfig(cmd.OutOrStdout())
		}
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return err
		}
		return writeEffectiveConfig(cmd.OutOrStdout(), cfg)
	},
}

func printRawConfig(w io.Writer) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		fmt.Fprintln(w, "No configuration file found. Run 'chatsync init <api-base-url>' to create one.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("cannot read config file: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// writeEffectiveConfig renders cfg with defaults resolved and secrets masked.
func writeEffectiveConfig(w io.Writer, cfg *Config) error {
	shown := *cfg
	shown.Sync = cfg.Sync.Resolved()
	if shown.Auth.Token != "" {
		shown.Auth.Token = maskKey(shown.Auth.Token)
	}
	data, err := toml.Marshal(&shown)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	_, err = w.Write(data)
	return err
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set sync.retention.keep 200",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			value = maskKey(value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		return nil
	},
}
