package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var initUserID string

func init() {
	initCmd.Flags().StringVar(&initUserID, "user", "", "Your user id (used to tell your messages from others')")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the auth token in ~/.tabsplit/config.toml",
	Long:  "Initialize the tabsplit CLI by storing your auth token in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initUserID != "" {
			cfg.Auth.UserID = initUserID
		}
		if cfg.Default.Transport == "" {
			cfg.Default.Transport = "ws"
		}
		if cfg.Storage.Backend == "" {
			cfg.Storage.Backend = "sqlite"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		return nil
	},
}
