package main

import (
	"fmt"

	"github.com/spf13/cobra"

	chatsync "github.com/SaraQosja/diploma-project-sub001"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a bearer token in ~/.chatsync/config.toml",
	Long:  "Initialize the CLI by storing your bearer token in the local configuration file.\nIdentity fields are filled from the token's claims when it is a JWT.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token := args[0]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = token
		id := chatsync.Credentials{Token: token}.Identity()
		if id.UserID != "" {
			cfg.Auth.UserID = id.UserID
			cfg.Auth.Username = id.Username
			cfg.Auth.FullName = id.DisplayName()
		}
		if cfg.Cache.Backend == "" || cfg.Cache.Backend == "memory" {
			cfg.Cache.Backend = "sqlite"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Fprintf(cmd.OutOrStdout(), "Token saved to %s\n", path)
		if id.UserID != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Identity: %s (%s)\n", id.DisplayName(), id.UserID)
		}
		return nil
	},
}
