package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/SaraQosja/diploma-project-sub001"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and token status",
	Long:  "Display the current configuration and check whether the configured token has expired.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, "Configuration:")
		fmt.Fprintf(out, "  Base URL:  %s\n", valueOrDefault(cfg.Server.BaseURL, "(not set)"))
		fmt.Fprintf(out, "  Push URL:  %s\n", valueOrDefault(cfg.Server.WSURL, "(polling only)"))
		fmt.Fprintf(out, "  Cache:     %s\n", valueOrDefault(cfg.Cache.Backend, "memory"))

		fmt.Fprintln(out)
		fmt.Fprintln(out, "Auth:")
		if cfg.Auth.UserID != "" {
			fmt.Fprintf(out, "  User:      %s (%s)\n", valueOrDefault(cfg.Auth.FullName, cfg.Auth.Username), cfg.Auth.UserID)
		} else {
			fmt.Fprintln(out, "  User:      (unknown)")
		}
		fmt.Fprintf(out, "  Token:     %s\n", tokenStatus(cfg.Auth.Token, time.Now()))
		return nil
	},
}

func tokenStatus(token string, now time.Time) string {
	if token == "" {
		return "none"
	}
	creds := chatsync.Credentials{Token: token}
	exp, ok := creds.ExpiresAt()
	if !ok {
		return "present (no expiry)"
	}
	if err := creds.Check(now); err != nil {
		return fmt.Sprintf("EXPIRED (expired %s)", exp.UTC().Format(time.RFC3339))
	}
	return fmt.Sprintf("valid (expires %s)", exp.UTC().Format(time.RFC3339))
}

// maskKey shows the first 8 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 12 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
