package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	chatsync "github.com/SaraQosja/diploma-project-sub001"
)

var (
	flagConfig  string
	flagVerbose bool
)

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.chatsync, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".chatsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

// configPath returns the config file path, honouring --config.
func configPath() (string, error) {
	if flagConfig != "" {
		return flagConfig, nil
	}
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

func loadConfig() (*chatsync.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	return chatsync.LoadConfig(path)
}

func saveConfig(cfg *chatsync.Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	return chatsync.SaveConfig(path, cfg)
}

func newLogger() (*zap.Logger, error) {
	if flagVerbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// newClient builds a client from the config file. The returned cleanup
// closes the client and its store.
func newClient(ctx context.Context, opts ...chatsync.Option) (*chatsync.Client, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, nil, fmt.Errorf("no token configured; run 'chatsync init <token>' first")
	}
	if cfg.Cache.Backend == "sqlite" && cfg.Cache.SQLitePath == "" {
		dir, err := configDir()
		if err != nil {
			return nil, nil, err
		}
		cfg.Cache.SQLitePath = filepath.Join(dir, "cache.db")
	}

	logger, err := newLogger()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}
	store, err := cfg.OpenStore(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open cache: %w", err)
	}

	all := append(cfg.Options(), chatsync.WithLogger(logger), chatsync.WithStore(store))
	client := chatsync.NewClient(cfg.Auth.Token, append(all, opts...)...)
	cleanup := func() {
		client.Close()
		store.Close()
		logger.Sync()
	}
	return client, cleanup, nil
}

// ============================================================================
// Root command
// ============================================================================

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Chat synchronization CLI",
	Long:  "Command-line client for counselor chat rooms.\nManage configuration, follow rooms, send messages, and run a local development backend.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default ~/.chatsync/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Development logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
