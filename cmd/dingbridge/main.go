package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/memohai/dingtalk-bridge/internal/config"
	"github.com/memohai/dingtalk-bridge/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "dingbridge",
	Short:         "Bridge DingTalk robot accounts to a reply pipeline",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (defaults to $CONFIG_PATH, then config.toml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// resolveConfigPath prefers the flag, then CONFIG_PATH.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return os.Getenv("CONFIG_PATH")
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}
