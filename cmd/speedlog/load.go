package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"speedlog/internal/config"
)

func loadSettings(cmd *cobra.Command) (*config.ConfigManager, config.Settings, error) {
	path, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return nil, config.Settings{}, fmt.Errorf("failed to get config flag: %w", err)
	}
	mgr := config.NewConfigManager(path)
	set, err := mgr.Load()
	if err != nil {
		return nil, config.Settings{}, err
	}
	return mgr, set, nil
}
