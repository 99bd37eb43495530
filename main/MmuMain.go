package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"k3mmu/common/config"
	"k3mmu/common/logger"
	"k3mmu/common/utils/sys"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "k3mmu",
		Short:         "Filament exchange orchestrator for multi material units",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "config file (.toml or .yaml); the built in sample when empty")
	root.PersistentFlags().String("log-level", "", "override logging.level")
	root.AddCommand(newServeCmd(), newExchangeCmd(), newPlanCmd(), newValidateCmd())
	return root
}

// loadConfig reads --config and starts the logger it configures.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	if path == "" {
		cfg = config.Default()
	} else {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger.InitLogger(logger.Options{
		Level:      level,
		File:       cfg.Logging.File,
		Color:      cfg.Logging.Color,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
	})
	logger.Debugf("main thread %d running", sys.GetGID())
	return cfg, nil
}

func main() {
	err := newRootCmd().Execute()
	logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
