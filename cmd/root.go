package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/uabbasi/good-measure-giving/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "gmg",
	Short: "Incremental nonprofit evaluation pipeline",
	Long:  "Evaluates nonprofit organizations through crawl, extract, synthesize, baseline and rich phases, re-running only work whose code fingerprint or TTL has gone stale.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
