package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/frandata/fddpipe/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "fddpipe",
	Short: "Franchise disclosure document processing pipeline",
	Long:  "Registers scraped FDD filings, segments them into items, extracts structured data via routed LLM providers, validates, and stores typed rows.",
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
